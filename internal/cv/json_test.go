package cv

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshal_LegacyWorkExpOnly(t *testing.T) {
	var d CVFormData
	err := json.Unmarshal([]byte(`{"personalInfo":{"firstName":"Amina","nickname":"Mimi"},"workExp":[{"jobTitle":"Analyst","company":"Acme"}]}`), &d)
	require.NoError(t, err)

	require.Len(t, d.WorkExperiences, 1)
	assert.Equal(t, "Analyst", d.WorkExperiences[0].JobTitle)
	assert.NotEmpty(t, d.WorkExperiences[0].ID)
	assert.Equal(t, "Mimi", d.PersonalInfo["nickname"])
	assert.NotNil(t, d.Education)
	assert.NotNil(t, d.Accomplishments)
}

func TestUnmarshal_PrefersWorkExperiences(t *testing.T) {
	var d CVFormData
	err := json.Unmarshal([]byte(`{"workExperiences":[{"id":"1","jobTitle":"New"}],"workExp":[{"id":"2","jobTitle":"Old"}]}`), &d)
	require.NoError(t, err)
	require.Len(t, d.WorkExperiences, 1)
	assert.Equal(t, "New", d.WorkExperiences[0].JobTitle)
}

func TestMarshal_NeverNull(t *testing.T) {
	raw, err := json.Marshal(CVFormData{})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "null")
}

func TestDraft_RoundTrip(t *testing.T) {
	d := NewDraft()
	d.Step = 2
	d.TemplateID = "classic"
	d.Data.PersonalInfo["firstName"] = "Amina"
	d.Data.Skills = append(d.Data.Skills, Skill{Entry: Entry{ID: "s1"}, Name: "SQL", Level: "Expert"})

	raw, err := json.Marshal(d)
	require.NoError(t, err)
	var back Draft
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, d, back)
}

func TestValidateDraftJSON(t *testing.T) {
	require.NoError(t, ValidateDraftJSON([]byte(`{"personalInfo":{"firstName":"Amina"},"skills":[{"name":"Go"}],"extra":1}`)))

	err := ValidateDraftJSON([]byte(`{"workExperiences":"Analyst","personalInfo":{"age":30}}`))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Details, 2)

	fields := []string{ve.Details[0].Field, ve.Details[1].Field}
	assert.Contains(t, fields, "workExperiences")
	assert.Contains(t, fields, "personalInfo.age")
}
