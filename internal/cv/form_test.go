package cv

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	drafts  map[string]Draft
	saveErr error
	loadErr error
	loads   int
	saves   int
}

func newMemStore() *memStore {
	return &memStore{drafts: make(map[string]Draft)}
}

func (m *memStore) Save(_ context.Context, session string, d Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.drafts[session] = d.Clone()
	return nil
}

func (m *memStore) Load(_ context.Context, session string) (*Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	d, ok := m.drafts[session]
	if !ok {
		return nil, nil
	}
	out := d.Clone()
	return &out, nil
}

func (m *memStore) Clear(_ context.Context, session string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drafts, session)
	return nil
}

func assertWorkAliasesEqual(t *testing.T, d CVFormData) {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Contains(t, m, "workExperiences")
	require.Contains(t, m, "workExp")
	assert.JSONEq(t, string(m["workExperiences"]), string(m["workExp"]))
}

func TestForm_WorkAliasesStayEqualAcrossMutations(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newMemStore(), nil)
	f, err := reg.Create(ctx)
	require.NoError(t, err)

	d, err := f.UpdateField(ctx, SectionWorkExp, []WorkExperience{{Entry: Entry{ID: "a"}, JobTitle: "Analyst", Company: "Acme"}})
	require.NoError(t, err)
	require.Len(t, d.Data.WorkExperiences, 1)
	assertWorkAliasesEqual(t, d.Data)

	d, id, err := f.AddItem(ctx, SectionWorkExperiences, map[string]any{"jobTitle": "Engineer", "company": "Kilimo"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Len(t, d.Data.WorkExp(), 2)
	assertWorkAliasesEqual(t, d.Data)

	d, err = f.MoveItem(ctx, SectionWorkExp, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "Engineer", d.Data.WorkExperiences[0].JobTitle)
	assertWorkAliasesEqual(t, d.Data)

	d, err = f.RemoveItem(ctx, SectionWorkExp, "a")
	require.NoError(t, err)
	require.Len(t, d.Data.WorkExperiences, 1)
	assertWorkAliasesEqual(t, d.Data)
}

func TestForm_UpdateFieldDeepCopies(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil, nil)
	f, err := reg.Create(ctx)
	require.NoError(t, err)

	items := []WorkExperience{{Entry: Entry{ID: "x"}, JobTitle: "Analyst"}}
	_, err = f.UpdateField(ctx, SectionWorkExperiences, items)
	require.NoError(t, err)

	items[0].JobTitle = "changed"
	snap := f.Snapshot()
	assert.Equal(t, "Analyst", snap.Data.WorkExperiences[0].JobTitle)

	snap.Data.WorkExperiences[0].JobTitle = "also changed"
	assert.Equal(t, "Analyst", f.Snapshot().Data.WorkExperiences[0].JobTitle)
}

func TestForm_ValidationErrorsLeaveStateUntouched(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg := NewRegistry(store, nil)
	f, err := reg.Create(ctx)
	require.NoError(t, err)
	savesBefore := store.saves

	_, err = f.UpdateField(ctx, Section("nope"), []string{})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "nope", ve.Field)

	_, err = f.MoveItem(ctx, SectionSkills, 0, 1)
	require.ErrorAs(t, err, &ve)

	_, err = f.UpdateField(ctx, SectionSkills, "not a list")
	require.ErrorAs(t, err, &ve)

	assert.Equal(t, savesBefore, store.saves)
}

func TestForm_RemoveUnknownIDIsNoop(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil, nil)
	f, _ := reg.Create(ctx)
	_, _, err := f.AddItem(ctx, SectionSkills, Skill{Name: "Go"})
	require.NoError(t, err)

	d, err := f.RemoveItem(ctx, SectionSkills, "missing")
	require.NoError(t, err)
	assert.Len(t, d.Data.Skills, 1)
}

func TestForm_PersistFailureKeepsMutation(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg := NewRegistry(store, nil)
	f, err := reg.Create(ctx)
	require.NoError(t, err)

	store.saveErr = errors.New("OOM command not allowed")
	d, err := f.UpdateField(ctx, SectionPersonalInfo, map[string]string{"firstName": "Amina"})
	require.Error(t, err)
	assert.True(t, IsPersistError(err))
	assert.Equal(t, "Amina", d.Data.PersonalInfo["firstName"])
	assert.Equal(t, "Amina", f.Snapshot().Data.PersonalInfo["firstName"])
}

func TestRegistry_HydratesOnce(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seed := NewDraft()
	seed.Step = 3
	seed.Data.PersonalInfo["firstName"] = "Amina"
	store.drafts["s1"] = seed

	reg := NewRegistry(store, nil)
	f1, err := reg.Open(ctx, "s1")
	require.NoError(t, err)
	f2, err := reg.Open(ctx, "s1")
	require.NoError(t, err)

	assert.Same(t, f1, f2)
	assert.Equal(t, 1, store.loads)
	assert.Equal(t, 3, f1.Snapshot().Step)
}

func TestRegistry_OpenStartsBlankWhenStorageDown(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("both backends down")
	reg := NewRegistry(store, nil)

	f, err := reg.Open(context.Background(), "s2")
	require.NotNil(t, f)
	assert.True(t, IsPersistError(err))
	assert.Empty(t, f.Snapshot().Data.WorkExperiences)
}

func TestRegistry_ResetClearsStorage(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg := NewRegistry(store, nil)
	f, _ := reg.Create(ctx)
	_, err := f.SetTemplate(ctx, "modern")
	require.NoError(t, err)

	d, err := reg.Reset(ctx, f.Session())
	require.NoError(t, err)
	assert.Empty(t, d.TemplateID)
	_, ok := store.drafts[f.Session()]
	assert.False(t, ok)
}

func TestRegistry_Sweep(t *testing.T) {
	reg := NewRegistry(nil, nil)
	_, _ = reg.Create(context.Background())
	require.Equal(t, 1, reg.Len())

	assert.Equal(t, 0, reg.Sweep(time.Hour))
	assert.Equal(t, 1, reg.Sweep(-time.Second))
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_FailedLoadNeverOverwritesStoredDraft(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seed := NewDraft()
	seed.Step = 4
	seed.Data.PersonalInfo["firstName"] = "Amina"
	store.drafts["s1"] = seed

	reg := NewRegistry(store, nil)
	store.loadErr = errors.New("read timeout")
	f, err := reg.Open(ctx, "s1")
	require.NotNil(t, f)
	assert.True(t, IsPersistError(err))
	assert.False(t, f.Hydrated())

	_, err = f.SetStep(ctx, 5)
	assert.ErrorIs(t, err, ErrDraftNotLoaded)
	assert.Equal(t, 0, store.saves)
	assert.Equal(t, "Amina", store.drafts["s1"].Data.PersonalInfo["firstName"])

	store.loadErr = nil
	again, err := reg.Open(ctx, "s1")
	require.NoError(t, err)
	assert.Same(t, f, again)
	assert.True(t, again.Hydrated())
	assert.Equal(t, 4, again.Snapshot().Step)
	assert.Equal(t, "Amina", again.Snapshot().Data.PersonalInfo["firstName"])

	_, err = again.SetStep(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, store.drafts["s1"].Step)
	assert.Equal(t, "Amina", store.drafts["s1"].Data.PersonalInfo["firstName"])
}

func TestRegistry_ReplaceSavesFromUnloadedForm(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.loadErr = errors.New("read timeout")
	reg := NewRegistry(store, nil)

	f, err := reg.Open(ctx, "s3")
	require.Error(t, err)

	var data CVFormData
	require.NoError(t, json.Unmarshal([]byte(`{"personalInfo":{"firstName":"Juma"}}`), &data))
	_, err = f.Replace(ctx, data)
	require.NoError(t, err)
	assert.True(t, f.Hydrated())
	assert.Equal(t, "Juma", store.drafts["s3"].Data.PersonalInfo["firstName"])

	again, err := reg.Open(ctx, "s3")
	require.NoError(t, err)
	assert.Same(t, f, again)
}
