package cv

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

type wireForm struct {
	PersonalInfo    PersonalInfo     `json:"personalInfo"`
	WorkExperiences []WorkExperience `json:"workExperiences"`
	WorkExp         []WorkExperience `json:"workExp"`
	Education       []Education      `json:"education"`
	Skills          []Skill          `json:"skills"`
	Languages       []Language       `json:"languages"`
	References      []Reference      `json:"references"`
	Certifications  []Certification  `json:"certifications"`
	Projects        []Project        `json:"projects"`
	Hobbies         []Hobby          `json:"hobbies"`
	Websites        []Website        `json:"websites"`
	Accomplishments []Accomplishment `json:"accomplishments"`
}

// MarshalJSON 同时以 "workExperiences" 和 "workExp" 写出工作经历
func (d CVFormData) MarshalJSON() ([]byte, error) {
	n := d.Clone()
	return json.Marshal(wireForm{
		PersonalInfo:    n.PersonalInfo,
		WorkExperiences: n.WorkExperiences,
		WorkExp:         n.WorkExperiences,
		Education:       n.Education,
		Skills:          n.Skills,
		Languages:       n.Languages,
		References:      n.References,
		Certifications:  n.Certifications,
		Projects:        n.Projects,
		Hobbies:         n.Hobbies,
		Websites:        n.Websites,
		Accomplishments: n.Accomplishments,
	})
}

// UnmarshalJSON 接受两种工作经历键名，非空的 "workExperiences" 优先，
// 否则使用 "workExp"。缺失的列表置为空，没有 id 的条目会补上 id
func (d *CVFormData) UnmarshalJSON(data []byte) error {
	var w wireForm
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	work := w.WorkExperiences
	if len(work) == 0 && len(w.WorkExp) > 0 {
		work = w.WorkExp
	}

	*d = CVFormData{
		PersonalInfo:    w.PersonalInfo,
		WorkExperiences: work,
		Education:       w.Education,
		Skills:          w.Skills,
		Languages:       w.Languages,
		References:      w.References,
		Certifications:  w.Certifications,
		Projects:        w.Projects,
		Hobbies:         w.Hobbies,
		Websites:        w.Websites,
		Accomplishments: w.Accomplishments,
	}
	d.normalize()
	d.assignMissingIDs()
	return nil
}

func (d *CVFormData) assignMissingIDs() {
	for _, ops := range listSections {
		ops.assignIDs(d)
	}
}

func ensureID[T any, P entry[T]](items []T) {
	for i := range items {
		p := P(&items[i])
		if strings.TrimSpace(p.entryID()) == "" {
			p.setEntryID(uuid.NewString())
		}
	}
}
