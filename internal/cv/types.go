package cv

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Section 网页客户端使用的简历草稿顶层字段名
type Section string

const (
	SectionPersonalInfo    Section = "personalInfo"
	SectionWorkExperiences Section = "workExperiences"
	SectionWorkExp         Section = "workExp" // workExperiences 的旧别名
	SectionEducation       Section = "education"
	SectionSkills          Section = "skills"
	SectionLanguages       Section = "languages"
	SectionReferences      Section = "references"
	SectionCertifications  Section = "certifications"
	SectionProjects        Section = "projects"
	SectionHobbies         Section = "hobbies"
	SectionWebsites        Section = "websites"
	SectionAccomplishments Section = "accomplishments"
)

// PersonalInfo 联系方式和标题信息的扁平字符串记录
// 保留未知键，新旧客户端的字段都能原样往返
type PersonalInfo map[string]string

// Get 返回 key 对应的去空白值
func (p PersonalInfo) Get(key string) string {
	return strings.TrimSpace(p[key])
}

// FullName 拼接名和姓，为空时回退到 fullName
func (p PersonalInfo) FullName() string {
	name := strings.TrimSpace(p.Get("firstName") + " " + p.Get("lastName"))
	if name == "" {
		name = p.Get("fullName")
	}
	return name
}

// Entry 携带客户端生成的列表条目 id，仅用于界面行和删除
type Entry struct {
	ID string `json:"id"`
}

func (e *Entry) entryID() string      { return e.ID }
func (e *Entry) setEntryID(id string) { e.ID = id }

type WorkExperience struct {
	Entry
	JobTitle    string `json:"jobTitle"`
	Company     string `json:"company"`
	Location    string `json:"location,omitempty"`
	StartDate   string `json:"startDate,omitempty"`
	EndDate     string `json:"endDate,omitempty"`
	Current     bool   `json:"current,omitempty"`
	Description string `json:"description,omitempty"`
}

type Education struct {
	Entry
	Institution  string `json:"institution"`
	Degree       string `json:"degree"`
	FieldOfStudy string `json:"fieldOfStudy,omitempty"`
	Location     string `json:"location,omitempty"`
	StartDate    string `json:"startDate,omitempty"`
	EndDate      string `json:"endDate,omitempty"`
	Description  string `json:"description,omitempty"`
}

type Skill struct {
	Entry
	Name  string `json:"name"`
	Level string `json:"level,omitempty"`
}

type Language struct {
	Entry
	Name        string `json:"name"`
	Proficiency string `json:"proficiency,omitempty"`
}

type Reference struct {
	Entry
	Name     string `json:"name"`
	Position string `json:"position,omitempty"`
	Company  string `json:"company,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type Certification struct {
	Entry
	Name   string `json:"name"`
	Issuer string `json:"issuer,omitempty"`
	Date   string `json:"date,omitempty"`
	URL    string `json:"url,omitempty"`
}

type Project struct {
	Entry
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	StartDate   string `json:"startDate,omitempty"`
	EndDate     string `json:"endDate,omitempty"`
}

type Hobby struct {
	Entry
	Name string `json:"name"`
}

type Website struct {
	Entry
	Label string `json:"label,omitempty"`
	URL   string `json:"url"`
}

type Accomplishment struct {
	Entry
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Date        string `json:"date,omitempty"`
}

// CVFormData 填写中的简历
//
// WorkExperiences 是工作经历的唯一存储。旧名 "workExp" 只是同一切片的访问器，
// 线上格式中与 "workExperiences" 一并写出，
// 两者不会出现不一致
type CVFormData struct {
	PersonalInfo    PersonalInfo
	WorkExperiences []WorkExperience
	Education       []Education
	Skills          []Skill
	Languages       []Language
	References      []Reference
	Certifications  []Certification
	Projects        []Project
	Hobbies         []Hobby
	Websites        []Website
	Accomplishments []Accomplishment
}

// WorkExp 是 WorkExperiences 的旧名
func (d CVFormData) WorkExp() []WorkExperience {
	return d.WorkExperiences
}

// New 返回所有列表均已初始化的空草稿
func New() CVFormData {
	var d CVFormData
	d.normalize()
	return d
}

// Clone 返回深拷贝
func (d CVFormData) Clone() CVFormData {
	out := CVFormData{
		PersonalInfo:    maps.Clone(d.PersonalInfo),
		WorkExperiences: slices.Clone(d.WorkExperiences),
		Education:       slices.Clone(d.Education),
		Skills:          slices.Clone(d.Skills),
		Languages:       slices.Clone(d.Languages),
		References:      slices.Clone(d.References),
		Certifications:  slices.Clone(d.Certifications),
		Projects:        slices.Clone(d.Projects),
		Hobbies:         slices.Clone(d.Hobbies),
		Websites:        slices.Clone(d.Websites),
		Accomplishments: slices.Clone(d.Accomplishments),
	}
	out.normalize()
	return out
}

// normalize 将 nil 的 map 和切片替换为空值，线上格式不出现 null
func (d *CVFormData) normalize() {
	if d.PersonalInfo == nil {
		d.PersonalInfo = PersonalInfo{}
	}
	d.WorkExperiences = emptyIfNil(d.WorkExperiences)
	d.Education = emptyIfNil(d.Education)
	d.Skills = emptyIfNil(d.Skills)
	d.Languages = emptyIfNil(d.Languages)
	d.References = emptyIfNil(d.References)
	d.Certifications = emptyIfNil(d.Certifications)
	d.Projects = emptyIfNil(d.Projects)
	d.Hobbies = emptyIfNil(d.Hobbies)
	d.Websites = emptyIfNil(d.Websites)
	d.Accomplishments = emptyIfNil(d.Accomplishments)
}

func emptyIfNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// Draft 存储管理器为草稿会话持久化的内容
type Draft struct {
	Data       CVFormData `json:"data"`
	Step       int        `json:"step"`
	TemplateID string     `json:"templateId"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// NewDraft 返回空白草稿
func NewDraft() Draft {
	return Draft{Data: New()}
}

// Clone 返回深拷贝
func (d Draft) Clone() Draft {
	out := d
	out.Data = d.Data.Clone()
	return out
}
