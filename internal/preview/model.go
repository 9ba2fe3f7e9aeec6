package preview

import (
	"bytes"
	"html"
	"html/template"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"cvchapchap/internal/cv"
)

// View 模板执行时使用的数据
type View struct {
	Name            string
	Title           string
	Email           string
	Phone           string
	Address         string
	Nationality     string
	DateOfBirth     string
	Summary         template.HTML
	Photo           template.URL
	Work            []WorkView
	Education       []EducationView
	Skills          []cv.Skill
	Languages       []cv.Language
	References      []cv.Reference
	Certifications  []cv.Certification
	Projects        []ProjectView
	Hobbies         []string
	Websites        []cv.Website
	Accomplishments []AccomplishmentView
}

type WorkView struct {
	JobTitle    string
	Company     string
	Location    string
	Period      string
	Description template.HTML
}

type EducationView struct {
	Degree      string
	Institution string
	Field       string
	Period      string
	Description template.HTML
}

type ProjectView struct {
	Name        string
	URL         string
	Period      string
	Description template.HTML
}

type AccomplishmentView struct {
	Title       string
	Date        string
	Description template.HTML
}

var (
	markdown  = goldmark.New(goldmark.WithExtensions(extension.Linkify, extension.Strikethrough))
	sanitizer = bluemonday.UGCPolicy()
)

// richText 渲染用户的 Markdown 并去除不安全内容
func richText(src string) template.HTML {
	src = strings.TrimSpace(src)
	if src == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(src))
	}
	return template.HTML(sanitizer.SanitizeBytes(buf.Bytes()))
}

func period(start, end string, current bool) string {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if current {
		end = "Present"
	}
	switch {
	case start == "" && end == "":
		return ""
	case start == "":
		return end
	case end == "":
		return start
	}
	return start + " – " + end
}

func buildView(d cv.CVFormData) View {
	info := d.PersonalInfo
	v := View{
		Name:        info.FullName(),
		Title:       cv.ProfessionalTitle(d),
		Email:       info.Get("email"),
		Phone:       info.Get("phone"),
		Address:     firstNonEmpty(info.Get("address"), info.Get("location"), info.Get("city")),
		Nationality: info.Get("nationality"),
		DateOfBirth: info.Get("dateOfBirth"),
		Summary:     richText(firstNonEmpty(info.Get("summary"), info.Get("profile"))),

		Skills:         d.Skills,
		Languages:      d.Languages,
		References:     d.References,
		Certifications: d.Certifications,
		Websites:       d.Websites,
	}
	if v.Name == "" {
		v.Name = "Your Name"
	}
	for _, w := range d.WorkExperiences {
		v.Work = append(v.Work, WorkView{
			JobTitle:    w.JobTitle,
			Company:     w.Company,
			Location:    w.Location,
			Period:      period(w.StartDate, w.EndDate, w.Current),
			Description: richText(w.Description),
		})
	}
	for _, e := range d.Education {
		v.Education = append(v.Education, EducationView{
			Degree:      e.Degree,
			Institution: e.Institution,
			Field:       e.FieldOfStudy,
			Period:      period(e.StartDate, e.EndDate, false),
			Description: richText(e.Description),
		})
	}
	for _, p := range d.Projects {
		v.Projects = append(v.Projects, ProjectView{
			Name:        p.Name,
			URL:         p.URL,
			Period:      period(p.StartDate, p.EndDate, false),
			Description: richText(p.Description),
		})
	}
	for _, h := range d.Hobbies {
		if name := strings.TrimSpace(h.Name); name != "" {
			v.Hobbies = append(v.Hobbies, name)
		}
	}
	for _, a := range d.Accomplishments {
		v.Accomplishments = append(v.Accomplishments, AccomplishmentView{
			Title:       a.Title,
			Date:        a.Date,
			Description: richText(a.Description),
		})
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// PlainLines 将草稿展开为文本行，供最简 PDF 写出器使用
func PlainLines(d cv.CVFormData) (title string, lines []string) {
	v := buildView(d)
	lines = append(lines, v.Title)
	contact := strings.Join(nonEmpty(v.Email, v.Phone, v.Address), " | ")
	if contact != "" {
		lines = append(lines, contact)
	}
	if s := plain(v.Summary); s != "" {
		lines = append(lines, "", "PROFILE", s)
	}
	if len(v.Work) > 0 {
		lines = append(lines, "", "WORK EXPERIENCE")
		for _, w := range v.Work {
			lines = append(lines, strings.Join(nonEmpty(w.JobTitle, w.Company, w.Period), " - "))
			if s := plain(w.Description); s != "" {
				lines = append(lines, "  "+s)
			}
		}
	}
	if len(v.Education) > 0 {
		lines = append(lines, "", "EDUCATION")
		for _, e := range v.Education {
			lines = append(lines, strings.Join(nonEmpty(e.Degree, e.Institution, e.Period), " - "))
		}
	}
	if len(v.Skills) > 0 {
		names := make([]string, 0, len(v.Skills))
		for _, s := range v.Skills {
			names = append(names, s.Name)
		}
		lines = append(lines, "", "SKILLS", strings.Join(nonEmpty(names...), ", "))
	}
	if len(v.Languages) > 0 {
		names := make([]string, 0, len(v.Languages))
		for _, l := range v.Languages {
			names = append(names, strings.Join(nonEmpty(l.Name, l.Proficiency), " "))
		}
		lines = append(lines, "", "LANGUAGES", strings.Join(nonEmpty(names...), ", "))
	}
	if len(v.References) > 0 {
		lines = append(lines, "", "REFERENCES")
		for _, r := range v.References {
			lines = append(lines, strings.Join(nonEmpty(r.Name, r.Position, r.Company, r.Phone, r.Email), ", "))
		}
	}
	return v.Name, lines
}

var stripTags = bluemonday.StrictPolicy()

func plain(h template.HTML) string {
	s := html.UnescapeString(stripTags.Sanitize(string(h)))
	return strings.Join(strings.Fields(s), " ")
}

func nonEmpty(values ...string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
