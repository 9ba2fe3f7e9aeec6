package cv

import "strings"

const defaultTitle = "Professional"

// ProfessionalTitle 解析姓名下方显示的职位标题
// 顺序：personalInfo.professionalTitle、personalInfo.jobTitle、第一段工作经历的
// 职位、"Professional at {company}"，最后是 "Professional"
func ProfessionalTitle(d CVFormData) string {
	if t := d.PersonalInfo.Get("professionalTitle"); t != "" {
		return t
	}
	if t := d.PersonalInfo.Get("jobTitle"); t != "" {
		return t
	}
	if len(d.WorkExperiences) > 0 {
		first := d.WorkExperiences[0]
		if t := strings.TrimSpace(first.JobTitle); t != "" {
			return t
		}
		if c := strings.TrimSpace(first.Company); c != "" {
			return defaultTitle + " at " + c
		}
	}
	return defaultTitle
}

// PrepareForDownload 返回副本，personalInfo.jobTitle 和 professionalTitle
// 为空时用 ProfessionalTitle 填充，不修改输入
func PrepareForDownload(d CVFormData) CVFormData {
	out := d.Clone()
	title := ProfessionalTitle(out)
	if out.PersonalInfo.Get("jobTitle") == "" {
		out.PersonalInfo["jobTitle"] = title
	}
	if out.PersonalInfo.Get("professionalTitle") == "" {
		out.PersonalInfo["professionalTitle"] = title
	}
	return out
}
