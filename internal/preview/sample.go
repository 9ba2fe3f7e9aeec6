package preview

import "cvchapchap/internal/cv"

// SampleData 用于模板缩略图以及无草稿时模板预览的
// 占位简历
func SampleData() cv.CVFormData {
	d := cv.New()
	d.PersonalInfo["firstName"] = "Neema"
	d.PersonalInfo["lastName"] = "Mwakasege"
	d.PersonalInfo["professionalTitle"] = "Financial Analyst"
	d.PersonalInfo["email"] = "neema@example.co.tz"
	d.PersonalInfo["phone"] = "+255 712 345 678"
	d.PersonalInfo["address"] = "Dar es Salaam, Tanzania"
	d.PersonalInfo["summary"] = "Analyst with five years of experience in **mobile money** reporting and SME lending."
	d.WorkExperiences = []cv.WorkExperience{
		{Entry: cv.Entry{ID: "w1"}, JobTitle: "Financial Analyst", Company: "Kilimo Bank", Location: "Dar es Salaam", StartDate: "2021-02", Current: true,
			Description: "- Built weekly liquidity dashboards\n- Cut month-end close from 6 to 3 days"},
		{Entry: cv.Entry{ID: "w2"}, JobTitle: "Junior Accountant", Company: "Pwani Traders", Location: "Bagamoyo", StartDate: "2018-07", EndDate: "2021-01"},
	}
	d.Education = []cv.Education{
		{Entry: cv.Entry{ID: "e1"}, Institution: "University of Dar es Salaam", Degree: "BCom", FieldOfStudy: "Finance", StartDate: "2014", EndDate: "2018"},
	}
	d.Skills = []cv.Skill{
		{Entry: cv.Entry{ID: "s1"}, Name: "Financial modelling", Level: "Expert"},
		{Entry: cv.Entry{ID: "s2"}, Name: "SQL", Level: "Intermediate"},
	}
	d.Languages = []cv.Language{
		{Entry: cv.Entry{ID: "l1"}, Name: "Swahili", Proficiency: "Native"},
		{Entry: cv.Entry{ID: "l2"}, Name: "English", Proficiency: "Fluent"},
	}
	d.References = []cv.Reference{
		{Entry: cv.Entry{ID: "r1"}, Name: "Dr. Juma Hassan", Position: "Head of Finance", Company: "Kilimo Bank"},
	}
	return d
}
