package cv

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const itemList = `{"type": ["array", "null"], "items": {"type": "object", "properties": {"id": {"type": ["string", "null"]}}}}`

// draftSchema 只校验结构，允许未知键以兼容旧客户端
var draftSchema = gojsonschema.NewStringLoader(`{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "personalInfo": {"type": ["object", "null"], "additionalProperties": {"type": ["string", "null"]}},
    "workExperiences": ` + itemList + `,
    "workExp": ` + itemList + `,
    "education": ` + itemList + `,
    "skills": ` + itemList + `,
    "languages": ` + itemList + `,
    "references": ` + itemList + `,
    "certifications": ` + itemList + `,
    "projects": ` + itemList + `,
    "hobbies": ` + itemList + `,
    "websites": ` + itemList + `,
    "accomplishments": ` + itemList + `
  }
}`)

// ValidateDraftJSON 在解码进 form 之前校验完整简历文档
func ValidateDraftJSON(raw []byte) error {
	result, err := gojsonschema.Validate(draftSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &ValidationError{Field: "data", Message: err.Error()}
	}
	if result.Valid() {
		return nil
	}

	details := make([]FieldError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		field := re.Field()
		if field == "(root)" {
			field = "data"
		} else {
			field = strings.TrimPrefix(field, "(root).")
		}
		details = append(details, FieldError{Field: field, Message: re.Description()})
	}
	return &ValidationError{Field: "data", Message: "invalid CV document", Details: details}
}
