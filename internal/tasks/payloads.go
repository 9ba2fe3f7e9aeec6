package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// 生产者与 worker 共用的任务类型。
const (
	TypeCVGeneratePDF   = "cv:generate-pdf"
	TypeTemplatePreview = "template:preview"
)

// CVGeneratePayload 指定需要生成 PDF 的付费请求。
type CVGeneratePayload struct {
	RequestID     string `json:"request_id"`
	CorrelationID string `json:"correlation_id"`
}

// NewCVGenerateTask 构造 cv:generate-pdf 任务。
func NewCVGenerateTask(requestID, correlationID string) (*asynq.Task, error) {
	payload, err := json.Marshal(CVGeneratePayload{
		RequestID:     requestID,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCVGeneratePDF, payload, asynq.MaxRetry(3)), nil
}

// TemplatePreviewPayload 指定需要生成缩略图的模板。
type TemplatePreviewPayload struct {
	TemplateID    uint   `json:"template_id"`
	CorrelationID string `json:"correlation_id"`
}

// NewTemplatePreviewTask 构造 template:preview 任务。
func NewTemplatePreviewTask(templateID uint, correlationID string) (*asynq.Task, error) {
	payload, err := json.Marshal(TemplatePreviewPayload{
		TemplateID:    templateID,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeTemplatePreview, payload), nil
}
