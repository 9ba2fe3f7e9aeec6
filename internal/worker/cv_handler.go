package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"cvchapchap/internal/request"
	"cvchapchap/internal/tasks"
)

// Generator 生成并保存付费请求的 PDF，*request.Service 满足该接口。
type Generator interface {
	Generate(ctx context.Context, id string) (*request.PDF, error)
	Fail(ctx context.Context, id, reason string) error
}

// CVTaskHandler 消费 cv:generate-pdf 任务。
type CVTaskHandler struct {
	generator    Generator
	logger       *slog.Logger
	finalAttempt func(ctx context.Context) bool
}

func NewCVTaskHandler(generator Generator, logger *slog.Logger) *CVTaskHandler {
	return &CVTaskHandler{
		generator:    generator,
		logger:       logger,
		finalAttempt: isFinalAsynqAttempt,
	}
}

// ProcessTask 实现 asynq.Handler。
func (h *CVTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) (retErr error) {
	log := h.logger

	var payload tasks.CVGeneratePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		log.Error("unmarshal task payload failed", slog.Any("error", err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	log = log.With(
		slog.String("correlation_id", payload.CorrelationID),
		slog.String("request_id", payload.RequestID),
	)
	ctx = request.WithCorrelationID(ctx, payload.CorrelationID)
	log.Info("starting cv pdf generation")

	defer func() {
		if retErr == nil || errors.Is(retErr, asynq.SkipRetry) || !h.finalAttempt(ctx) {
			return
		}
		if err := h.generator.Fail(ctx, payload.RequestID, strings.TrimSpace(retErr.Error())); err != nil {
			log.Error("mark request failed", slog.Any("error", err))
		}
	}()

	doc, err := h.generator.Generate(ctx, payload.RequestID)
	switch {
	case errors.Is(err, request.ErrNotFound):
		log.Warn("request not found, skipping task")
		return nil
	case errors.Is(err, request.ErrPaymentRequired):
		log.Warn("request is not paid, skipping task")
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	case err != nil:
		log.Error("generate cv pdf failed", slog.Any("error", err))
		return err
	}

	log.Info("cv pdf generated", slog.String("source", string(doc.Source)), slog.Int("bytes", len(doc.Data)))
	return nil
}

func isFinalAsynqAttempt(ctx context.Context) bool {
	retryCount, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	if !ok1 || !ok2 {
		return false
	}
	return retryCount >= maxRetry
}
