package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/text/language"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"cvchapchap/internal/cv"
	"cvchapchap/internal/database"
	"cvchapchap/internal/draftstore"
	"cvchapchap/internal/errcode"
	"cvchapchap/internal/payment"
	"cvchapchap/internal/screener"
	"cvchapchap/internal/tasks"
)

var (
	ErrNotFound          = errors.New("request not found")
	ErrPaymentRequired   = errors.New("payment has not been confirmed")
	ErrInvalidTransition = errors.New("request cannot move to that status")
)

// UpstreamError 重试后外部支付服务仍然失败
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

// Remote 外部简历筛选服务，*screener.Client 实现了它
type Remote interface {
	InitiateUSSD(ctx context.Context, in screener.InitiateRequest) (*screener.InitiateResponse, error)
	Verify(ctx context.Context, reference string, in screener.VerifyRequest) (*screener.StatusResponse, error)
	Status(ctx context.Context, reference string) (*screener.StatusResponse, error)
	Download(ctx context.Context, reference string) ([]byte, error)
	GeneratePDF(ctx context.Context, in screener.PDFRequest) ([]byte, error)
	PreviewPDF(ctx context.Context, in screener.PDFRequest) ([]byte, error)
}

// Objects 存储生成的 PDF，*storage.Client 实现了它
type Objects interface {
	PutBytes(ctx context.Context, key string, data []byte, contentType string) error
	ReadObject(ctx context.Context, key string) ([]byte, error)
}

// Enqueuer 调度后台任务，*asynq.Client 实现了它
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Request 面向客户端的 cv_requests 记录视图
type Request struct {
	ID            string     `json:"id"`
	Status        Status     `json:"status"`
	TemplateID    string     `json:"templateId"`
	USSDCode      string     `json:"ussdCode,omitempty"`
	Amount        int        `json:"amount"`
	Currency      string     `json:"currency"`
	MerchantName  string     `json:"merchantName,omitempty"`
	MerchantPhone string     `json:"merchantNumber,omitempty"`
	TransactionID string     `json:"transactionId,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	DownloadReady bool       `json:"downloadReady"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Options Service 的配置，DB 必填，测试中其余字段都可以为 nil
type Options struct {
	DB        *gorm.DB
	Cache     draftstore.KV
	Remote    Remote
	Validator *payment.Validator
	Merchant  payment.Merchant
	USSDCode  string
	Enqueuer  Enqueuer
	Chain     *Chain
	Objects   Objects
	Notifier  Notifier
	CacheTTL  time.Duration
	Logger    *slog.Logger
}

// Service 驱动付费下载从发起到 PDF 入库的全过程
type Service struct {
	db        *gorm.DB
	cache     draftstore.KV
	remote    Remote
	validator *payment.Validator
	merchant  payment.Merchant
	ussdCode  string
	enqueuer  Enqueuer
	chain     *Chain
	objects   Objects
	notifier  Notifier
	cacheTTL  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:        opts.DB,
		cache:     opts.Cache,
		remote:    opts.Remote,
		validator: opts.Validator,
		merchant:  opts.Merchant,
		ussdCode:  opts.USSDCode,
		enqueuer:  opts.Enqueuer,
		chain:     opts.Chain,
		objects:   opts.Objects,
		notifier:  opts.Notifier,
		cacheTTL:  ttl,
		logger:    logger,
		now:       time.Now,
	}
}

// InitiateInput 为草稿发起付费下载
type InitiateInput struct {
	Session     string
	Data        cv.CVFormData
	TemplateID  string
	PhoneNumber string
}

// InitiatePayment 记录请求并向支付方登记，
// 返回 pending_payment 状态的请求。支付方失败时请求置为 failed
func (s *Service) InitiatePayment(ctx context.Context, in InitiateInput) (*Request, error) {
	content, err := json.Marshal(in.Data)
	if err != nil {
		return nil, fmt.Errorf("encode cv data: %w", err)
	}
	row := database.CVRequest{
		ID:          uuid.NewString(),
		Session:     in.Session,
		TemplateID:  in.TemplateID,
		Status:      string(StatusInitiating),
		PhoneNumber: strings.TrimSpace(in.PhoneNumber),
		Amount:      s.merchant.Amount,
		Currency:    s.merchant.Currency,
		CVData:      datatypes.JSON(content),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	ussd := s.ussdCode
	if s.remote != nil {
		resp, err := s.remote.InitiateUSSD(ctx, screener.InitiateRequest{
			CVData:      cv.PrepareForDownload(in.Data),
			TemplateID:  in.TemplateID,
			PhoneNumber: row.PhoneNumber,
			Amount:      row.Amount,
			Currency:    row.Currency,
		})
		if err != nil {
			_ = s.fail(ctx, row.ID, "initiate: "+err.Error())
			return nil, &UpstreamError{Op: "initiate payment", Err: err}
		}
		row.ExternalRef = resp.Reference
		if resp.USSDCode != "" {
			ussd = resp.USSDCode
		}
	}

	if err := s.transition(ctx, row.ID, StatusPendingPayment, map[string]any{
		"external_ref": row.ExternalRef,
	}); err != nil {
		return nil, err
	}
	s.rememberSession(ctx, in.Session, row.ID)

	out, err := s.Status(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	out.USSDCode = ussd
	return out, nil
}

// VerifyPayment 校验用户粘贴的支付短信。被拒绝时请求回到
// pending_payment 并返回本地化的 *payment.ValidationError；通过后排队
// 生成 PDF。已过校验阶段的请求原样返回
func (s *Service) VerifyPayment(ctx context.Context, id, smsText string, lang language.Tag) (*Request, error) {
	row, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch Status(row.Status) {
	case StatusGeneratingPDF, StatusCompleted:
		return s.toRequest(row), nil
	}
	if err := s.transition(ctx, id, StatusVerifying, nil); err != nil {
		return nil, err
	}

	if s.validator == nil {
		return nil, errors.New("payment validator is not configured")
	}
	receipt, verr := s.validator.Validate(smsText, lang)
	if verr != nil {
		if err := s.transition(ctx, id, StatusPendingPayment, nil); err != nil {
			s.logger.Warn("revert to pending_payment failed", "request_id", id, "error", err)
		}
		return nil, verr
	}

	used, err := s.receiptUsed(ctx, id, receipt.TransactionID)
	if err != nil {
		return nil, err
	}
	if used {
		if err := s.transition(ctx, id, StatusPendingPayment, nil); err != nil {
			s.logger.Warn("revert to pending_payment failed", "request_id", id, "error", err)
		}
		return nil, payment.ReceiptUsedError(lang, s.merchant)
	}

	if s.remote != nil && row.ExternalRef != "" {
		if _, err := s.remote.Verify(ctx, row.ExternalRef, screener.VerifyRequest{
			SMSText:       smsText,
			TransactionID: receipt.TransactionID,
		}); err != nil {
			s.logger.Warn("upstream verify failed", "request_id", id, "error", err)
		}
	}

	if err := s.markPaid(ctx, id, receipt.TransactionID, receipt.SenderPhone, receipt.Channel); err != nil {
		return nil, err
	}
	return s.Status(ctx, id)
}

// receiptUsed 判断 txID 是否已为 id 以外的请求付过款
func (s *Service) receiptUsed(ctx context.Context, id, txID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&database.CVRequest{}).
		Where("transaction_id = ? AND id <> ? AND paid_at IS NOT NULL", txID, id).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check transaction id: %w", err)
	}
	return n > 0, nil
}

// ConfirmFromProvider 按支付方通知将请求标记为已付款，
// 已付款请求的重复回调不做处理
func (s *Service) ConfirmFromProvider(ctx context.Context, id, transactionID string) (*Request, error) {
	row, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.PaidAt != nil {
		return s.toRequest(row), nil
	}
	if err := s.markPaid(ctx, id, transactionID, "", ""); err != nil {
		return nil, err
	}
	return s.Status(ctx, id)
}

func (s *Service) markPaid(ctx context.Context, id, txID, sender, channel string) error {
	now := s.now().UTC()
	if err := s.transition(ctx, id, StatusGeneratingPDF, map[string]any{
		"transaction_id": txID,
		"sender_phone":   sender,
		"channel":        channel,
		"paid_at":        &now,
		"failure_reason": "",
	}); err != nil {
		return err
	}
	s.enqueueGenerate(ctx, id)
	return nil
}

func (s *Service) enqueueGenerate(ctx context.Context, id string) {
	if s.enqueuer == nil {
		return
	}
	task, err := tasks.NewCVGenerateTask(id, correlationID(ctx))
	if err != nil {
		s.logger.Error("build generate task failed", "request_id", id, "error", err)
		return
	}
	// 队列不可用时 Download 仍会同步执行生成链
	if _, err := s.enqueuer.EnqueueContext(ctx, task); err != nil {
		s.logger.Error("enqueue generate task failed", "request_id", id, "error", err)
	}
}

// Status 返回指定 id 的请求
func (s *Service) Status(ctx context.Context, id string) (*Request, error) {
	row, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.toRequest(row), nil
}

// CurrentRequest 返回草稿会话的最新请求，id 先从
// 缓存读取，未命中时查数据库
func (s *Service) CurrentRequest(ctx context.Context, session string) (*Request, error) {
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, sessionKey(session))
		switch {
		case err == nil:
			if req, err := s.Status(ctx, string(raw)); err == nil {
				return req, nil
			}
		case !errors.Is(err, draftstore.ErrNotFound):
			s.logger.Warn("request cache read failed", "session", session, "error", err)
		}
	}

	var row database.CVRequest
	err := s.db.WithContext(ctx).
		Where("session = ?", session).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session request: %w", err)
	}
	s.rememberSession(ctx, session, row.ID)
	return s.toRequest(&row), nil
}

// WaitForTerminal 轮询直到请求完成、失败或 ctx 结束。
// 付款待确认期间每次轮询都会向支付服务查询是否已付款
func (s *Service) WaitForTerminal(ctx context.Context, id string, interval time.Duration) (*Request, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		row, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.syncRemote(ctx, row) {
			if row, err = s.load(ctx, id); err != nil {
				return nil, err
			}
		}
		req := s.toRequest(row)
		if req.Status.Terminal() {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return req, ctx.Err()
		case <-ticker.C:
		}
	}
}

// syncRemote 将支付服务对待付款请求的状态应用到本地，并返回
// 记录是否变化。远端出错只影响本次轮询
func (s *Service) syncRemote(ctx context.Context, row *database.CVRequest) bool {
	if s.remote == nil || row.ExternalRef == "" || Status(row.Status) != StatusPendingPayment {
		return false
	}
	resp, err := s.remote.Status(ctx, row.ExternalRef)
	if err != nil {
		s.logger.Debug("remote status unavailable", "request_id", row.ID, "error", err)
		return false
	}
	switch remoteOutcome(resp.Status) {
	case StatusGeneratingPDF:
		if err := s.markPaid(ctx, row.ID, "", "", ""); err != nil {
			s.logger.Warn("apply remote payment failed", "request_id", row.ID, "error", err)
			return false
		}
		s.logger.Info("payment confirmed by remote status", "request_id", row.ID)
		return true
	case StatusFailed:
		reason := strings.TrimSpace("payment " + resp.Status + ": " + resp.Message)
		if err := s.fail(ctx, row.ID, strings.TrimSuffix(reason, ":")); err != nil {
			s.logger.Warn("apply remote failure failed", "request_id", row.ID, "error", err)
			return false
		}
		return true
	}
	return false
}

// remoteOutcome 将支付服务状态映射到本地生命周期，
// 仍在处理中的映射为 ""
func remoteOutcome(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid", "verified", "payment_confirmed", "generating_pdf", "completed":
		return StatusGeneratingPDF
	case "failed", "expired", "cancelled", "canceled", "rejected":
		return StatusFailed
	}
	return ""
}

// PDF 生成的文档
type PDF struct {
	Data     []byte
	Source   Source
	Filename string
}

// Download 返回已付款请求的 PDF：有存储副本时直接返回，
// 否则重新生成
func (s *Service) Download(ctx context.Context, id string) (*PDF, error) {
	row, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.PaidAt == nil {
		return nil, ErrPaymentRequired
	}
	data, err := decodeCV(row.CVData)
	if err != nil {
		return nil, err
	}

	if row.PDFObjectKey != "" && s.objects != nil {
		stored, err := s.objects.ReadObject(ctx, row.PDFObjectKey)
		if err == nil {
			return &PDF{Data: stored, Source: Source(row.PDFSource), Filename: Filename(data)}, nil
		}
		s.logger.Warn("stored pdf unreadable, regenerating", "request_id", id, "key", row.PDFObjectKey, "error", err)
	}
	return s.generate(ctx, id, true)
}

// GenerateInput 合并的生成并下载调用
type GenerateInput struct {
	RequestID  string
	Data       *cv.CVFormData
	TemplateID string
}

// GenerateAndDownload 重新生成已付款请求的 PDF，可更新数据
// 或更换模板，并返回结果
func (s *Service) GenerateAndDownload(ctx context.Context, in GenerateInput) (*PDF, error) {
	row, err := s.load(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if row.PaidAt == nil {
		return nil, ErrPaymentRequired
	}
	updates := map[string]any{}
	if in.Data != nil {
		content, err := json.Marshal(in.Data)
		if err != nil {
			return nil, fmt.Errorf("encode cv data: %w", err)
		}
		updates["cv_data"] = datatypes.JSON(content)
	}
	if in.TemplateID != "" {
		updates["template_id"] = in.TemplateID
	}
	if len(updates) > 0 {
		updates["pdf_object_key"] = ""
		if err := s.db.WithContext(ctx).Model(&database.CVRequest{}).Where("id = ?", in.RequestID).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update request: %w", err)
		}
	}
	// 支付服务只保存付款时那份数据的 PDF
	return s.generate(ctx, in.RequestID, len(updates) == 0)
}

// Generate 为已付款请求执行降级生成链，保存结果并将请求
// 标记为 completed，worker 和 Download 共用
func (s *Service) Generate(ctx context.Context, id string) (*PDF, error) {
	return s.generate(ctx, id, true)
}

func (s *Service) generate(ctx context.Context, id string, remoteCopy bool) (*PDF, error) {
	row, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.PaidAt == nil {
		return nil, ErrPaymentRequired
	}
	if Status(row.Status) != StatusGeneratingPDF {
		if err := s.transition(ctx, id, StatusGeneratingPDF, nil); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
	}
	data, err := decodeCV(row.CVData)
	if err != nil {
		return nil, err
	}
	if s.chain == nil {
		return nil, errors.New("pdf chain is not configured")
	}

	reference := ""
	if remoteCopy {
		reference = row.ExternalRef
	}
	doc := s.chain.RunPaid(ctx, data, row.TemplateID, row.Session, reference)
	out := &PDF{Data: doc.Data, Source: doc.Source, Filename: Filename(data)}

	key := ""
	if s.objects != nil {
		key = ObjectKey(id)
		if err := s.objects.PutBytes(ctx, key, doc.Data, "application/pdf"); err != nil {
			s.logger.Warn("store generated pdf failed", "request_id", id, "error", err)
			key = ""
		}
	}
	updates := map[string]any{"pdf_source": string(doc.Source), "pdf_object_key": key}
	if err := s.transition(ctx, id, StatusCompleted, updates); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return nil, err
	}
	return out, nil
}

// Fail 将请求标记为失败并记录原因
func (s *Service) Fail(ctx context.Context, id, reason string) error {
	return s.fail(ctx, id, reason)
}

func (s *Service) fail(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, StatusFailed, map[string]any{"failure_reason": truncate(reason, 1024)})
}

// transition 只在允许的源状态下将 id 移到 `to`，检查和
// 写入是同一条带条件的 UPDATE
func (s *Service) transition(ctx context.Context, id string, to Status, extra map[string]any) error {
	updates := map[string]any{"status": string(to), "updated_at": s.now().UTC()}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&database.CVRequest{}).
		Where("id = ? AND status IN ?", id, sourcesOf(to)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update request status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		row, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if Status(row.Status) == to {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, row.Status, to)
	}
	n := Notification{RequestID: id, Status: to, CorrelationID: correlationID(ctx), ErrorCode: errcode.OK}
	if to == StatusFailed {
		n.ErrorCode = errcode.SystemError
		n.ErrorMessage, _ = extra["failure_reason"].(string)
	}
	s.publish(ctx, n)
	return nil
}

func (s *Service) publish(ctx context.Context, n Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("publish status failed", "request_id", n.RequestID, "status", n.Status, "error", err)
	}
}

func (s *Service) load(ctx context.Context, id string) (*database.CVRequest, error) {
	var row database.CVRequest
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	return &row, nil
}

func (s *Service) rememberSession(ctx context.Context, session, id string) {
	if s.cache == nil || session == "" {
		return
	}
	if err := s.cache.Set(ctx, sessionKey(session), []byte(id), s.cacheTTL); err != nil {
		s.logger.Warn("request cache write failed", "session", session, "error", err)
	}
}

func (s *Service) toRequest(row *database.CVRequest) *Request {
	return &Request{
		ID:            row.ID,
		Status:        Status(row.Status),
		TemplateID:    row.TemplateID,
		USSDCode:      s.ussdCode,
		Amount:        row.Amount,
		Currency:      row.Currency,
		MerchantName:  s.merchant.Name,
		MerchantPhone: s.merchant.Number,
		TransactionID: row.TransactionID,
		FailureReason: row.FailureReason,
		DownloadReady: row.PaidAt != nil,
		PaidAt:        row.PaidAt,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}

func sessionKey(session string) string {
	return "cv:request:" + session
}

// ObjectKey 请求生成的 PDF 的存储位置
func ObjectKey(id string) string {
	return "generated-cvs/" + id + ".pdf"
}

func decodeCV(raw datatypes.JSON) (cv.CVFormData, error) {
	var data cv.CVFormData
	if len(raw) == 0 {
		return cv.New(), nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("decode stored cv data: %w", err)
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type correlationKey struct{}

// WithCorrelationID 为 ctx 打上标记，排队的任务会携带发起请求的 id
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
