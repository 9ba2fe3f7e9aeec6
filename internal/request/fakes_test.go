package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"cvchapchap/internal/database"
	"cvchapchap/internal/draftstore"
	"cvchapchap/internal/payment"
	"cvchapchap/internal/screener"
	"cvchapchap/internal/storage"
)

const validSMS = "QK7B3XZ91P Confirmed. TSh5,000.00 sent to CV CHAP CHAP 0745123456 via M-Pesa from 0712345678 on 14/10/26 at 3:45 PM. New balance is TSh12,500.00."

var testMerchant = payment.Merchant{
	Name:     "CV CHAP CHAP",
	Number:   "0745123456",
	Amount:   5000,
	Currency: "TSh",
	Channels: []string{"M-Pesa", "Tigo Pesa", "Airtel Money", "HaloPesa"},
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

type fakeRemote struct {
	mu           sync.Mutex
	initiateErr  error
	generateErr  error
	previewErr   error
	initiated    []screener.InitiateRequest
	verified     []string
	generated    int
	previewed    int
	remoteStatus string // empty means still pending
	statusChecks int
	paidPDF      []byte // the service's own copy; nil means not ready
	downloads    []string
}

func (f *fakeRemote) InitiateUSSD(_ context.Context, in screener.InitiateRequest) (*screener.InitiateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated = append(f.initiated, in)
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return &screener.InitiateResponse{Reference: "ext-1", USSDCode: "*150*01#", Status: "pending_payment"}, nil
}

func (f *fakeRemote) Verify(_ context.Context, ref string, _ screener.VerifyRequest) (*screener.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, ref)
	return &screener.StatusResponse{Status: "verified"}, nil
}

func (f *fakeRemote) Status(_ context.Context, _ string) (*screener.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusChecks++
	if f.remoteStatus == "" {
		return &screener.StatusResponse{Status: "pending_payment"}, nil
	}
	return &screener.StatusResponse{Status: f.remoteStatus}, nil
}

func (f *fakeRemote) Download(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, ref)
	if f.paidPDF == nil {
		return nil, errors.New("status 404: pdf not ready")
	}
	return f.paidPDF, nil
}

func (f *fakeRemote) GeneratePDF(_ context.Context, _ screener.PDFRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generated++
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	return []byte("%PDF-1.4 api"), nil
}

func (f *fakeRemote) PreviewPDF(_ context.Context, _ screener.PDFRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previewed++
	if f.previewErr != nil {
		return nil, f.previewErr
	}
	return []byte("%PDF-1.4 preview"), nil
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) PutBytes(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeObjects) ReadObject(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte)}
}

func (f *fakeKV) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, draftstore.ErrNotFound
	}
	return v, nil
}

func (f *fakeKV) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeKV) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeKV) Ping(context.Context) error { return nil }

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) statuses() []Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Status, 0, len(f.sent))
	for _, n := range f.sent {
		out = append(out, n.Status)
	}
	return out
}

type fakeBrowser struct {
	err  error
	html string
}

func (f *fakeBrowser) HTMLToPDF(_ context.Context, html string) ([]byte, error) {
	f.html = html
	if f.err != nil {
		return nil, f.err
	}
	return []byte("%PDF-1.7 local"), nil
}

func (f *fakeBrowser) Screenshot(context.Context, string, int) ([]byte, error) {
	return nil, errors.New("not implemented")
}

type harness struct {
	svc      *Service
	db       *gorm.DB
	remote   *fakeRemote
	objects  *fakeObjects
	cache    *fakeKV
	queue    *fakeEnqueuer
	notifier *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	validator, err := payment.NewValidator(testMerchant)
	require.NoError(t, err)

	h := &harness{
		db:       newTestDB(t),
		remote:   &fakeRemote{},
		objects:  newFakeObjects(),
		cache:    newFakeKV(),
		queue:    &fakeEnqueuer{},
		notifier: &fakeNotifier{},
	}
	h.svc = NewService(Options{
		DB:        h.db,
		Cache:     h.cache,
		Remote:    h.remote,
		Validator: validator,
		Merchant:  testMerchant,
		USSDCode:  "*150*00#",
		Enqueuer:  h.queue,
		Chain:     NewChain(h.remote, nil, nil, nil),
		Objects:   h.objects,
		Notifier:  h.notifier,
	})
	return h
}
