package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"cvchapchap/internal/auth"
	"cvchapchap/internal/cv"
	"cvchapchap/internal/database"
	"cvchapchap/internal/preview"
	"cvchapchap/internal/request"
	"cvchapchap/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const aminaJSON = `{
  "personalInfo": {"firstName": "Amina", "lastName": "Juma", "email": "amina@example.co.tz", "phone": "0712345678"},
  "workExperiences": [{"id": "w1", "jobTitle": "Accountant", "company": "CRDB"}],
  "skills": [{"id": "s1", "name": "Excel"}]
}`

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func newAuthService(t *testing.T) *auth.AuthService {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	svc, err := auth.NewAuthService(priv, pub, 15*time.Minute)
	require.NoError(t, err)
	return svc
}

func doJSON(t *testing.T, router http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// memStore is an in-memory cv.Store that can be told to fail.
type memStore struct {
	mu      sync.Mutex
	drafts  map[string]cv.Draft
	err     error
	loadErr error
}

func newMemStore() *memStore { return &memStore{drafts: map[string]cv.Draft{}} }

func (m *memStore) Save(_ context.Context, session string, d cv.Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.drafts[session] = d.Clone()
	return nil
}

func (m *memStore) Load(_ context.Context, session string) (*cv.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	d, ok := m.drafts[session]
	if !ok {
		return nil, nil
	}
	out := d.Clone()
	return &out, nil
}

func (m *memStore) Clear(_ context.Context, session string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drafts, session)
	return nil
}

// fakeRedis implements redisStore over maps.
type fakeRedis struct {
	mu     sync.Mutex
	counts map[string]int64
	values map[string]string
	ttls   map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{counts: map[string]int64{}, values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Incr(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeRedis) Expire(_ context.Context, key string, d time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttls[key] = d
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) TTL(_ context.Context, key string) *redis.DurationCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; !ok {
		return redis.NewDurationResult(-2, nil)
	}
	return redis.NewDurationResult(f.ttls[key], nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, d time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = fmt.Sprint(value)
	f.ttls[key] = d
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			n++
		}
		delete(f.values, k)
		delete(f.counts, k)
		delete(f.ttls, k)
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(f.tasks))}, nil
}

// fakePayments records calls and answers from canned values.
type fakePayments struct {
	mu        sync.Mutex
	req       *request.Request
	err       error
	pdf       *request.PDF
	initiated []request.InitiateInput
	langs     []language.Tag
	confirmed []string
	generated []request.GenerateInput
	statuses  []request.Status
}

func (f *fakePayments) InitiatePayment(_ context.Context, in request.InitiateInput) (*request.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated = append(f.initiated, in)
	return f.req, f.err
}

func (f *fakePayments) VerifyPayment(_ context.Context, _ string, _ string, lang language.Tag) (*request.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.langs = append(f.langs, lang)
	return f.req, f.err
}

func (f *fakePayments) ConfirmFromProvider(_ context.Context, _ string, txID string) (*request.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, txID)
	return f.req, f.err
}

// Status walks through statuses on successive calls, then sticks to the last one.
func (f *fakePayments) Status(_ context.Context, id string) (*request.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := *f.req
	out.ID = id
	if len(f.statuses) > 0 {
		out.Status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	return &out, nil
}

func (f *fakePayments) WaitForTerminal(ctx context.Context, id string, _ time.Duration) (*request.Request, error) {
	req, err := f.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return req, nil
	}
	<-ctx.Done()
	return req, ctx.Err()
}

func (f *fakePayments) Download(_ context.Context, _ string) (*request.PDF, error) {
	return f.pdf, f.err
}

func (f *fakePayments) GenerateAndDownload(_ context.Context, in request.GenerateInput) (*request.PDF, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generated = append(f.generated, in)
	return f.pdf, f.err
}

func (f *fakePayments) CurrentRequest(_ context.Context, _ string) (*request.Request, error) {
	if f.req == nil {
		return nil, request.ErrNotFound
	}
	return f.req, f.err
}

// fakePhotos implements PhotoStore.
type fakePhotos struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	prefixes []string
}

func newFakePhotos() *fakePhotos {
	return &fakePhotos{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakePhotos) PutBytes(_ context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.types[key] = contentType
	return nil
}

func (f *fakePhotos) ReadObject(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (f *fakePhotos) ListObjects(_ context.Context, prefix string, _ int) ([]storage.ObjectMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.ObjectMeta
	for k, v := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, storage.ObjectMeta{Key: k, Size: int64(len(v)), LastModified: time.Now()})
		}
	}
	return out, nil
}

func (f *fakePhotos) GeneratePresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://files.example.invalid/" + key, nil
}

func (f *fakePhotos) DeletePrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes = append(f.prefixes, prefix)
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			delete(f.objects, k)
		}
	}
	return nil
}

func newRenderer() *preview.Renderer {
	return preview.NewRenderer(nil, nil, nil)
}

func newMultipartUpload(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}
