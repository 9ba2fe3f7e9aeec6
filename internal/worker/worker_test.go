package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"cvchapchap/internal/database"
	"cvchapchap/internal/preview"
	"cvchapchap/internal/request"
	"cvchapchap/internal/tasks"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGenerator struct {
	err    error
	calls  int
	failed map[string]string
}

func (f *fakeGenerator) Generate(_ context.Context, id string) (*request.PDF, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &request.PDF{Data: []byte("%PDF-1.4"), Source: request.SourceAPI, Filename: id + ".pdf"}, nil
}

func (f *fakeGenerator) Fail(_ context.Context, id, reason string) error {
	if f.failed == nil {
		f.failed = make(map[string]string)
	}
	f.failed[id] = reason
	return nil
}

func generateTask(t *testing.T, id string) *asynq.Task {
	t.Helper()
	task, err := tasks.NewCVGenerateTask(id, "corr-1")
	require.NoError(t, err)
	return task
}

func TestCVTaskHandler_Success(t *testing.T) {
	gen := &fakeGenerator{}
	h := NewCVTaskHandler(gen, discardLogger())

	require.NoError(t, h.ProcessTask(context.Background(), generateTask(t, "r1")))
	assert.Equal(t, 1, gen.calls)
	assert.Empty(t, gen.failed)
}

func TestCVTaskHandler_FailsOnlyOnFinalAttempt(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("database is locked")}
	h := NewCVTaskHandler(gen, discardLogger())

	h.finalAttempt = func(context.Context) bool { return false }
	require.Error(t, h.ProcessTask(context.Background(), generateTask(t, "r1")))
	assert.Empty(t, gen.failed)

	h.finalAttempt = func(context.Context) bool { return true }
	require.Error(t, h.ProcessTask(context.Background(), generateTask(t, "r1")))
	assert.Equal(t, "database is locked", gen.failed["r1"])
}

func TestCVTaskHandler_SkipsUnknownAndUnpaid(t *testing.T) {
	gen := &fakeGenerator{err: request.ErrNotFound}
	h := NewCVTaskHandler(gen, discardLogger())
	h.finalAttempt = func(context.Context) bool { return true }
	require.NoError(t, h.ProcessTask(context.Background(), generateTask(t, "gone")))

	gen.err = request.ErrPaymentRequired
	err := h.ProcessTask(context.Background(), generateTask(t, "unpaid"))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, gen.failed)

	err = h.ProcessTask(context.Background(), asynq.NewTask(tasks.TypeCVGeneratePDF, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeBrowser struct {
	html string
	err  error
}

func (f *fakeBrowser) HTMLToPDF(context.Context, string) ([]byte, error) {
	return nil, errors.New("not used")
}

func (f *fakeBrowser) Screenshot(_ context.Context, html string, _ int) ([]byte, error) {
	f.html = html
	if f.err != nil {
		return nil, f.err
	}
	return []byte{0xff, 0xd8, 0xff}, nil
}

type memObjects map[string][]byte

func (m memObjects) PutBytes(_ context.Context, key string, data []byte, _ string) error {
	m[key] = data
	return nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func TestTemplatePreviewHandler(t *testing.T) {
	db := newTestDB(t)
	tmpl := database.Template{Slug: "bold", Name: "Bold", Body: `<h1>{{.Name}}</h1><p>{{.Title}}</p>`, IsActive: true}
	require.NoError(t, db.Create(&tmpl).Error)

	browser := &fakeBrowser{}
	objects := memObjects{}
	renderer := preview.NewRenderer(database.NewTemplateStore(db), nil, discardLogger())
	h := NewTemplatePreviewHandler(db, renderer, browser, objects, discardLogger())

	task, err := tasks.NewTemplatePreviewTask(tmpl.ID, "corr-2")
	require.NoError(t, err)
	require.NoError(t, h.ProcessTask(context.Background(), task))

	assert.Contains(t, browser.html, "Neema Mwakasege")
	assert.Contains(t, objects, ThumbnailKey(tmpl.ID))

	var got database.Template
	require.NoError(t, db.First(&got, tmpl.ID).Error)
	assert.Equal(t, ThumbnailKey(tmpl.ID), got.PreviewObjectKey)

	missing, err := tasks.NewTemplatePreviewTask(999, "")
	require.NoError(t, err)
	require.NoError(t, h.ProcessTask(context.Background(), missing))
}
