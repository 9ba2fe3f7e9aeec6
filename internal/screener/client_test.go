package screener

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvchapchap/internal/cv"
	"cvchapchap/internal/retry"
)

func noSleepPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestGeneratePDF_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate-pdf", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"Too many requests"}`))
			return
		}
		var body PDFRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Analyst", body.CVData.PersonalInfo["jobTitle"])
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4 fake"))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, APIKey: "k", Policy: noSleepPolicy(), Tracker: retry.NewTracker()})
	d := cv.New()
	d.PersonalInfo["jobTitle"] = "Analyst"

	pdf, err := c.GeneratePDF(context.Background(), PDFRequest{CVData: d, TemplateID: "classic"})
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 fake", string(pdf))
	assert.EqualValues(t, 3, calls.Load())
}

func TestGeneratePDF_ServerErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"message":"renderer offline"}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Policy: noSleepPolicy()})
	_, err := c.GeneratePDF(context.Background(), PDFRequest{CVData: cv.New()})

	var he *retry.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadGateway, he.StatusCode)
	assert.Equal(t, "renderer offline", he.Body)
	assert.EqualValues(t, 1, calls.Load())
}

func TestPreviewPDF_RejectsNonPDF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>login</html>"))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Policy: noSleepPolicy()})
	_, err := c.PreviewPDF(context.Background(), PDFRequest{CVData: cv.New()})
	assert.True(t, errors.Is(err, ErrNotPDF))
}

func TestInitiateUSSD(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/cv-pdf/anonymous/initiate-ussd", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"requestId": "ext-42", "ussdCode": "*150*00#"})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Policy: noSleepPolicy()})
	out, err := c.InitiateUSSD(context.Background(), InitiateRequest{CVData: cv.New(), Amount: 5000, Currency: "TSh"})
	require.NoError(t, err)
	assert.Equal(t, "ext-42", out.Reference)
}

func TestCall_CoolingDownShortCircuits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("must not be called while cooling down")
	}))
	defer srv.Close()

	tracker := retry.NewTracker()
	tracker.Exhausted(EndpointStatus, time.Minute)
	c := NewClient(Options{BaseURL: srv.URL, Policy: noSleepPolicy(), Tracker: tracker})

	_, err := c.Status(context.Background(), "ext-1")
	var he *retry.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusTooManyRequests, he.StatusCode)
	assert.Greater(t, he.RetryAfter, time.Duration(0))
}

func TestStatusAndDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/cv-pdf/ext-7/status":
			assert.Equal(t, http.MethodGet, r.Method)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "paid"})
		case "/api/cv-pdf/ext-7/download":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF-1.4 paid"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Policy: noSleepPolicy(), Tracker: retry.NewTracker()})
	st, err := c.Status(context.Background(), "ext-7")
	require.NoError(t, err)
	assert.Equal(t, "paid", st.Status)

	pdf, err := c.Download(context.Background(), "ext-7")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 paid", string(pdf))

	_, err = c.Download(context.Background(), "ext-8")
	var he *retry.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.StatusCode)
}
