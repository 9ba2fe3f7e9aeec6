package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvchapchap/internal/request"
)

func newCVRouter(t *testing.T) http.Handler {
	t.Helper()
	renderer := newRenderer()
	return NewRouter(Deps{
		DB:       newTestDB(t),
		Renderer: renderer,
		Chain:    request.NewChain(nil, renderer, nil, nil),
	})
}

func TestCVHandler_CRUD(t *testing.T) {
	router := newCVRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/cv", `{"templateId":"modern","session":"s1","data":`+aminaJSON+`}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[cvResponse](t, w)
	require.Len(t, created.ID, 36)
	assert.Equal(t, "Amina Juma", created.Title)
	assert.Equal(t, "modern", created.TemplateID)
	assert.Equal(t, "Accountant", created.Data.WorkExperiences[0].JobTitle)

	w = doJSON(t, router, http.MethodGet, "/api/cv/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CRDB", decode[cvResponse](t, w).Data.WorkExp()[0].Company)

	w = doJSON(t, router, http.MethodPut, "/api/cv/"+created.ID, `{"title":"Amina - finance"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[cvResponse](t, w)
	assert.Equal(t, "Amina - finance", updated.Title)
	assert.Equal(t, "Juma", updated.Data.PersonalInfo["lastName"])

	w = doJSON(t, router, http.MethodPut, "/api/cv/"+created.ID, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/cv/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/cv/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCVHandler_RejectsMalformedDocument(t *testing.T) {
	router := newCVRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/cv", `{"data":{"skills":"Excel","personalInfo":{"age":30}}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "data", body["field"])
	details := body["details"].([]any)
	assert.Len(t, details, 2)
}

func TestCVHandler_PreviewPDFFallsBackToMinimal(t *testing.T) {
	router := newCVRouter(t)
	w := doJSON(t, router, http.MethodPost, "/api/cv", `{"data":`+aminaJSON+`}`)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[cvResponse](t, w).ID

	w = doJSON(t, router, http.MethodPost, "/api/cv/"+id+"/preview", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Equal(t, string(request.SourceLocalMinimal), w.Header().Get("X-PDF-Source"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="Amina_Juma_CV.pdf"`)
	assert.True(t, strings.HasPrefix(w.Body.String(), "%PDF-1.4"))
}

func TestCVHandler_HTMLPreview(t *testing.T) {
	router := newCVRouter(t)
	w := doJSON(t, router, http.MethodPost, "/api/cv", `{"templateId":"minimal","data":`+aminaJSON+`}`)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[cvResponse](t, w).ID

	w = doJSON(t, router, http.MethodGet, "/api/cv/"+id+"/html-preview", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "minimal", w.Header().Get("X-Template-Id"))
	assert.Contains(t, w.Body.String(), "Juma")

	w = doJSON(t, router, http.MethodPost, "/api/cv/html-preview?format=json",
		`{"templateId":"does-not-exist","data":{"personalInfo":{"firstName":"Baraka"}}}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "classic", body["templateId"])
	assert.Contains(t, body["html"], "Baraka")
	assert.NotContains(t, body["srcdoc"], "<html")
}
