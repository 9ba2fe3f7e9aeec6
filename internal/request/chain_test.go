package request

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvchapchap/internal/cv"
	"cvchapchap/internal/preview"
)

type stageLog struct {
	stages []Source
	failed []Source
}

func (l *stageLog) observe(stage Source, err error) {
	l.stages = append(l.stages, stage)
	if err != nil {
		l.failed = append(l.failed, stage)
	}
}

func TestChain_Order(t *testing.T) {
	tests := []struct {
		name        string
		generateErr error
		previewErr  error
		browserErr  error
		want        Source
		wantStages  []Source
	}{
		{"direct api", nil, nil, nil, SourceAPI, []Source{SourceAPI}},
		{"preview endpoint", errors.New("502"), nil, nil, SourcePreview, []Source{SourceAPI, SourcePreview}},
		{"local render", errors.New("502"), errors.New("502"), nil, SourceLocalRender, []Source{SourceAPI, SourcePreview, SourceLocalRender}},
		{"minimal", errors.New("502"), errors.New("502"), errors.New("no chrome"), SourceLocalMinimal, []Source{SourceAPI, SourcePreview, SourceLocalRender, SourceLocalMinimal}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := &fakeRemote{generateErr: tt.generateErr, previewErr: tt.previewErr}
			browser := &fakeBrowser{err: tt.browserErr}
			chain := NewChain(remote, preview.NewRenderer(nil, nil, nil), browser, nil)
			log := &stageLog{}
			chain.OnStage = log.observe

			doc := chain.Run(context.Background(), aminaDraft(), "modern", "s1")
			assert.Equal(t, tt.want, doc.Source)
			assert.NotEmpty(t, doc.Data)
			assert.Equal(t, tt.wantStages, log.stages)
		})
	}
}

func TestChain_LocalRenderUsesTitleFallback(t *testing.T) {
	remote := &fakeRemote{generateErr: errors.New("x"), previewErr: errors.New("y")}
	browser := &fakeBrowser{}
	chain := NewChain(remote, preview.NewRenderer(nil, nil, nil), browser, nil)

	doc := chain.Run(context.Background(), aminaDraft(), "classic", "s1")
	require.Equal(t, SourceLocalRender, doc.Source)
	assert.Contains(t, browser.html, "Amina")
	assert.Contains(t, browser.html, "Analyst")
}

func TestChain_WithoutRemote(t *testing.T) {
	chain := NewChain(nil, nil, nil, nil)
	doc := chain.Run(context.Background(), cv.New(), "", "")
	assert.Equal(t, SourceLocalMinimal, doc.Source)
}

func TestFilename(t *testing.T) {
	d := cv.New()
	assert.Equal(t, "CV.pdf", Filename(d))
	d.PersonalInfo["firstName"] = "Amina "
	d.PersonalInfo["lastName"] = "O'Neil/Juma"
	assert.Equal(t, "Amina_O_Neil_Juma_CV.pdf", Filename(d))
}

func TestChain_PreviewSkipsDirectAPI(t *testing.T) {
	remote := &fakeRemote{}
	chain := NewChain(remote, nil, nil, nil)
	doc := chain.Preview(context.Background(), aminaDraft(), "classic", "s1")
	assert.Equal(t, SourcePreview, doc.Source)
	assert.Equal(t, 0, remote.generated)
}
