package tex

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texbot/internal/typeset"
)

func TestRender_SVGMode(t *testing.T) {
	engine := &fakeEngine{}
	r := NewRenderer(engine)

	img, err := r.Render(context.Background(), RenderRequest{Formula: "a+b", FontSize: 20, Mode: ModeSVG, ThumbnailDPI: 60})
	require.NoError(t, err)

	assert.Equal(t, MimeSVG, img.MimeType)
	assert.Equal(t, "tex.svg", img.FileName())
	assert.Positive(t, img.Width)
	assert.Positive(t, img.Height)
	require.NotNil(t, img.Thumbnail)
	assert.Equal(t, MimePNG, img.Thumbnail.MimeType)
	assert.Positive(t, img.Thumbnail.Width)
	assert.Positive(t, img.Thumbnail.Height)
	assert.Equal(t, int32(1), engine.closed.Load())
}

func TestRender_PNGModeUsesFixedDPI(t *testing.T) {
	engine := &fakeEngine{}
	r := NewRenderer(engine)

	img, err := r.Render(context.Background(), RenderRequest{Formula: "a+b", FontSize: 20, Mode: ModePNG, ThumbnailDPI: 60})
	require.NoError(t, err)

	assert.Equal(t, MimePNG, img.MimeType)
	assert.Equal(t, "tex.png", img.FileName())
	assert.Equal(t, MimePNG, img.Thumbnail.MimeType)
	assert.Greater(t, img.Width, img.Thumbnail.Width, "primary at 300 dpi must be larger than a 60 dpi thumbnail")
}

func TestRender_DimensionsAreStable(t *testing.T) {
	r := NewRenderer(&fakeEngine{})
	req := RenderRequest{Formula: `\frac{1}{2}`, FontSize: 20, Mode: ModeSVG, ThumbnailDPI: 60}

	first, err := r.Render(context.Background(), req)
	require.NoError(t, err)
	second, err := r.Render(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Width, second.Width)
	assert.Equal(t, first.Height, second.Height)
	assert.Equal(t, first.Thumbnail.Width, second.Thumbnail.Width)
	assert.Equal(t, first.Thumbnail.Height, second.Thumbnail.Height)
}

func TestRender_PassesOptionsAndSanitizedMarkup(t *testing.T) {
	engine := &fakeEngine{}
	r := NewRenderer(engine)

	_, err := r.Render(context.Background(), RenderRequest{Formula: `$x$ \$ y`, FontSize: 14, UseNativeTypesetting: true, Mode: ModeSVG, ThumbnailDPI: 60})
	require.NoError(t, err)

	markup := engine.lastMarkup()
	assert.True(t, strings.HasPrefix(markup, "$ ") && strings.HasSuffix(markup, " $"))
	inner := strings.TrimSuffix(strings.TrimPrefix(markup, "$ "), " $")
	assert.Zero(t, unescapedDelimiters(inner))
	assert.Equal(t, typeset.Options{FontSize: 14, Native: true}, engine.opts[0])
}

func TestRender_EmptyFormulaIsNotRejected(t *testing.T) {
	img, err := NewRenderer(&fakeEngine{}).Render(context.Background(), RenderRequest{Formula: "", FontSize: 20, Mode: ModeSVG, ThumbnailDPI: 60})
	require.NoError(t, err)
	assert.Positive(t, img.Width)
}

func TestRender_TypesettingError(t *testing.T) {
	engine := &fakeEngine{}
	_, err := NewRenderer(engine).Render(context.Background(), RenderRequest{Formula: `\notacommand{`, FontSize: 20, Mode: ModeSVG, ThumbnailDPI: 60})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTypesetting)
	assert.ErrorIs(t, err, typeset.ErrInvalidFormula)
	assert.Zero(t, engine.opened.Load())
}

func TestRender_ClosesFigureOnRenderFailure(t *testing.T) {
	engine := &fakeEngine{pngErr: errors.New("screenshot failed")}
	_, err := NewRenderer(engine).Render(context.Background(), RenderRequest{Formula: "x", FontSize: 20, Mode: ModePNG, ThumbnailDPI: 60})
	require.ErrorIs(t, err, ErrTypesetting)
	assert.Equal(t, int32(1), engine.closed.Load())
}

func TestRender_UnknownMode(t *testing.T) {
	engine := &fakeEngine{}
	_, err := NewRenderer(engine).Render(context.Background(), RenderRequest{Formula: "x", FontSize: 20, Mode: "gif", ThumbnailDPI: 60})
	require.ErrorIs(t, err, ErrTypesetting)
	assert.Equal(t, int32(1), engine.closed.Load())
}

func TestRenderedImage_Info(t *testing.T) {
	img := &RenderedImage{
		Data: []byte("svg"), MimeType: MimeSVG, Width: 10, Height: 5,
		Thumbnail: &RenderedImage{Data: []byte("png!"), MimeType: MimePNG, Width: 3, Height: 2},
	}
	info := img.Info("mxc://x/thumb")
	assert.Equal(t, ImageInfo{
		MimeType:     MimeSVG,
		Size:         3,
		Width:        10,
		Height:       5,
		ThumbnailURL: "mxc://x/thumb",
		ThumbnailInfo: &ThumbnailInfo{
			MimeType: MimePNG, Size: 4, Width: 3, Height: 2,
		},
	}, info)
}

func TestUserMessage(t *testing.T) {
	formulaErr := errors.Join(ErrTypesetting, &typeset.FormulaError{Detail: "missing }"})
	assert.Equal(t, "Failed to render LaTeX: missing }", UserMessage(formulaErr))
	assert.Equal(t, "Failed to render LaTeX.", UserMessage(ErrTypesetting))
	assert.Contains(t, UserMessage(ErrUpload), "upload")
	assert.Contains(t, UserMessage(ErrDispatch), "send")
}
