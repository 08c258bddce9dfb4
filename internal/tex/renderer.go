package tex

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"math"

	"texbot/internal/infra/logging"
	"texbot/internal/typeset"
)

// Typesetter lays out math-mode markup. The returned figure must be closed.
type Typesetter interface {
	Typeset(ctx context.Context, markup string, opts typeset.Options) (typeset.Figure, error)
}

// Renderer turns a request into a primary image and a thumbnail.
type Renderer struct {
	engine Typesetter
}

// NewRenderer creates a Renderer backed by engine.
func NewRenderer(engine Typesetter) *Renderer {
	return &Renderer{engine: engine}
}

// Render typesets req.Formula and renders the primary image in req.Mode plus
// a PNG thumbnail at req.ThumbnailDPI. Every error wraps ErrTypesetting.
func (r *Renderer) Render(ctx context.Context, req RenderRequest) (*RenderedImage, error) {
	markup := Wrap(Sanitize(req.Formula))

	fig, err := r.engine.Typeset(ctx, markup, typeset.Options{
		FontSize: req.FontSize,
		Native:   req.UseNativeTypesetting,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTypesetting, err)
	}
	defer func() {
		if err := fig.Close(); err != nil {
			logging.Warn("Failed to release figure", "error", err)
		}
	}()

	var primary *RenderedImage
	switch req.Mode {
	case ModeSVG:
		primary, err = renderSVG(ctx, fig)
	case ModePNG:
		primary, err = renderPNG(ctx, fig, PrimaryPNGDPI)
	default:
		err = fmt.Errorf("unknown output mode %q", req.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTypesetting, err)
	}

	thumb, err := renderPNG(ctx, fig, req.ThumbnailDPI)
	if err != nil {
		return nil, fmt.Errorf("%w: thumbnail: %w", ErrTypesetting, err)
	}
	primary.Thumbnail = thumb
	return primary, nil
}

func renderSVG(ctx context.Context, fig typeset.Figure) (*RenderedImage, error) {
	data, err := fig.SVG(ctx)
	if err != nil {
		return nil, err
	}
	w, h, err := fig.BBox(ctx)
	if err != nil {
		return nil, err
	}
	img := &RenderedImage{
		Data:     data,
		MimeType: MimeSVG,
		Width:    int(math.Ceil(w)),
		Height:   int(math.Ceil(h)),
	}
	if err := checkDimensions(img); err != nil {
		return nil, err
	}
	return img, nil
}

func renderPNG(ctx context.Context, fig typeset.Figure, dpi float64) (*RenderedImage, error) {
	data, err := fig.PNG(ctx, dpi)
	if err != nil {
		return nil, err
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}
	img := &RenderedImage{
		Data:     data,
		MimeType: MimePNG,
		Width:    cfg.Width,
		Height:   cfg.Height,
	}
	if err := checkDimensions(img); err != nil {
		return nil, err
	}
	return img, nil
}

func checkDimensions(img *RenderedImage) error {
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("rendered %s has empty size %dx%d", img.MimeType, img.Width, img.Height)
	}
	return nil
}
