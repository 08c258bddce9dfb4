package typeset

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"texbot/internal/config"
	"texbot/internal/infra/chrome"
	"texbot/internal/infra/logging"
)

// cssDPI is the resolution at which Chrome lays out CSS pixels.
const cssDPI = 96

// acquireTimeout bounds the wait for a free tab.
const acquireTimeout = 5 * time.Second

// TabSource hands out browser tabs. *chrome.Pool and *chrome.Ephemeral
// implement it.
type TabSource interface {
	Acquire(ctx context.Context) (*chrome.Tab, error)
	Release(tab *chrome.Tab, err error)
}

type restarter interface {
	Restart() error
}

// acquireError marks a failure to check out a tab. The browser itself is
// still healthy when this happens.
type acquireError struct{ err error }

func (e *acquireError) Error() string { return "acquire chrome tab: " + e.err.Error() }
func (e *acquireError) Unwrap() error { return e.err }

// Engine typesets formulas in headless Chrome.
type Engine struct {
	tabs     TabSource
	compiler *Compiler
	mathFont string
	timeout  time.Duration
}

// New builds an engine. The math font is read once here and never changes
// for the life of the engine.
func New(tabs TabSource, cfg config.RendererConfig) *Engine {
	font := cfg.MathFont
	if font == "" {
		font = config.DefaultMathFont
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Engine{
		tabs:     tabs,
		compiler: &Compiler{LatexPath: cfg.LatexPath, DvisvgmPath: cfg.DvisvgmPath},
		mathFont: font,
		timeout:  timeout,
	}
}

// Typeset lays out markup and returns a figure holding a browser tab.
func (e *Engine) Typeset(ctx context.Context, markup string, opts Options) (Figure, error) {
	if opts.FontSize <= 0 {
		return nil, fmt.Errorf("font size must be positive, got %v", opts.FontSize)
	}

	fig := &chromeFigure{fontSize: opts.FontSize, mathFont: e.mathFont}
	var content string
	if opts.Native {
		svg, err := e.compiler.Compile(ctx, markup, opts.FontSize)
		if err != nil {
			return nil, err
		}
		fig.native = svg
		content = string(svg)
	} else {
		mathml, err := ToMathML(markup)
		if err != nil {
			return nil, err
		}
		fig.mathml = mathml
		content = mathml
	}
	doc := buildPage(content, opts.FontSize, e.mathFont, opts.Native)

	if err := e.withRecovery(ctx, func() error { return e.load(ctx, fig, doc) }); err != nil {
		return nil, err
	}
	return fig, nil
}

// withRecovery runs load and retries it after a lost session. A tab closed
// by someone else's restart is retried as is; the pool is restarted only if
// the browser is still gone after that.
func (e *Engine) withRecovery(ctx context.Context, load func() error) error {
	err := load()
	if sessionLoss(ctx, err) == lossTab {
		logging.Debug("Chrome tab closed under us; retrying once", "error", err)
		err = load()
	}
	if sessionLoss(ctx, err) == lossNone {
		return err
	}
	r, ok := e.tabs.(restarter)
	if !ok {
		return err
	}
	logging.Warn("Chrome session interrupted; restarting pool and retrying once", "error", err)
	if rerr := r.Restart(); rerr != nil {
		return errors.Join(err, rerr)
	}
	return load()
}

type loss int

const (
	lossNone loss = iota
	lossTab
	lossBrowser
)

// sessionLoss classifies a load error. Only a browser that went away calls
// for a pool restart: a restart closes every tab in use, so timeouts and
// acquire failures must never trigger one.
func sessionLoss(ctx context.Context, err error) loss {
	var acqErr *acquireError
	switch {
	case err == nil, ctx.Err() != nil:
		return lossNone
	case errors.As(err, &acqErr), errors.Is(err, context.DeadlineExceeded):
		return lossNone
	case errors.Is(err, context.Canceled):
		return lossTab
	case chrome.IsSessionInterrupted(err):
		return lossBrowser
	}
	return lossNone
}

// load opens a tab, renders doc into it and measures #formula. On error the
// tab is already released.
func (e *Engine) load(ctx context.Context, fig *chromeFigure, doc string) error {
	acquireCtx, acquireCancel := context.WithTimeout(ctx, acquireTimeout)
	tab, err := e.tabs.Acquire(acquireCtx)
	acquireCancel()
	if err != nil {
		return &acquireError{err: err}
	}

	runCtx, cancel := context.WithTimeout(tab.Ctx, e.timeout)
	fig.tabs = e.tabs
	fig.tab = tab
	fig.runCtx = runCtx
	fig.cancel = cancel
	fig.once = sync.Once{}

	var box struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	err = fig.run(ctx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frame, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frame.Frame.ID, doc).Do(ctx)
		}),
		chromedp.WaitReady("#formula", chromedp.ByQuery),
		chromedp.Evaluate(measureScript, &box, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	)
	if err != nil {
		_ = fig.Close()
		return err
	}

	x0, y0 := math.Floor(box.X), math.Floor(box.Y)
	fig.clip = page.Viewport{
		X:      x0,
		Y:      y0,
		Width:  math.Ceil(box.X+box.Width) - x0,
		Height: math.Ceil(box.Y+box.Height) - y0,
		Scale:  1,
	}
	return nil
}

const measureScript = `document.fonts.ready.then(() => {
	const r = document.getElementById('formula').getBoundingClientRect();
	return {x: r.left + window.scrollX, y: r.top + window.scrollY, width: r.width, height: r.height};
})`

// chromeFigure is a formula laid out in a browser tab.
type chromeFigure struct {
	fontSize float64
	mathFont string
	native   []byte
	mathml   string

	tabs   TabSource
	tab    *chrome.Tab
	runCtx context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu      sync.Mutex
	lastErr error

	clip page.Viewport
}

func (f *chromeFigure) run(ctx context.Context, actions ...chromedp.Action) error {
	stop := context.AfterFunc(ctx, f.cancel)
	defer stop()
	err := chromedp.Run(f.runCtx, actions...)
	if err != nil {
		f.mu.Lock()
		f.lastErr = err
		f.mu.Unlock()
	}
	return err
}

// SVG returns the native SVG sized to the measured box, or a standalone SVG
// embedding the MathML.
func (f *chromeFigure) SVG(ctx context.Context) ([]byte, error) {
	if f.native != nil {
		return fitSVG(f.native, int(f.clip.Width), int(f.clip.Height)), nil
	}
	return standaloneSVG(f.mathml, int(f.clip.Width), int(f.clip.Height), f.fontSize, f.mathFont), nil
}

// PNG captures the content box at dpi.
func (f *chromeFigure) PNG(ctx context.Context, dpi float64) ([]byte, error) {
	if dpi <= 0 {
		return nil, fmt.Errorf("dpi must be positive, got %v", dpi)
	}
	clip := f.clip
	clip.Scale = dpi / cssDPI

	var buf []byte
	err := f.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(&clip).
			WithCaptureBeyondViewport(true).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// BBox returns the measured content box in CSS pixels, rounded outward to
// whole pixels so it matches the SVG and screenshot extents.
func (f *chromeFigure) BBox(ctx context.Context) (float64, float64, error) {
	return f.clip.Width, f.clip.Height, nil
}

// Close releases the tab back to its source.
func (f *chromeFigure) Close() error {
	f.once.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		f.mu.Lock()
		err := f.lastErr
		f.mu.Unlock()
		f.tabs.Release(f.tab, err)
	})
	return nil
}
