package chrome

import (
	"context"
	"os"

	"github.com/chromedp/chromedp"

	"texbot/internal/config"
)

// Ephemeral starts a dedicated browser for every tab. It is used when the
// pool is disabled.
type Ephemeral struct {
	cfg config.RendererConfig
}

// NewEphemeral returns a tab source without pooling.
func NewEphemeral(cfg config.RendererConfig) *Ephemeral {
	return &Ephemeral{cfg: cfg}
}

// Acquire launches a browser with a throwaway profile.
func (e *Ephemeral) Acquire(ctx context.Context) (*Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := createProfileDir(e.cfg)
	if err != nil {
		return nil, err
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(e.cfg, dir)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	return &Tab{
		Ctx: tabCtx,
		cancel: func() {
			tabCancel()
			allocCancel()
			_ = os.RemoveAll(dir)
		},
	}, nil
}

// Release stops the browser and removes its profile.
func (e *Ephemeral) Release(tab *Tab, err error) {
	if tab != nil && tab.cancel != nil {
		tab.cancel()
	}
}
