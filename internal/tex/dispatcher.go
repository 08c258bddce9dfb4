package tex

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"texbot/internal/config"
	"texbot/internal/infra/logging"
)

// Messenger is the chat host: media uploads and room messages.
type Messenger interface {
	// UploadMedia stores data and returns its content URI.
	UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (string, error)
	// SendImage posts an image message referencing uri.
	SendImage(ctx context.Context, roomID, uri string, info ImageInfo, fileName string) error
	// SendNotice posts a plain notice, used for user-visible failures.
	SendNotice(ctx context.Context, roomID, body string) error
}

// Dispatcher renders a formula and posts it to the room it came from.
type Dispatcher struct {
	renderer  *Renderer
	messenger Messenger
	settings  func() config.PluginConfig
}

// NewDispatcher wires the renderer to the chat host. settings is called once
// per invocation and must return a validated snapshot.
func NewDispatcher(engine Typesetter, messenger Messenger, settings func() config.PluginConfig) *Dispatcher {
	return &Dispatcher{
		renderer:  NewRenderer(engine),
		messenger: messenger,
		settings:  settings,
	}
}

// Handle runs one invocation: render, upload the image and its thumbnail,
// then send one image message to roomID. Failures are reported to the room
// and returned wrapped in ErrTypesetting, ErrUpload or ErrDispatch.
func (d *Dispatcher) Handle(ctx context.Context, roomID, formula string) error {
	id := xid.New().String()
	start := time.Now()
	req := NewRequest(formula, d.settings())

	img, err := d.renderer.Render(ctx, req)
	if err != nil {
		return d.fail(ctx, id, roomID, err)
	}

	uri, thumbURI, err := d.upload(ctx, img)
	if err != nil {
		return d.fail(ctx, id, roomID, err)
	}

	if err := d.messenger.SendImage(ctx, roomID, uri, img.Info(thumbURI), img.FileName()); err != nil {
		return d.fail(ctx, id, roomID, fmt.Errorf("%w: %w", ErrDispatch, err))
	}

	logging.Info("Formula sent",
		"invocation", id,
		"room_id", roomID,
		"mode", string(req.Mode),
		"native", req.UseNativeTypesetting,
		"width", img.Width,
		"height", img.Height,
		"bytes", len(img.Data),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// upload sends the primary image and the thumbnail concurrently.
func (d *Dispatcher) upload(ctx context.Context, img *RenderedImage) (uri, thumbURI string, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		uri, err = d.messenger.UploadMedia(gctx, img.Data, img.MimeType, img.FileName())
		return err
	})
	g.Go(func() error {
		var err error
		thumbURI, err = d.messenger.UploadMedia(gctx, img.Thumbnail.Data, img.Thumbnail.MimeType, ThumbnailFileName)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	return uri, thumbURI, nil
}

func (d *Dispatcher) fail(ctx context.Context, id, roomID string, err error) error {
	logging.Warn("Formula invocation failed", "invocation", id, "room_id", roomID, "error", err)
	if ctx.Err() != nil {
		return err
	}
	if noticeErr := d.messenger.SendNotice(ctx, roomID, UserMessage(err)); noticeErr != nil {
		logging.Error("Failed to report error to room", "invocation", id, "room_id", roomID, "error", noticeErr)
	}
	return err
}
