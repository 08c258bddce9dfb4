package tex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"

	"texbot/internal/config"
	"texbot/internal/typeset"
)

// fakeEngine sizes every figure from the markup length so that identical
// input gives identical dimensions.
type fakeEngine struct {
	mu      sync.Mutex
	markups []string
	opts    []typeset.Options
	opened  atomic.Int32
	closed  atomic.Int32
	pngErr  error
}

func (e *fakeEngine) Typeset(ctx context.Context, markup string, opts typeset.Options) (typeset.Figure, error) {
	e.mu.Lock()
	e.markups = append(e.markups, markup)
	e.opts = append(e.opts, opts)
	e.mu.Unlock()

	if strings.Contains(markup, `\notacommand{`) {
		return nil, &typeset.FormulaError{Detail: `undefined control sequence \notacommand`}
	}
	e.opened.Add(1)
	return &fakeFigure{
		engine: e,
		width:  float64(len(markup)) * opts.FontSize / 2,
		height: opts.FontSize * 1.5,
	}, nil
}

func (e *fakeEngine) lastMarkup() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.markups) == 0 {
		return ""
	}
	return e.markups[len(e.markups)-1]
}

type fakeFigure struct {
	engine        *fakeEngine
	width, height float64
	closed        bool
}

func (f *fakeFigure) SVG(ctx context.Context) ([]byte, error) {
	return fmt.Appendf(nil, `<svg xmlns="http://www.w3.org/2000/svg" width="%.2f" height="%.2f"></svg>`, f.width, f.height), nil
}

func (f *fakeFigure) PNG(ctx context.Context, dpi float64) ([]byte, error) {
	if f.engine.pngErr != nil {
		return nil, f.engine.pngErr
	}
	scale := dpi / 96
	return encodePNG(int(f.width*scale)+1, int(f.height*scale)+1), nil
}

func (f *fakeFigure) BBox(ctx context.Context) (float64, float64, error) {
	return f.width, f.height, nil
}

func (f *fakeFigure) Close() error {
	if !f.closed {
		f.closed = true
		f.engine.closed.Add(1)
	}
	return nil
}

func encodePNG(w, h int) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type upload struct {
	data     []byte
	mimeType string
	fileName string
	uri      string
}

type sentImage struct {
	roomID   string
	uri      string
	info     ImageInfo
	fileName string
}

type fakeMessenger struct {
	mu        sync.Mutex
	uploads   []upload
	images    []sentImage
	notices   []string
	uploadErr error
	sendErr   error
	counter   int
}

func (m *fakeMessenger) UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	m.counter++
	uri := fmt.Sprintf("mxc://test.local/%s-%d", fileName, m.counter)
	m.uploads = append(m.uploads, upload{data: data, mimeType: mimeType, fileName: fileName, uri: uri})
	return uri, nil
}

func (m *fakeMessenger) SendImage(ctx context.Context, roomID, uri string, info ImageInfo, fileName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.images = append(m.images, sentImage{roomID: roomID, uri: uri, info: info, fileName: fileName})
	return nil
}

func (m *fakeMessenger) SendNotice(ctx context.Context, roomID, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notices = append(m.notices, body)
	return nil
}

func (m *fakeMessenger) uploadByName(name string) (upload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.uploads {
		if u.fileName == name {
			return u, true
		}
	}
	return upload{}, false
}

var errTransport = errors.New("connection reset")

func pluginSettings(mode string) func() config.PluginConfig {
	return func() config.PluginConfig {
		return config.PluginConfig{
			UseTex:       false,
			FontSize:     20,
			ThumbnailDPI: 60,
			Mode:         mode,
			Command:      "tex",
		}
	}
}
