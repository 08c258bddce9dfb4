package tex

import (
	"texbot/internal/config"
)

// Mode selects the primary output format.
type Mode string

const (
	ModeSVG Mode = config.ModeSVG
	ModePNG Mode = config.ModePNG
)

// MIME types of the produced images.
const (
	MimeSVG = "image/svg+xml"
	MimePNG = "image/png"
)

// PrimaryPNGDPI is the resolution of a PNG primary image. It is independent
// of the thumbnail resolution.
const PrimaryPNGDPI = 300

// ThumbnailFileName is the upload name of every thumbnail.
const ThumbnailFileName = "tex.thumb.png"

// RenderRequest describes one invocation. It is built from the settings
// current when the command arrived and is never modified afterwards.
type RenderRequest struct {
	Formula              string
	FontSize             float64
	UseNativeTypesetting bool
	Mode                 Mode
	ThumbnailDPI         float64
}

// NewRequest builds a request for formula from a plugin settings snapshot.
func NewRequest(formula string, p config.PluginConfig) RenderRequest {
	return RenderRequest{
		Formula:              formula,
		FontSize:             p.FontSize,
		UseNativeTypesetting: p.UseTex,
		Mode:                 Mode(p.Mode),
		ThumbnailDPI:         p.ThumbnailDPI,
	}
}

// RenderedImage is an encoded image with its measured size. It belongs to
// the request that produced it.
type RenderedImage struct {
	Data      []byte
	MimeType  string
	Width     int
	Height    int
	Thumbnail *RenderedImage
}

// FileName returns the upload name matching the image's MIME type.
func (img *RenderedImage) FileName() string {
	if img.MimeType == MimeSVG {
		return "tex.svg"
	}
	return "tex.png"
}

// ThumbnailInfo describes the thumbnail attached to an image message.
type ThumbnailInfo struct {
	MimeType string `json:"mimetype"`
	Size     int    `json:"size"`
	Width    int    `json:"w"`
	Height   int    `json:"h"`
}

// ImageInfo is the metadata record sent along with the primary image.
type ImageInfo struct {
	MimeType      string         `json:"mimetype"`
	Size          int            `json:"size"`
	Width         int            `json:"w"`
	Height        int            `json:"h"`
	ThumbnailURL  string         `json:"thumbnail_url,omitempty"`
	ThumbnailInfo *ThumbnailInfo `json:"thumbnail_info,omitempty"`
}

// Info builds the metadata record for img, referencing the uploaded
// thumbnail at thumbURI.
func (img *RenderedImage) Info(thumbURI string) ImageInfo {
	info := ImageInfo{
		MimeType: img.MimeType,
		Size:     len(img.Data),
		Width:    img.Width,
		Height:   img.Height,
	}
	if img.Thumbnail != nil {
		info.ThumbnailURL = thumbURI
		info.ThumbnailInfo = &ThumbnailInfo{
			MimeType: img.Thumbnail.MimeType,
			Size:     len(img.Thumbnail.Data),
			Width:    img.Thumbnail.Width,
			Height:   img.Thumbnail.Height,
		}
	}
	return info
}
