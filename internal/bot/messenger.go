package bot

import (
	"context"

	"texbot/internal/matrix"
	"texbot/internal/tex"
)

// Messenger posts rendered formulas through a Matrix client.
type Messenger struct {
	client *matrix.Client
}

func NewMessenger(client *matrix.Client) *Messenger {
	return &Messenger{client: client}
}

func (m *Messenger) UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (string, error) {
	return m.client.UploadMedia(ctx, data, mimeType, fileName)
}

func (m *Messenger) SendImage(ctx context.Context, roomID, uri string, info tex.ImageInfo, fileName string) error {
	_, err := m.client.SendImage(ctx, roomID, uri, fileName, imageInfo(info))
	return err
}

func (m *Messenger) SendNotice(ctx context.Context, roomID, body string) error {
	_, err := m.client.SendNotice(ctx, roomID, body)
	return err
}

func imageInfo(info tex.ImageInfo) matrix.ImageInfo {
	out := matrix.ImageInfo{
		MimeType:     info.MimeType,
		Size:         info.Size,
		Width:        info.Width,
		Height:       info.Height,
		ThumbnailURL: info.ThumbnailURL,
	}
	if t := info.ThumbnailInfo; t != nil {
		out.ThumbnailInfo = &matrix.ThumbnailInfo{
			MimeType: t.MimeType,
			Size:     t.Size,
			Width:    t.Width,
			Height:   t.Height,
		}
	}
	return out
}
