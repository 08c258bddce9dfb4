package matrix

import "encoding/json"

// Event types and message types used by the bot.
const (
	EventRoomMessage = "m.room.message"

	MsgText   = "m.text"
	MsgNotice = "m.notice"
	MsgImage  = "m.image"
)

// SyncOptions are the query parameters of /sync.
type SyncOptions struct {
	Since   string
	Timeout int // milliseconds; 0 returns immediately
	Filter  string
}

// SyncResponse is the subset of the /sync response the bot consumes.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

type RoomsSection struct {
	Join   map[string]JoinedRoom  `json:"join,omitempty"`
	Invite map[string]InvitedRoom `json:"invite,omitempty"`
}

type JoinedRoom struct {
	Timeline Timeline `json:"timeline"`
}

type InvitedRoom struct {
	InviteState struct {
		Events []Event `json:"events"`
	} `json:"invite_state"`
}

type Timeline struct {
	Events    []Event `json:"events"`
	Limited   bool    `json:"limited,omitempty"`
	PrevBatch string  `json:"prev_batch,omitempty"`
}

// Event is a room event. Content is decoded lazily by the consumer.
type Event struct {
	EventID        string          `json:"event_id,omitempty"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content"`
}

// MessageContent is the content of an m.room.message event.
type MessageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// Message decodes the event content as a room message.
func (e Event) Message() (MessageContent, error) {
	var content MessageContent
	err := json.Unmarshal(e.Content, &content)
	return content, err
}

// ThumbnailInfo describes a thumbnail attached to an image event.
type ThumbnailInfo struct {
	MimeType string `json:"mimetype"`
	Size     int    `json:"size"`
	Width    int    `json:"w"`
	Height   int    `json:"h"`
}

// ImageInfo is the info block of an m.image event.
type ImageInfo struct {
	MimeType      string         `json:"mimetype"`
	Size          int            `json:"size"`
	Width         int            `json:"w"`
	Height        int            `json:"h"`
	ThumbnailURL  string         `json:"thumbnail_url,omitempty"`
	ThumbnailInfo *ThumbnailInfo `json:"thumbnail_info,omitempty"`
}

// ImageContent is the content of an m.image message.
type ImageContent struct {
	MsgType string    `json:"msgtype"`
	Body    string    `json:"body"`
	URL     string    `json:"url"`
	Info    ImageInfo `json:"info"`
}

type sendEventResponse struct {
	EventID string `json:"event_id"`
}

type uploadResponse struct {
	ContentURI string `json:"content_uri"`
}

type whoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
}
