// Package matrix is a small Matrix client-server API client covering what
// the bot needs: media upload, message send, sync and room join.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/xid"

	"texbot/internal/infra/logging"
)

// maxResponseBytes caps how much of a homeserver response is read.
const maxResponseBytes = 32 << 20

// Client talks to one homeserver as one user.
type Client struct {
	baseURL     string
	userID      string
	accessToken string
	httpClient  *http.Client
}

// NewClient returns a client for homeserverURL authenticated with
// accessToken. A nil httpClient means http.DefaultClient.
func NewClient(homeserverURL, userID, accessToken string, httpClient *http.Client) (*Client, error) {
	if homeserverURL == "" {
		return nil, fmt.Errorf("matrix: homeserver URL is required")
	}
	if _, err := url.Parse(homeserverURL); err != nil {
		return nil, fmt.Errorf("matrix: invalid homeserver URL %q: %w", homeserverURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:     strings.TrimRight(homeserverURL, "/"),
		userID:      userID,
		accessToken: accessToken,
		httpClient:  httpClient,
	}, nil
}

// UserID is the account the client acts as.
func (c *Client) UserID() string { return c.userID }

// WhoAmI returns the user ID owning the access token.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil)
	if err != nil {
		return "", fmt.Errorf("matrix: whoami failed: %w", err)
	}
	var response whoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// JoinRoom joins roomID (an ID or alias) and returns the joined room ID.
func (c *Client) JoinRoom(ctx context.Context, roomID string) (string, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID)
	body, err := c.doRequest(ctx, http.MethodPost, path, struct{}{}, nil)
	if err != nil {
		return "", fmt.Errorf("matrix: join room %s failed: %w", roomID, err)
	}
	var response struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse join response: %w", err)
	}
	logging.Info("Joined room", "room_id", response.RoomID)
	return response.RoomID, nil
}

// Sync long-polls the homeserver for new events.
func (c *Client) Sync(ctx context.Context, opts SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if opts.Since != "" {
		query.Set("since", opts.Since)
	}
	query.Set("timeout", strconv.Itoa(opts.Timeout))
	if opts.Filter != "" {
		query.Set("filter", opts.Filter)
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", nil, query)
	if err != nil {
		return nil, fmt.Errorf("matrix: sync failed: %w", err)
	}
	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// SendEvent sends an event to a room with a fresh transaction ID and
// returns the event ID.
func (c *Client) SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID),
		url.PathEscape(eventType),
		url.PathEscape(nextTransactionID()),
	)
	body, err := c.doRequest(ctx, http.MethodPut, path, content, nil)
	if err != nil {
		return "", fmt.Errorf("matrix: send event to %s failed: %w", roomID, err)
	}
	var response sendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// SendNotice posts an m.notice message.
func (c *Client) SendNotice(ctx context.Context, roomID, text string) (string, error) {
	return c.SendEvent(ctx, roomID, EventRoomMessage, MessageContent{MsgType: MsgNotice, Body: text})
}

// SendImage posts an m.image message referencing already uploaded media.
func (c *Client) SendImage(ctx context.Context, roomID, contentURI, fileName string, info ImageInfo) (string, error) {
	return c.SendEvent(ctx, roomID, EventRoomMessage, ImageContent{
		MsgType: MsgImage,
		Body:    fileName,
		URL:     contentURI,
		Info:    info,
	})
}

// UploadMedia stores data in the media repository and returns its mxc URI.
func (c *Client) UploadMedia(ctx context.Context, data []byte, contentType, fileName string) (string, error) {
	path := "/_matrix/media/v3/upload"
	if fileName != "" {
		path += "?" + url.Values{"filename": {fileName}}.Encode()
	}
	body, err := c.doRequestRaw(ctx, http.MethodPost, path, contentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("matrix: media upload failed: %w", err)
	}
	var response uploadResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse upload response: %w", err)
	}
	if response.ContentURI == "" {
		return "", fmt.Errorf("matrix: upload response has no content_uri")
	}
	return response.ContentURI, nil
}

// doRequest sends a JSON request and returns the response body. Non-2xx
// responses come back as *Error.
func (c *Client) doRequest(ctx context.Context, method, path string, requestBody any, query url.Values) ([]byte, error) {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var bodyReader io.Reader
	contentType := ""
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("matrix: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
		contentType = "application/json"
	}
	return c.doRequestRaw(ctx, method, path, contentType, bodyReader)
}

func (c *Client) doRequestRaw(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("matrix: failed to create request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if c.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("matrix: request to %s %s failed: %w", method, stripQuery(path), err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("matrix: failed to read response body: %w", err)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	var matrixErr Error
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil || matrixErr.Code == "" {
		return nil, fmt.Errorf("matrix: unexpected %d response from %s %s: %s",
			response.StatusCode, method, stripQuery(path), strings.TrimSpace(string(responseBody)))
	}
	matrixErr.StatusCode = response.StatusCode
	return nil, &matrixErr
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

func nextTransactionID() string {
	return "texbot." + xid.New().String()
}
