// Package duet provides a client for the duet chat service.
package duet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client is a duet API client. Token is a bearer token issued for the user.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new client. An empty token falls back to DUET_TOKEN.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	if token == "" {
		token = os.Getenv("DUET_TOKEN")
	}
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("duet error %d: %s", e.Status, e.Message)
}

// doRequest performs an HTTP request and decodes the response into out.
func (c *Client) doRequest(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// User is another member as the server reports them.
type User struct {
	ID       string     `json:"id"`
	UID      string     `json:"uid"`
	Username string     `json:"username"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Room is a conversation between the caller and Partner.
type Room struct {
	ID            string    `json:"id"`
	Members       [2]string `json:"members"`
	LastMessageID string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	Partner       *User     `json:"partner,omitempty"`
}

// Message is a chat message.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	FileName  string    `json:"fileName,omitempty"`
	FileSize  int64     `json:"fileSize,omitempty"`
	MimeType  string    `json:"mimeType,omitempty"`
	Status    string    `json:"status"`
	ReplyTo   string    `json:"replyTo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	IsDeleted bool      `json:"isDeleted"`
}

// Draft is an outgoing message.
type Draft struct {
	RoomID    string `json:"roomId"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	Thumbnail string `json:"thumbnail,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	FileSize  int64  `json:"fileSize,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	ReplyTo   string `json:"replyTo,omitempty"`
}

// ConnectResponse is the response from connecting to a partner.
type ConnectResponse struct {
	Room     Room      `json:"room"`
	Messages []Message `json:"messages"`
}

// Connect opens (or reopens) the room shared with the user holding uid.
func (c *Client) Connect(uid string) (*ConnectResponse, error) {
	var resp ConnectResponse
	if err := c.doRequest("POST", "/rooms/connect", map[string]string{"uid": uid}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRooms lists the caller's rooms.
func (c *Client) ListRooms() ([]Room, error) {
	var resp struct {
		Rooms []Room `json:"rooms"`
	}
	if err := c.doRequest("GET", "/rooms", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// MessagesResponse is one page of room history, oldest first.
type MessagesResponse struct {
	RoomID   string    `json:"roomId"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// GetMessages retrieves history older than before. A zero before starts at the newest message.
func (c *Client) GetMessages(roomID string, limit int, before time.Time) (*MessagesResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		q.Set("before", before.Format(time.RFC3339Nano))
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp MessagesResponse
	if err := c.doRequest("GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMessage posts a message.
func (c *Client) SendMessage(d Draft) (*Message, error) {
	var msg Message
	if err := c.doRequest("POST", "/messages", d, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateStatus moves a received message to status. It reports whether the status advanced.
func (c *Client) UpdateStatus(messageID, status string) (bool, error) {
	var resp struct {
		Updated bool `json:"updated"`
	}
	err := c.doRequest("PATCH", "/messages/"+url.PathEscape(messageID)+"/status", map[string]string{"status": status}, &resp)
	return resp.Updated, err
}

// DeleteMessage redacts one of the caller's messages.
func (c *Client) DeleteMessage(messageID string, forBoth bool) (*Message, error) {
	var msg Message
	path := "/messages/" + url.PathEscape(messageID) + "?deleteForBoth=" + strconv.FormatBool(forBoth)
	if err := c.doRequest("DELETE", path, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Presence returns a user's online state.
func (c *Client) Presence(userID string) (*User, error) {
	var u User
	if err := c.doRequest("GET", "/users/"+url.PathEscape(userID)+"/presence", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Me returns the authenticated user.
func (c *Client) Me() (*User, error) {
	var u User
	if err := c.doRequest("GET", "/users/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    map[string]interface{} `json:"checks"`
	Online    int                    `json:"online"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health() (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest("GET", "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
