package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/unclebandit/cartrecovery-backend/internal/broadcast"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// WSDialer connects to the broadcaster's /ws endpoint.
type WSDialer struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL string
}

func (d WSDialer) Dial(ctx context.Context, scope, sessionID string) (Stream, string, error) {
	base, err := url.Parse(strings.TrimRight(d.BaseURL, "/"))
	if err != nil {
		return nil, "", err
	}
	origin := base.String()
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	default:
		base.Scheme = "ws"
	}
	base.Path += "/ws"
	q := url.Values{"scope": {scope}}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	base.RawQuery = q.Encode()

	cfg, err := websocket.NewConfig(base.String(), origin)
	if err != nil {
		return nil, "", err
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, "", err
	}

	var first broadcast.Frame
	if err := websocket.JSON.Receive(conn, &first); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("read session frame: %w", err)
	}
	if first.Type != broadcast.FrameSession {
		_ = conn.Close()
		return nil, "", fmt.Errorf("expected session frame, got %q", first.Type)
	}
	var info broadcast.SessionInfo
	if err := json.Unmarshal(first.Payload, &info); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("decode session frame: %w", err)
	}
	return &wsStream{conn: conn}, info.SessionID, nil
}

type wsStream struct {
	conn *websocket.Conn
}

// Recv returns the next event frame, skipping control frames.
func (s *wsStream) Recv() (model.NotificationEvent, error) {
	for {
		var f broadcast.Frame
		if err := websocket.JSON.Receive(s.conn, &f); err != nil {
			return model.NotificationEvent{}, err
		}
		if f.Type != broadcast.FrameEvent {
			continue
		}
		var ev model.NotificationEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			continue
		}
		return ev, nil
	}
}

func (s *wsStream) Close() error { return s.conn.Close() }

// HTTPPoller reads GET /notifications.
type HTTPPoller struct {
	BaseURL  string
	PageSize int
	Client   *http.Client
}

type notificationPage struct {
	Data []model.NotificationEvent `json:"data"`
}

func (p HTTPPoller) Poll(ctx context.Context, scope string) ([]model.NotificationEvent, error) {
	size := p.PageSize
	if size <= 0 {
		size = 50
	}
	q := url.Values{"scope": {scope}, "page": {"1"}, "page_size": {strconv.Itoa(size)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(p.BaseURL, "/")+"/notifications?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll returned status %d", resp.StatusCode)
	}
	var page notificationPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, err
	}
	return page.Data, nil
}
