package broadcast

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/unclebandit/cartrecovery-backend/internal/logger"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// Frame types on the notification socket.
const (
	FrameSession = "session"
	FrameEvent   = "event"
	FramePing    = "ping"
	FramePong    = "pong"
	FrameError   = "error"
)

const (
	maxDecodeErrorsPerConn = 5
	writeTimeout           = 10 * time.Second
)

// Frame is the envelope for everything sent over the socket.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SessionInfo is the payload of the first frame on every connection.
type SessionInfo struct {
	SessionID  string `json:"session_id"`
	Scope      string `json:"scope"`
	ServerTime string `json:"server_time"`
}

type wsPeer struct {
	conn *websocket.Conn

	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn, encoder: json.NewEncoder(conn)}
}

// writeFrame gives up after writeTimeout so a client that stopped reading cannot hold
// the connection's writer forever.
func (p *wsPeer) writeFrame(frame Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return p.encoder.Encode(frame)
}

func (p *wsPeer) Deliver(ev model.NotificationEvent) error {
	return p.writeFrame(Frame{Type: FrameEvent, Payload: mustJSON(ev)})
}

// Close ends the connection; the read loop then detaches the session.
func (p *wsPeer) Close() error {
	return p.conn.Close()
}

// Handler serves GET /ws?scope=...&session_id=... .
func Handler(h *Hub) http.Handler {
	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, h)
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if strings.TrimSpace(r.URL.Query().Get("scope")) == "" {
			http.Error(w, "scope is required", http.StatusBadRequest)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
}

func handleWSConn(conn *websocket.Conn, h *Hub) {
	defer func() {
		_ = conn.Close()
	}()

	q := conn.Request().URL.Query()
	scope := strings.TrimSpace(q.Get("scope"))
	sessionID := strings.TrimSpace(q.Get("session_id"))

	peer := newWSPeer(conn)
	decoder := json.NewDecoder(conn)

	session := h.Join(scope, sessionID)
	err := peer.writeFrame(Frame{Type: FrameSession, Payload: mustJSON(SessionInfo{
		SessionID:  session.ID,
		Scope:      scope,
		ServerTime: time.Now().UTC().Format(time.RFC3339),
	})})
	if err != nil {
		return
	}
	h.Connect(session, peer)
	defer h.Detach(session, peer)

	log := logger.WithModule("broadcast").WithField("session", session.ID)

	decodeErrors := 0
	for {
		var frame Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = peer.writeFrame(Frame{Type: FrameError, Payload: mustJSON(map[string]string{"message": "invalid frame"})})
			if decodeErrors >= maxDecodeErrorsPerConn {
				log.WithError(err).Debug("closing connection after repeated decode errors")
				return
			}
			continue
		}
		decodeErrors = 0

		switch frame.Type {
		case FramePing:
			_ = peer.writeFrame(Frame{Type: FramePong})
		default:
			_ = peer.writeFrame(Frame{Type: FrameError, Payload: mustJSON(map[string]string{"message": "unsupported frame type"})})
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		logger.WithModule("broadcast").WithError(err).Error("failed to marshal websocket frame payload")
		return nil
	}
	return b
}
