package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"campuschat/internal/session"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

// DefaultReadLimit caps one inbound frame.
const DefaultReadLimit = 64 * 1024

// HandlerConfig tunes accepted connections.
type HandlerConfig struct {
	MailboxSize    int
	ReadLimit      int64
	Timeouts       Timeouts
	AllowedOrigins []string // empty allows any origin
}

// Handler authenticates WebSocket handshakes and drives one session per
// accepted connection.
// ARCHITECTURAL DISCOVERY: credential check happens before the upgrade so
// rejected clients get a plain HTTP status and never consume a goroutine
type Handler struct {
	verifier interfaces.IdentityVerifier
	hub      session.Hub
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a handler.
func NewHandler(verifier interfaces.IdentityVerifier, hub session.Hub, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultTimeouts()
	}
	h := &Handler{verifier: verifier, hub: hub, cfg: cfg, logger: logger}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// Credential extracts the token from the query string or a bearer header.
func Credential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// ServeHTTP verifies the credential, upgrades, and serves the connection
// until it closes. Detach runs on this goroutine before it returns.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential := Credential(r)
	if credential == "" {
		http.Error(w, ErrMissingCredential.Error(), http.StatusUnauthorized)
		return
	}
	identity, err := h.verifier.Verify(r.Context(), credential)
	if err != nil {
		h.logger.Debug("handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", identity.UserID), zap.Error(err))
		return
	}

	conn := NewConnection(ws, identity, h.cfg.MailboxSize, h.cfg.Timeouts, h.logger)
	sess := session.New(identity, conn, h.hub, h.logger)
	if err := sess.Open(conn.Context()); err != nil {
		h.logger.Error("failed to open session", zap.String("conn_id", conn.ID()), zap.Error(err))
		_ = conn.Close()
		return
	}

	h.readLoop(conn, sess)
}

func (h *Handler) readLoop(conn *Connection, sess *session.Session) {
	defer func() {
		sess.Close()
		_ = conn.Close()
	}()

	ws := conn.conn
	ws.SetReadLimit(h.cfg.ReadLimit)
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.Timeouts.Read)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.Timeouts.Read))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				conn.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		// any inbound frame counts as liveness
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.Timeouts.Read))

		if messageType != websocket.TextMessage {
			reply := types.Reply{OK: false, Error: types.ToErrorBody(types.ErrInvalidEvent)}
			_ = conn.Enqueue(types.NewEvent(types.EventReply, reply))
			continue
		}
		if err := sess.Serve(conn.Context(), data); err != nil {
			conn.logger.Warn("reply dropped", zap.Error(err))
		}
	}
}
