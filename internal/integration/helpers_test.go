// Package integration drives a fully wired server over real sockets.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campuschat/internal/app"
	"campuschat/internal/auth"
	"campuschat/internal/config"
	"campuschat/pkg/types"
)

const (
	secret       = "integration-secret"
	defaultWait  = 2 * time.Second
	pollInterval = 20 * time.Millisecond
)

type server struct {
	app      *app.Application
	cfg      *config.Config
	verifier *auth.Verifier
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "integration.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Auth.JWTSecret = secret
	cfg.Chat.TypingTimeout = 200 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *server {
	t.Helper()
	application, err := app.NewApplication(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))

	s := &server{app: application, cfg: cfg}
	t.Cleanup(func() { s.stop(t) })
	s.verifier, err = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	require.NoError(t, err)
	return s
}

func (s *server) stop(t *testing.T) {
	if s.app == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.app.Stop(ctx))
	s.app = nil
}

func (s *server) token(t *testing.T, identity types.Identity) string {
	t.Helper()
	token, err := s.verifier.Issue(identity, time.Minute)
	require.NoError(t, err)
	return token
}

// getJSON performs an authenticated GET and decodes the body into v.
func (s *server) getJSON(t *testing.T, identity types.Identity, path string, v interface{}) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+s.app.GetAddr()+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token(t, identity))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int64
}

func (s *server) connect(t *testing.T, identity types.Identity) *client {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws?token=%s", s.app.GetAddr(), s.token(t, identity))
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	c := &client{t: t, conn: conn}
	t.Cleanup(func() { _ = conn.Close() })
	// A ping round trip guarantees the session is attached.
	c.request(types.ClientPing, nil, nil)
	return c
}

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wireReply struct {
	RequestID string           `json:"request_id"`
	OK        bool             `json:"ok"`
	Payload   json.RawMessage  `json:"payload"`
	Error     *types.ErrorBody `json:"error"`
}

// next reads frames until one of eventType arrives, skipping others.
func (c *client) next(eventType string) wireEvent {
	c.t.Helper()
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var ev wireEvent
		require.NoError(c.t, c.conn.ReadJSON(&ev), "waiting for %s", eventType)
		if ev.Type == eventType {
			return ev
		}
	}
}

// request sends a frame and waits for its reply, decoding the payload into v.
func (c *client) request(frameType string, payload interface{}, v interface{}) wireReply {
	c.t.Helper()
	id := fmt.Sprintf("r%d", atomic.AddInt64(&c.seq, 1))
	frame := map[string]interface{}{"type": frameType, "request_id": id}
	if payload != nil {
		frame["payload"] = payload
	}
	require.NoError(c.t, c.conn.WriteJSON(frame))
	for {
		ev := c.next(types.EventReply)
		var reply wireReply
		require.NoError(c.t, json.Unmarshal(ev.Payload, &reply))
		if reply.RequestID != id {
			continue
		}
		if v != nil && reply.OK {
			require.NoError(c.t, json.Unmarshal(reply.Payload, v))
		}
		return reply
	}
}

func (c *client) send(spec types.ConversationSpec, content string) types.SendResult {
	c.t.Helper()
	var res types.SendResult
	reply := c.request(types.ClientSend, types.SendRequest{Conversation: spec, Content: content}, &res)
	require.True(c.t, reply.OK, "send failed: %+v", reply.Error)
	return res
}

func (c *client) join(conversationID string) {
	c.t.Helper()
	reply := c.request(types.ClientJoin, types.ConversationRef{ConversationID: conversationID}, nil)
	require.True(c.t, reply.OK, "join failed: %+v", reply.Error)
}

func decodePayload(t *testing.T, ev wireEvent, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(ev.Payload, v))
}
