package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

// DefaultMailboxSize is the outbound buffer of one connection.
const DefaultMailboxSize = 100

var _ interfaces.Sink = (*Connection)(nil)

// Connection wraps one gorilla connection with a single writer goroutine.
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized; every event
// goes through the mailbox and only writeLoop touches the socket for writes
type Connection struct {
	conn     *websocket.Conn
	id       string
	identity types.Identity
	writeCh  chan []byte
	timeouts Timeouts
	logger   *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// Timeouts bounds socket I/O.
type Timeouts struct {
	Write        time.Duration
	Read         time.Duration // pong wait
	PingInterval time.Duration
}

// DefaultTimeouts returns the heartbeat settings used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{Write: 10 * time.Second, Read: 60 * time.Second, PingInterval: 30 * time.Second}
}

// NewConnection wraps conn for an authenticated identity and starts its writer.
func NewConnection(conn *websocket.Conn, identity types.Identity, mailboxSize int, timeouts Timeouts, logger *zap.Logger) *Connection {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:     conn,
		id:       uuid.New().String(),
		identity: identity,
		writeCh:  make(chan []byte, mailboxSize),
		timeouts: timeouts,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.logger = logger.With(zap.String("conn_id", c.id), zap.String("user_id", identity.UserID))

	go c.writeLoop()
	return c
}

// ID returns the server-assigned connection ID.
func (c *Connection) ID() string { return c.id }

// Identity returns the identity verified at handshake.
func (c *Connection) Identity() types.Identity { return c.identity }

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Enqueue marshals event and queues it without blocking.
func (c *Connection) Enqueue(event types.Event) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(event)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrMailboxFull
	}
}

func (c *Connection) writeLoop() {
	defer close(c.done)

	var ping <-chan time.Time
	if c.timeouts.PingInterval > 0 {
		ticker := time.NewTicker(c.timeouts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.Write)); err != nil {
				c.fail(err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}

		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.timeouts.Write)); err != nil {
				c.fail(err)
				return
			}

		case <-c.ctx.Done():
			c.flush()
			return
		}
	}
}

// flush writes what is already queued before the socket closes, so a final
// reply is not lost on a graceful close.
func (c *Connection) flush() {
	for {
		select {
		case data := <-c.writeCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.Write))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// fail closes a connection whose socket stopped accepting writes; the read
// loop then sees the error and detaches it.
func (c *Connection) fail(err error) {
	c.logger.Debug("write failed", zap.Error(err))
	c.cancel()
	_ = c.conn.Close()
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
