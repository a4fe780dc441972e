package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/metrics"
)

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client represents a single WebSocket connection.
// Lifecycle: NewClient -> Register -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan OutgoingMessage

	// authUserID is the identity proven by a token at upgrade time (0 if none).
	authUserID int64
	// userID is the identity announced by join (0 until joined).
	userID atomic.Int64

	limiter *rate.Limiter
	log     zerolog.Logger

	// done is used as a non-blocking guard in trySend.
	done chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	mu     sync.Mutex
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func (h *Hub) NewClient(conn *websocket.Conn, authUserID int64) *Client {
	c := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan OutgoingMessage, h.opts.SendBufferSize),
		authUserID: authUserID,
		limiter:    rate.NewLimiter(rate.Limit(h.opts.EventRate), h.opts.EventBurst),
		log:        logger.With("ws"),
		done:       make(chan struct{}),
	}
	if authUserID != 0 {
		c.log = c.log.With().Int64("auth_user_id", authUserID).Logger()
	}
	return c
}

// UserID returns the joined identity, 0 if the connection has not joined yet.
func (c *Client) UserID() int64 { return c.userID.Load() }

func (c *Client) setUserID(id int64) { c.userID.Store(id) }

// Start launches readPump and writePump goroutines with controlled lifecycle.
// ctx controls pump lifetime; cancel is stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	select {
	case <-c.done:
		// closed by the hub before the pumps started
		cancel()
	default:
	}
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// trySend queues msg without blocking. A full buffer closes the slow client.
func (c *Client) trySend(msg OutgoingMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		// Backpressure: send buffer full, close slow client.
		c.log.Error().Int64("user_id", c.UserID()).Str("event", string(msg.Type)).Msg("send buffer full, closing slow client")
		c.Close()
		return false
	}
}

// readPump reads messages from the WebSocket connection and handles them in order.
// Exits on read error (triggered by conn.Close from Close() or writePump exit).
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	pongWait := c.hub.opts.PongTimeout
	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Error().Err(err).Msg("set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Int64("user_id", c.UserID()).Msg("read error")
			}
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
			c.log.Debug().Err(err).Int64("user_id", c.UserID()).Msg("malformed frame dropped")
			continue
		}
		if !c.limiter.Allow() {
			metrics.EventsDropped.WithLabelValues("rate_limited").Inc()
			c.trySend(OutgoingMessage{Type: EventError, Payload: ErrorPayload{
				Event: msg.Type, Code: string(CategoryValidation), Error: ErrRateLimited.Error(),
			}})
			continue
		}

		c.hub.HandleMessage(ctx, c, msg)
	}
}

// writePump writes messages to the WebSocket connection.
// Exits on ctx cancellation, write error, or connection close.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	writeWait := c.hub.opts.WriteTimeout
	ticker := time.NewTicker(c.hub.opts.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Msg("set write deadline")
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(msg); err != nil {
				bufPool.Put(buf)
				c.log.Error().Err(err).Str("event", string(msg.Type)).Msg("marshal error")
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for WebSocket text messages.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
