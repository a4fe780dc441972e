// Package ws is the live session layer: connection registry, rooms, presence,
// relationship gate, message pipeline and command dispatcher over WebSocket.
//
// All state here is local to one process. Running several instances behind a load
// balancer needs a shared presence/session store, which this package does not provide.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/metrics"
)

const maxRoomName = 128

// Options tune the hub; zero values fall back to defaults.
type Options struct {
	MaxConns       int
	SendBufferSize int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	EventRate      float64
	EventBurst     int
	WorkerPoolSize int64
	PersistTimeout time.Duration
	IdempotencyTTL time.Duration
	// RequireToken rejects join with a user_id unless the upgrade carried a valid token.
	RequireToken bool
}

func (o *Options) withDefaults() {
	if o.MaxConns <= 0 {
		o.MaxConns = 10000
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8192
	}
	if o.EventRate <= 0 {
		o.EventRate = 20
	}
	if o.EventBurst <= 0 {
		o.EventBurst = 40
	}
	if o.WorkerPoolSize <= 0 {
		o.WorkerPoolSize = 64
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = 24 * time.Hour
	}
}

type Hub struct {
	opts     Options
	registry *Registry
	rooms    *Rooms
	presence *Presence
	gate     *Gate
	pipeline *Pipeline
	commands *Dispatcher
	groups   GroupStore

	// sem bounds handlers running store calls across all connections.
	sem *semaphore.Weighted

	mu         sync.Mutex
	conns      map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopped    chan struct{}
	teardowns  sync.WaitGroup
	log        zerolog.Logger
}

func NewHub(stores Stores, tokens TokenVerifier, push PushNotifier, opts Options) *Hub {
	opts.withDefaults()
	registry := NewRegistry()
	rooms := NewRooms()
	gate := NewGate(stores.Users, stores.Friends, stores.Blocks, rooms)
	return &Hub{
		opts:       opts,
		registry:   registry,
		rooms:      rooms,
		presence:   NewPresence(registry, rooms, stores.Users, stores.Friends, stores.Groups),
		gate:       gate,
		pipeline:   NewPipeline(registry, rooms, gate, stores, push, opts.IdempotencyTTL),
		commands:   NewDispatcher(tokens, gate, registry, stores),
		groups:     stores.Groups,
		sem:        semaphore.NewWeighted(opts.WorkerPoolSize),
		conns:      make(map[*Client]struct{}),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		log:        logger.With("hub"),
	}
}

func (h *Hub) Registry() *Registry { return h.registry }
func (h *Hub) Presence() *Presence { return h.presence }

// Run owns the connection lifecycle until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Stopped is closed once Run has returned and every connection is gone.
func (h *Hub) Stopped() <-chan struct{} { return h.stopped }

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	all := make([]*Client, 0, len(h.conns))
	for c := range h.conns {
		all = append(all, c)
	}
	h.conns = make(map[*Client]struct{})
	h.mu.Unlock()
	metrics.Connections.Set(0)

	// Registrations queued before done was closed never reached addClient.
	for pending := true; pending; {
		select {
		case c := <-h.register:
			c.Close()
		default:
			pending = false
		}
	}

	// Close connections outside the lock (network I/O).
	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		if c.conn != nil {
			c.Wait()
		}
	}
	h.teardowns.Wait()
	h.log.Info().Int("closed", len(all)).Msg("hub stopped")
}

func (h *Hub) addClient(c *Client) {
	select {
	case <-c.done:
		// closed before the hub saw it
		return
	default:
	}
	h.mu.Lock()
	if len(h.conns) >= h.opts.MaxConns {
		h.mu.Unlock()
		h.log.Error().Int("limit", h.opts.MaxConns).Int64("auth_user_id", c.authUserID).Msg("connection limit reached, rejecting")
		c.Close()
		return
	}
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	metrics.Connections.Set(float64(n))

	c.trySend(OutgoingMessage{Type: EventConnected, Payload: ConnectedPayload{
		Msg:    "Connected to chat server",
		UserID: c.authUserID,
	}})
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()
	metrics.Connections.Set(float64(n))

	// Network I/O outside the lock.
	c.Close()
	h.rooms.LeaveAll(c)

	// Teardown only for the connection currently registered for the identity.
	userID, ok := h.registry.Unregister(c)
	if !ok {
		return
	}
	h.teardowns.Add(1)
	go func() {
		defer h.teardowns.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.PersistTimeout*2)
		defer cancel()
		h.presence.Disconnect(ctx, userID)
	}()
}

func (h *Hub) Register(c *Client) {
	select {
	case <-h.done:
		c.Close()
		return
	default:
	}
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func eventLabel(t EventType) string {
	switch t {
	case EventJoin, EventSendMessage, EventSendSticker, EventSendFileMessage, EventAddReaction,
		EventEditMessage, EventRecallMessage, EventTyping, EventCommand:
		return string(t)
	default:
		return "unknown"
	}
}

func isSendEvent(t EventType) bool {
	return t == EventSendMessage || t == EventSendSticker || t == EventSendFileMessage
}

// HandleMessage handles one inbound event to completion. Panics are contained here
// and reported to the caller with a correlation id.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	label := eventLabel(msg.Type)
	metrics.Events.WithLabelValues(label).Inc()

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer h.sem.Release(1)

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.opts.PersistTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			cid := uuid.NewString()
			log := logger.Event("ws", cid)
			log.Error().Interface("panic", r).Str("event", string(msg.Type)).Int64("user_id", c.UserID()).Msg("panic in handler")
			c.trySend(OutgoingMessage{Type: EventError, Payload: ErrorPayload{
				Event: msg.Type, Code: string(CategoryInternal), Error: ErrInternal.Error(), CID: cid,
			}})
		}
		metrics.HandlerDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	clientMessageID, err := h.dispatch(ctx, c, msg)
	if err != nil {
		h.fail(c, msg.Type, clientMessageID, err)
	}
}

func decode[T any](raw json.RawMessage, dst *T) error {
	if len(raw) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return ErrInvalidPayload
	}
	return nil
}

// dispatch routes by event type. The client message id is returned so failures of
// sends can be acknowledged.
func (h *Hub) dispatch(ctx context.Context, c *Client, msg IncomingMessage) (string, error) {
	switch msg.Type {
	case EventJoin:
		var p JoinPayload
		if err := decode(msg.Payload, &p); err != nil {
			return "", err
		}
		return "", h.join(ctx, c, p)
	case EventSendMessage, EventSendSticker, EventSendFileMessage:
		var p SendPayload
		if err := decode(msg.Payload, &p); err != nil {
			return "", err
		}
		return p.ClientMessageID, h.pipeline.Send(ctx, c, kindForEvent(msg.Type), p)
	case EventAddReaction:
		var p ReactionRequest
		if err := decode(msg.Payload, &p); err != nil {
			return "", err
		}
		return "", h.pipeline.React(ctx, c, p)
	case EventEditMessage:
		var p EditRequest
		if err := decode(msg.Payload, &p); err != nil {
			return "", err
		}
		return "", h.pipeline.Edit(ctx, c, p)
	case EventRecallMessage:
		var p RecallRequest
		if err := decode(msg.Payload, &p); err != nil {
			return "", err
		}
		return "", h.pipeline.Recall(ctx, c, p)
	case EventTyping:
		var p TypingRequest
		if err := decode(msg.Payload, &p); err != nil {
			return "", err
		}
		return "", h.pipeline.Typing(c, p)
	case EventCommand:
		var p CommandRequest
		if err := decode(msg.Payload, &p); err != nil {
			c.trySend(OutgoingMessage{Type: EventCommandResponse, Payload: CommandResponse{
				Code: string(CategoryValidation), Error: ErrInvalidPayload.Error(),
			}})
			return "", nil
		}
		h.commands.Dispatch(ctx, c, p)
		return "", nil
	default:
		return "", ErrUnknownEvent
	}
}

// fail converts err into a response for the originating connection only.
// Malformed payloads are dropped; store failures without a client message id are
// logged and dropped.
func (h *Hub) fail(c *Client, event EventType, clientMessageID string, err error) {
	cat := classify(err)
	log := h.log.With().Str("event", string(event)).Int64("user_id", c.UserID()).Str("category", string(cat)).Logger()

	if cat == CategoryValidation && !errors.Is(err, ErrUnknownEvent) {
		metrics.EventsDropped.WithLabelValues("invalid").Inc()
		log.Debug().Err(err).Msg("event dropped")
		return
	}
	if cat == CategoryPersistence {
		log.Error().Err(err).Str("client_message_id", clientMessageID).Msg("store failure")
	} else {
		log.Info().Err(err).Msg("event rejected")
	}

	msg := publicMessage(err)
	if isSendEvent(event) && clientMessageID != "" {
		metrics.Acks.WithLabelValues(string(AckError)).Inc()
		c.trySend(OutgoingMessage{Type: EventMessageSentAck, Payload: AckPayload{
			ClientMessageID: clientMessageID,
			Status:          AckError,
			Error:           msg,
		}})
		return
	}
	if cat == CategoryPersistence {
		return
	}
	c.trySend(OutgoingMessage{Type: EventError, Payload: ErrorPayload{Event: event, Code: string(cat), Error: msg}})
}

func (h *Hub) join(ctx context.Context, c *Client, p JoinPayload) error {
	if p.UserID < 0 || (p.UserID == 0 && strings.TrimSpace(p.Room) == "") {
		return ErrInvalidPayload
	}
	if p.UserID > 0 {
		if c.authUserID != 0 && c.authUserID != p.UserID {
			return ErrIdentityMismatch
		}
		if h.opts.RequireToken && c.authUserID == 0 {
			return ErrUnauthorized
		}
		if err := h.presence.Join(ctx, c, p.UserID); err != nil {
			return err
		}
	}
	if p.Room != "" {
		return h.joinRoom(ctx, c, strings.TrimSpace(p.Room))
	}
	return nil
}

// joinRoom joins a caller-named room. Personal rooms are only reachable through
// join with user_id; group-<id> rooms need membership.
func (h *Hub) joinRoom(ctx context.Context, c *Client, room string) error {
	if room == "" || len(room) > maxRoomName {
		return ErrInvalidPayload
	}
	if isPersonalRoom(room) {
		if uid := c.UserID(); uid != 0 && room == PersonalRoom(uid) {
			return nil
		}
		return ErrReservedRoom
	}
	if rest, ok := strings.CutPrefix(room, "group-"); ok {
		groupID, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || groupID <= 0 {
			return ErrInvalidPayload
		}
		uid := c.UserID()
		if uid == 0 {
			return ErrNotJoined
		}
		member, err := h.groups.IsMember(ctx, groupID, uid)
		if err != nil {
			return err
		}
		if !member {
			return ErrNotGroupMember
		}
	}
	h.rooms.Join(c, room)
	return nil
}
