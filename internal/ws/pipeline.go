package ws

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/metrics"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/repository"
	"github.com/chatcore/internal/storage"
)

const (
	maxContentRunes     = 4000
	maxClientMessageID  = 128
	pushPreviewRunes    = 120
	pushDeliveryTimeout = 15 * time.Second
)

// Pipeline validates, persists and fans out chat payloads. Every send moves through
// received -> validated -> (blocked | persisted) -> acknowledged -> fanned out.
type Pipeline struct {
	registry *Registry
	rooms    *Rooms
	gate     *Gate
	stores   Stores
	push     PushNotifier

	idempotencyTTL time.Duration
	now            func() time.Time
	log            zerolog.Logger
}

func NewPipeline(registry *Registry, rooms *Rooms, gate *Gate, stores Stores, push PushNotifier, idempotencyTTL time.Duration) *Pipeline {
	return &Pipeline{
		registry:       registry,
		rooms:          rooms,
		gate:           gate,
		stores:         stores,
		push:           push,
		idempotencyTTL: idempotencyTTL,
		now:            time.Now,
		log:            logger.With("pipeline"),
	}
}

// authorize checks that the identity claimed in a payload is the one the connection joined as.
func authorize(c *Client, claimed int64) error {
	joined := c.UserID()
	if joined == 0 {
		return ErrNotJoined
	}
	if claimed != joined {
		return ErrIdentityMismatch
	}
	return nil
}

func kindForEvent(t EventType) model.MessageKind {
	switch t {
	case EventSendSticker:
		return model.MessageKindSticker
	case EventSendFileMessage:
		return model.MessageKindFile
	default:
		return model.MessageKindText
	}
}

// validateSend checks a send payload; failures are dropped without an ack.
func validateSend(kind model.MessageKind, req *SendPayload) error {
	if req.SenderID <= 0 || req.ReceiverID < 0 || req.GroupID < 0 {
		return ErrInvalidPayload
	}
	if (req.ReceiverID > 0) == (req.GroupID > 0) {
		return ErrInvalidPayload
	}
	if len(req.ClientMessageID) > maxClientMessageID {
		return ErrInvalidPayload
	}
	switch kind {
	case model.MessageKindText:
		if strings.TrimSpace(req.Content) == "" {
			return ErrInvalidPayload
		}
	case model.MessageKindSticker:
		if strings.TrimSpace(req.StickerURL) == "" {
			return ErrInvalidPayload
		}
	case model.MessageKindFile:
		if strings.TrimSpace(req.FileURL) == "" || req.FileSize < 0 {
			return ErrInvalidPayload
		}
	default:
		return ErrInvalidPayload
	}
	if utf8.RuneCountInString(req.Content) > maxContentRunes {
		return ErrInvalidPayload
	}
	return nil
}

func buildMessage(kind model.MessageKind, req SendPayload) *model.Message {
	m := &model.Message{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Kind:       kind,
		Content:    req.Content,
		Status:     model.MessageStatusSent,
	}
	switch kind {
	case model.MessageKindText:
		if req.ReplyToID > 0 {
			id := req.ReplyToID
			m.ReplyToID = &id
		}
		if req.ForwardFromID > 0 {
			id := req.ForwardFromID
			m.ForwardFromID = &id
		}
	case model.MessageKindSticker:
		m.StickerID = req.StickerID
		m.StickerURL = req.StickerURL
		if m.Content == "" {
			m.Content = req.StickerURL
		}
	case model.MessageKindFile:
		// "+" часто приходит вместо пробела (URL-кодирование)
		m.FileName = strings.TrimSpace(strings.ReplaceAll(req.FileName, "+", " "))
		m.FileURL = req.FileURL
		m.FileSize = req.FileSize
		m.FileType = req.FileType
		if m.Content == "" {
			m.Content = m.FileName
		}
	}
	return m
}

func (p *Pipeline) ack(c *Client, a AckPayload) {
	metrics.Acks.WithLabelValues(string(a.Status)).Inc()
	c.trySend(OutgoingMessage{Type: EventMessageSentAck, Payload: a})
}

// Send runs one send request. Blocked sends and duplicates are answered here; any
// returned error is reported by the hub.
func (p *Pipeline) Send(ctx context.Context, c *Client, kind model.MessageKind, req SendPayload) error {
	defer logger.DeferLogDuration("ws.Send", time.Now())()
	if err := validateSend(kind, &req); err != nil {
		return err
	}
	if err := authorize(c, req.SenderID); err != nil {
		return err
	}
	log := p.log.With().Int64("sender_id", req.SenderID).Str("client_message_id", req.ClientMessageID).Logger()
	msg := buildMessage(kind, req)

	if req.GroupID > 0 {
		member, err := p.stores.Groups.IsMember(ctx, req.GroupID, req.SenderID)
		if err != nil {
			return fmt.Errorf("check membership group=%d: %w", req.GroupID, err)
		}
		if !member {
			return ErrNotGroupMember
		}
		group, err := p.stores.Groups.GetByID(ctx, req.GroupID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrGroupNotFound
		}
		if err != nil {
			return fmt.Errorf("load group=%d: %w", req.GroupID, err)
		}
		gid := group.ID
		msg.GroupID = &gid
		// schema placeholder, not a delivery target
		msg.ReceiverID = group.OwnerID
	} else {
		state, err := p.gate.BlockState(ctx, req.SenderID, req.ReceiverID)
		if err != nil {
			return fmt.Errorf("block check %d->%d: %w", req.SenderID, req.ReceiverID, err)
		}
		if state.Blocked() {
			log.Info().Int64("receiver_id", req.ReceiverID).Msg("send blocked")
			p.ack(c, AckPayload{
				ClientMessageID:   req.ClientMessageID,
				Status:            AckBlocked,
				BlockedByReceiver: state.BlockedByReceiver,
				BlockedReceiver:   state.BlockedReceiver,
				Reason:            state.Reason(),
			})
			return nil
		}
	}

	claimed := false
	if req.ClientMessageID != "" && p.stores.Idempotency != nil {
		existing, ok, err := p.stores.Idempotency.ClaimClientMessage(ctx, req.SenderID, req.ClientMessageID, p.idempotencyTTL)
		switch {
		case errors.Is(err, storage.ErrInFlight):
			return ErrDuplicateInFlight
		case err != nil:
			// best-effort: a broken idempotency store must not block sending
			log.Error().Err(err).Msg("idempotency claim")
		case !ok:
			log.Info().Int64("message_id", existing).Msg("duplicate send acknowledged")
			p.ack(c, AckPayload{ClientMessageID: req.ClientMessageID, MessageID: existing, Status: AckSent, Duplicate: true})
			return nil
		default:
			claimed = true
		}
	}

	if err := p.stores.Messages.Create(ctx, msg); err != nil {
		if claimed {
			p.release(req.SenderID, req.ClientMessageID)
		}
		return fmt.Errorf("persist message: %w", err)
	}
	metrics.MessagesPersisted.WithLabelValues(string(kind)).Inc()
	if claimed {
		if err := p.stores.Idempotency.CompleteClientMessage(ctx, req.SenderID, req.ClientMessageID, msg.ID, p.idempotencyTTL); err != nil {
			log.Error().Err(err).Int64("message_id", msg.ID).Msg("idempotency complete")
		}
	}

	p.ack(c, AckPayload{ClientMessageID: req.ClientMessageID, MessageID: msg.ID, Status: AckSent, Timestamp: msg.Timestamp})
	log.Info().Int64("message_id", msg.ID).Str("kind", string(kind)).Msg("message sent")

	echo := p.echo(ctx, msg, req.ClientMessageID)
	p.fanOut(ctx, echo)
	return nil
}

func (p *Pipeline) release(senderID int64, cid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.stores.Idempotency.ReleaseClientMessage(ctx, senderID, cid); err != nil {
		p.log.Error().Err(err).Int64("sender_id", senderID).Str("client_message_id", cid).Msg("idempotency release")
	}
}

// echo enriches the persisted message with the sender's profile as of now.
func (p *Pipeline) echo(ctx context.Context, m *model.Message, cid string) MessageEvent {
	ev := MessageEvent{Message: *m, ClientMessageID: cid}
	sender, err := p.stores.Users.GetByID(ctx, m.SenderID)
	if err != nil {
		p.log.Error().Err(err).Int64("user_id", m.SenderID).Msg("load sender profile")
		return ev
	}
	ev.SenderName = sender.Name()
	ev.SenderAvatar = sender.AvatarURL
	return ev
}

// fanOut delivers receive_message: 1:1 to the receiver's room, group to every member's
// room with the roster loaded now. Receivers with no live session get a push.
func (p *Pipeline) fanOut(ctx context.Context, ev MessageEvent) {
	var targets []int64
	if ev.IsGroup() {
		ids, err := p.stores.Groups.GetMemberIDs(ctx, *ev.GroupID)
		if err != nil {
			p.log.Error().Err(err).Int64("group_id", *ev.GroupID).Int64("message_id", ev.ID).Msg("fan-out roster")
			return
		}
		targets = ids
	} else {
		targets = []int64{ev.ReceiverID}
	}

	var offline []int64
	for _, uid := range targets {
		p.rooms.EmitToUser(uid, EventReceiveMessage, ev)
		if uid != ev.SenderID && !p.registry.Online(uid) {
			offline = append(offline, uid)
		}
	}
	p.notifyOffline(offline, ev)
}

func (p *Pipeline) notifyOffline(userIDs []int64, ev MessageEvent) {
	if p.push == nil || len(userIDs) == 0 {
		return
	}
	title := ev.SenderName
	if title == "" {
		title = "Новое сообщение"
	}
	body := ev.Content
	if ev.Kind != model.MessageKindText || body == "" {
		body = "Вложение"
	}
	if utf8.RuneCountInString(body) > pushPreviewRunes {
		body = string([]rune(body)[:pushPreviewRunes-3]) + "..."
	}
	data := map[string]string{
		"message_id": strconv.FormatInt(ev.ID, 10),
		"sender_id":  strconv.FormatInt(ev.SenderID, 10),
	}
	if ev.GroupID != nil {
		data["group_id"] = strconv.FormatInt(*ev.GroupID, 10)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pushDeliveryTimeout)
		defer cancel()
		for _, uid := range userIDs {
			p.push.Notify(ctx, uid, title, body, data)
		}
	}()
}

// participants is everyone who should see changes to m: the group roster loaded now,
// or the sender/receiver pair.
func (p *Pipeline) participants(ctx context.Context, m *model.Message) ([]int64, error) {
	if m.IsGroup() {
		return p.stores.Groups.GetMemberIDs(ctx, *m.GroupID)
	}
	if m.SenderID == m.ReceiverID {
		return []int64{m.SenderID}, nil
	}
	return []int64{m.SenderID, m.ReceiverID}, nil
}

func (p *Pipeline) emitToParticipants(ctx context.Context, m *model.Message, event EventType, payload any) {
	ids, err := p.participants(ctx, m)
	if err != nil {
		p.log.Error().Err(err).Int64("message_id", m.ID).Str("event", string(event)).Msg("load participants")
		return
	}
	for _, uid := range ids {
		p.rooms.EmitToUser(uid, event, payload)
	}
}

// ownMessage loads a message that actorID is allowed to mutate.
func (p *Pipeline) ownMessage(ctx context.Context, messageID, actorID int64) (*model.Message, error) {
	m, err := p.stores.Messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, notFoundAs(err, ErrMessageNotFound, "load message=%d", messageID)
	}
	if m.SenderID != actorID {
		return nil, ErrNotMessageSender
	}
	return m, nil
}

// Edit replaces the content of the actor's own message and re-broadcasts it.
func (p *Pipeline) Edit(ctx context.Context, c *Client, req EditRequest) error {
	content := strings.TrimSpace(req.NewContent)
	if req.MessageID <= 0 || req.UserID <= 0 || content == "" || utf8.RuneCountInString(content) > maxContentRunes {
		return ErrInvalidPayload
	}
	if err := authorize(c, req.UserID); err != nil {
		return err
	}
	m, err := p.ownMessage(ctx, req.MessageID, req.UserID)
	if err != nil {
		return err
	}
	at := p.now().UTC()
	if err := p.stores.Messages.UpdateContent(ctx, m.ID, content, at); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("edit message=%d: %w", m.ID, err)
	}
	p.log.Info().Int64("message_id", m.ID).Int64("user_id", req.UserID).Msg("message edited")
	p.emitToParticipants(ctx, m, EventMessageEdited, MessageEditedPayload{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		GroupID:    m.GroupID,
		Content:    content,
		Timestamp:  at,
	})
	return nil
}

// Recall hard-deletes the actor's own message and tells the same participants as Edit.
func (p *Pipeline) Recall(ctx context.Context, c *Client, req RecallRequest) error {
	if req.MessageID <= 0 || req.UserID <= 0 {
		return ErrInvalidPayload
	}
	if err := authorize(c, req.UserID); err != nil {
		return err
	}
	m, err := p.ownMessage(ctx, req.MessageID, req.UserID)
	if err != nil {
		return err
	}
	if err := p.stores.Messages.Delete(ctx, m.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("recall message=%d: %w", m.ID, err)
	}
	p.log.Info().Int64("message_id", m.ID).Int64("user_id", req.UserID).Msg("message recalled")
	p.emitToParticipants(ctx, m, EventMessageRecalled, MessageRecalledPayload{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		GroupID:    m.GroupID,
	})
	return nil
}

// Typing re-emits the indicator to the receiver's room. Nothing is stored.
func (p *Pipeline) Typing(c *Client, req TypingRequest) error {
	if req.SenderID <= 0 || req.ReceiverID <= 0 {
		return ErrInvalidPayload
	}
	if err := authorize(c, req.SenderID); err != nil {
		return err
	}
	p.rooms.EmitToUser(req.ReceiverID, EventUserTyping, UserTypingPayload{SenderID: req.SenderID, IsTyping: req.IsTyping})
	return nil
}
