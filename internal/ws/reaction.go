package ws

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxReactionRunes = 32

// React records a reaction and re-broadcasts the aggregate to the conversation.
// Repeating an identical (message, user, reaction) is a no-op.
func (p *Pipeline) React(ctx context.Context, c *Client, req ReactionRequest) error {
	reaction := strings.TrimSpace(req.Reaction)
	if req.MessageID <= 0 || req.UserID <= 0 || reaction == "" || utf8.RuneCountInString(reaction) > maxReactionRunes {
		return ErrInvalidPayload
	}
	if err := authorize(c, req.UserID); err != nil {
		return err
	}

	m, err := p.stores.Messages.GetByID(ctx, req.MessageID)
	if err != nil {
		return notFoundAs(err, ErrMessageNotFound, "load message=%d", req.MessageID)
	}
	if m.IsGroup() {
		member, err := p.stores.Groups.IsMember(ctx, *m.GroupID, req.UserID)
		if err != nil {
			return fmt.Errorf("check membership group=%d: %w", *m.GroupID, err)
		}
		if !member {
			return ErrNotParticipant
		}
	} else if req.UserID != m.SenderID && req.UserID != m.ReceiverID {
		return ErrNotParticipant
	}

	inserted, err := p.stores.Reactions.Add(ctx, m.ID, req.UserID, reaction)
	if err != nil {
		return fmt.Errorf("add reaction message=%d: %w", m.ID, err)
	}
	if !inserted {
		return nil
	}
	summary, err := p.stores.Reactions.Aggregate(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("aggregate reactions message=%d: %w", m.ID, err)
	}
	p.emitToParticipants(ctx, m, EventMessageReaction, ReactionPayload{
		MessageID: m.ID,
		UserID:    req.UserID,
		Reaction:  reaction,
		Reactions: summary,
	})
	return nil
}
