package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/chatcore/internal/repository"
	"github.com/chatcore/internal/storage"
)

// Category groups errors by how they are reported back to the caller.
type Category string

const (
	CategoryValidation    Category = "validation"
	CategoryAuthorization Category = "authorization"
	CategoryRelationship  Category = "relationship"
	CategoryNotFound      Category = "not_found"
	CategoryPersistence   Category = "persistence"
	CategoryInternal      Category = "internal"
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrRateLimited    = errors.New("too many events")
	ErrUnknownEvent   = errors.New("unknown event type")

	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotJoined         = errors.New("connection has not joined")
	ErrIdentityMismatch  = errors.New("identity does not match connection")
	ErrReservedRoom      = errors.New("room name is reserved")
	ErrNotGroupMember    = errors.New("not a member of the group")
	ErrNotMessageSender  = errors.New("only the sender can modify this message")
	ErrNotParticipant    = errors.New("not a participant of the conversation")
	ErrNotRequestTarget  = errors.New("only the request target can respond")
	ErrDuplicateInFlight = errors.New("message with this client_message_id is being processed")

	ErrBlocked            = errors.New("blocked")
	ErrRelationExists     = errors.New("relationship already exists")
	ErrRelationNotFound   = errors.New("friend request not found")
	ErrRelationNotPending = errors.New("friend request is not pending")
	ErrSelfRelation       = errors.New("cannot target yourself")

	ErrUserNotFound    = errors.New("user not found")
	ErrGroupNotFound   = errors.New("group not found")
	ErrMessageNotFound = errors.New("message not found")

	ErrUnknownAction = errors.New("unrecognized action")
	ErrInternal      = errors.New("internal server error")
)

var categories = []struct {
	cat  Category
	errs []error
}{
	{CategoryValidation, []error{ErrInvalidPayload, ErrRateLimited, ErrUnknownEvent, ErrUnknownAction}},
	{CategoryAuthorization, []error{
		ErrUnauthorized, ErrNotJoined, ErrIdentityMismatch, ErrReservedRoom, ErrNotGroupMember,
		ErrNotMessageSender, ErrNotParticipant, ErrNotRequestTarget,
	}},
	{CategoryRelationship, []error{
		ErrBlocked, ErrRelationExists, ErrRelationNotFound, ErrRelationNotPending, ErrSelfRelation,
		ErrDuplicateInFlight, storage.ErrInFlight,
	}},
	{CategoryNotFound, []error{ErrUserNotFound, ErrGroupNotFound, ErrMessageNotFound}},
	{CategoryInternal, []error{ErrInternal}},
}

// classify maps err to its category; anything unrecognised is a persistence failure.
func classify(err error) Category {
	for _, c := range categories {
		for _, e := range c.errs {
			if errors.Is(err, e) {
				return c.cat
			}
		}
	}
	return CategoryPersistence
}

// publicMessage is the text shown to the caller. Store failures never leak details.
func publicMessage(err error) string {
	switch classify(err) {
	case CategoryPersistence:
		if errors.Is(err, context.DeadlineExceeded) {
			return "storage timeout"
		}
		return "storage unavailable"
	case CategoryInternal:
		return ErrInternal.Error()
	default:
		return err.Error()
	}
}

// notFoundAs maps repository.ErrNotFound to target and wraps anything else.
func notFoundAs(err, target error, format string, args ...any) error {
	if errors.Is(err, repository.ErrNotFound) {
		return target
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
