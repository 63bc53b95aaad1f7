// ABOUTME: Error taxonomy surfaced by the messaging core
// ABOUTME: Callers classify failures with errors.Is against these sentinels

package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/campusfind/campusfind-messenger/internal/store"
)

var (
	// ErrValidation covers malformed input: empty text, bad identifiers.
	ErrValidation = errors.New("validation error")

	// ErrInvalidOperation covers requests that are well-formed but not
	// allowed, such as messaging oneself or touching someone else's thread.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrUnauthenticated is returned when no acting user is supplied.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrStoreUnavailable wraps persistence failures and timeouts. Retryable.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotificationUnavailable is returned when the broker cannot accept
	// subscriptions. Retryable.
	ErrNotificationUnavailable = errors.New("notification unavailable")

	// ErrConversationNotFound is returned for an unknown conversation id.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrDuplicateSend is returned when a send with the same client message
	// id is still in flight.
	ErrDuplicateSend = errors.New("duplicate send in progress")

	// ErrNotParticipant is the ErrInvalidOperation returned when the actor
	// does not take part in the conversation.
	ErrNotParticipant = fmt.Errorf("%w: not a participant", ErrInvalidOperation)
)

// storeError classifies err from the persistence layer.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrConversationNotFound)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
}
