// Package conversation is the messaging core: canonical conversation ids,
// the snapshot broker and the Service facade every caller goes through.
//
// # Identity
//
// DeriveID sorts two uids and joins them with "_", so both participants
// compute the same id without a lookup:
//
//	id, err := conversation.DeriveID("u2", "u1") // "u1_u2"
//
// Equal uids fail with ErrInvalidOperation; malformed uids with ErrValidation.
//
// # Service
//
//	svc := conversation.New(backend, backend, conversation.Options{Logger: logger})
//	defer svc.Close()
//
// Key operations, each taking the acting uid explicitly:
//
//   - GetOrCreateConversation(ctx, actor, other)
//   - SendMessage(ctx, SendRequest{...})
//   - MarkRead(ctx, actor, conversationID)
//   - SubscribeConversations(ctx, actor, handler)
//   - SubscribeMessages(ctx, actor, conversationID, handler)
//
// Writes are persisted first and published second. A failed write publishes
// nothing and is not retried.
//
// # Live Feeds
//
// Two brokers back the subscriptions: one keyed by uid carrying the user's
// full conversation list, one keyed by conversation id carrying the full
// message log. Handlers always receive complete snapshots. A slow handler
// only delays itself; intermediate states may be skipped but a handler never
// sees an older snapshot after a newer one.
//
// # Errors
//
//   - ErrValidation: empty text, malformed uid or id
//   - ErrInvalidOperation: messaging yourself, non-participant access
//   - ErrUnauthenticated: no acting user
//   - ErrConversationNotFound: unknown conversation id
//   - ErrStoreUnavailable: persistence failure or timeout (retryable)
//   - ErrNotificationUnavailable: broker closed (retryable)
//   - ErrDuplicateSend: same client message id still in flight
package conversation
