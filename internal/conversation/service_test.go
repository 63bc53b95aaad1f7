// ABOUTME: Tests for the messaging service facade
// ABOUTME: Covers get-or-create races, ordered sends, validation, live feeds, read markers and idempotency

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusfind/campusfind-messenger/internal/store"
)

// flakyStore fails AppendMessage while failAppends is set.
type flakyStore struct {
	*store.MemoryStore
	failAppends atomic.Bool
	appends     atomic.Int32
}

var errFlaky = errors.New("backend unreachable")

func (f *flakyStore) AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	f.appends.Add(1)
	if f.failAppends.Load() {
		return nil, errFlaky
	}
	return f.MemoryStore.AppendMessage(ctx, msg)
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	svc := New(mem, mem, Options{StoreTimeout: time.Second})
	t.Cleanup(svc.Close)
	return svc, mem
}

func TestService_GetOrCreateConversation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := t.Context()

	view, err := svc.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "u1_u2", view.ID)
	assert.Equal(t, []string{"u1", "u2"}, view.Participants)
	assert.Nil(t, view.LastMessage)
	assert.Equal(t, "u2", view.OtherUser.UID)

	again, err := svc.GetOrCreateConversation(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, view.ID, again.ID)
	assert.True(t, again.CreatedAt.Equal(view.CreatedAt))
	assert.Equal(t, "u1", again.OtherUser.UID)
}

func TestService_GetOrCreateConcurrentSingleRecord(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := t.Context()

	const callers = 32
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor, other := "alice", "bob"
			if i%2 == 1 {
				actor, other = other, actor
			}
			view, err := svc.GetOrCreateConversation(ctx, actor, other)
			assert.NoError(t, err)
			if view != nil {
				ids[i] = view.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, "alice_bob", id)
	}
	list, err := mem.ListConversationsForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestService_GetOrCreateRejections(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := t.Context()

	_, err := svc.GetOrCreateConversation(ctx, "", "u2")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = svc.GetOrCreateConversation(ctx, "u1", "u1")
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = svc.GetOrCreateConversation(ctx, "u1", "")
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.NotErrorIs(t, err, ErrValidation)

	_, err = svc.GetOrCreateConversation(ctx, "u1", "  ")
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = svc.GetOrCreateConversation(ctx, "u1", "bad uid")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_SendOrdersMessages(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := t.Context()

	conv, err := svc.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "u1", Text: "Hi"})
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "u2", Text: "There"})
	require.NoError(t, err)

	messages, err := svc.ListMessages(ctx, "u1", conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "Hi", messages[0].Text)
	assert.Equal(t, "u2", messages[0].RecipientID)
	assert.Equal(t, "There", messages[1].Text)
	assert.Equal(t, "u1", messages[1].RecipientID)
	assert.False(t, messages[1].Timestamp.Before(messages[0].Timestamp))

	got, err := svc.GetConversation(ctx, "u2", conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "There", got.LastMessage.Text)
}

func TestService_SendByRecipientCreatesConversation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := t.Context()

	msg, err := svc.SendMessage(ctx, SendRequest{SenderID: "u2", RecipientID: "u1", Text: "first contact"})
	require.NoError(t, err)
	assert.Equal(t, "u1_u2", msg.ConversationID)
	assert.Equal(t, int64(1), msg.Seq)
}

func TestService_SendRejectsEmptyText(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := t.Context()

	conv, err := svc.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	for _, text := range []string{"", "   ", "\n\t "} {
		_, err := svc.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "u1", Text: text})
		assert.ErrorIs(t, err, ErrValidation, "text %q", text)
	}

	messages, err := svc.ListMessages(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestService_SendTrimsAndLimitsText(t *testing.T) {
	mem := store.NewMemoryStore()
	svc := New(mem, nil, Options{MaxMessageLength: 5})
	defer svc.Close()
	ctx := t.Context()

	msg, err := svc.SendMessage(ctx, SendRequest{SenderID: "u1", RecipientID: "u2", Text: "  héllo \n"})
	require.NoError(t, err)
	assert.Equal(t, "héllo", msg.Text)

	_, err = svc.SendMessage(ctx, SendRequest{SenderID: "u1", RecipientID: "u2", Text: "too long"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_SendRejections(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := t.Context()

	conv, err := svc.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, SendRequest{ConversationID: conv.ID, Text: "anon"})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = svc.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "intruder", Text: "hi"})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = svc.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "u1", RecipientID: "u3", Text: "hi"})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = svc.SendMessage(ctx, SendRequest{SenderID: "u1", RecipientID: "u1", Text: "me"})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = svc.SendMessage(ctx, SendRequest{SenderID: "u1", Text: "nobody"})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = svc.SendMessage(ctx, SendRequest{ConversationID: "u1_u9", SenderID: "u1", Text: "ghost"})
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = svc.SendMessage(ctx, SendRequest{ConversationID: "not-an-id", SenderID: "u1", Text: "bad"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_NonParticipantAccess(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := t.Context()

	conv, err := svc.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	_, err = svc.ListMessages(ctx, "u3", conv.ID)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = svc.GetConversation(ctx, "u3", conv.ID)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = svc.MarkRead(ctx, "u3", conv.ID)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = svc.SubscribeMessages(ctx, "u3", conv.ID, func([]*store.Message, error) {})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestService_ConcurrentSendsAllObserved(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := t.Context()

	conv, err := svc.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	var mu sync.Mutex
	var lastSeqs []int64
	sub, err := svc.SubscribeConversations(ctx, "u2", func(views []ConversationView, err error) {
		if err != nil || len(views) == 0 || views[0].LastMessage == nil {
			return
		}
		mu.Lock()
		lastSeqs = append(lastSeqs, views[0].LastMessage.Seq)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Cancel()

	const senders = 20
	var wg sync.WaitGroup
	for i := range senders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "u1"
			if i%2 == 1 {
				sender = "u2"
			}
			_, err := svc.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: sender, Text: fmt.Sprintf("msg %d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	messages, err := svc.ListMessages(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Len(t, messages, senders)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lastSeqs) > 0 && lastSeqs[len(lastSeqs)-1] == senders
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(lastSeqs); i++ {
		assert.GreaterOrEqual(t, lastSeqs[i], lastSeqs[i-1], "lastMessage must never regress")
	}
}

func waitForViews(t *testing.T, ch <-chan delivery[[]ConversationView], pred func([]ConversationView) bool) []ConversationView {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case d := <-ch:
			if d.err == nil && pred(d.snapshot) {
				return d.snapshot
			}
		case <-deadline:
			t.Fatal("timed out waiting for conversation snapshot")
		}
	}
}

func TestService_ConversationFeedOnlyReachesParticipants(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := t.Context()

	conv, err := svc.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	handlerA, chA := recorder[[]ConversationView](64)
	subA, err := svc.SubscribeConversations(ctx, "alice", handlerA)
	require.NoError(t, err)
	defer subA.Cancel()

	handlerC, chC := recorder[[]ConversationView](64)
	subC, err := svc.SubscribeConversations(ctx, "carol", handlerC)
	require.NoError(t, err)
	defer subC.Cancel()

	initial := next(t, chC)
	require.NoError(t, initial.err)
	assert.Empty(t, initial.snapshot)

	_, err = svc.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "alice", Text: "ping"})
	require.NoError(t, err)

	views := waitForViews(t, chA, func(v []ConversationView) bool {
		return len(v) == 1 && v[0].LastMessage != nil
	})
	assert.Equal(t, "alice", views[0].LastMessage.SenderID)
	assert.Equal(t, 0, views[0].UnreadCount)

	assertQuiet(t, chC)
}

func TestService_MessageFeed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := t.Context()

	conv, err := svc.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	handler, ch := recorder[[]*store.Message](64)
	sub, err := svc.SubscribeMessages(ctx, "u2", conv.ID, handler)
	require.NoError(t, err)
	defer sub.Cancel()

	first := next(t, ch)
	require.NoError(t, first.err)
	assert.Empty(t, first.snapshot)

	_, err = svc.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "u1", Text: "Hi"})
	require.NoError(t, err)

	d := next(t, ch)
	require.NoError(t, d.err)
	require.Len(t, d.snapshot, 1)
	assert.Equal(t, "Hi", d.snapshot[0].Text)

	sub.Cancel()
	sub.Cancel()

	_, err = svc.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "u1", Text: "unseen"})
	require.NoError(t, err)
	assertQuiet(t, ch)
}

func TestService_MarkRead(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := t.Context()

	conv, err := svc.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "u1", Text: "one"})
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "u1", Text: "two"})
	require.NoError(t, err)

	before, err := svc.GetConversation(ctx, "u2", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, before.UnreadCount)

	changed, err := svc.MarkRead(ctx, "u2", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	after, err := svc.GetConversation(ctx, "u2", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, after.UnreadCount)
	assert.True(t, after.LastMessage.Read)
	assert.True(t, after.UpdatedAt.Equal(before.UpdatedAt))

	changed, err = svc.MarkRead(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
}

func TestService_ClientMessageIDIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := t.Context()

	req := SendRequest{SenderID: "u1", RecipientID: "u2", Text: "Is this yours?", ClientMessageID: "draft-1"}
	first, err := svc.SendMessage(ctx, req)
	require.NoError(t, err)
	second, err := svc.SendMessage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	messages, err := svc.ListMessages(ctx, "u1", first.ConversationID)
	require.NoError(t, err)
	assert.Len(t, messages, 1)

	req.ClientMessageID = "draft-2"
	third, err := svc.SendMessage(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestService_FailedSendLeavesNoStateAndReleasesKey(t *testing.T) {
	flaky := &flakyStore{MemoryStore: store.NewMemoryStore()}
	svc := New(flaky, flaky, Options{})
	defer svc.Close()
	ctx := t.Context()

	conv, err := svc.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	flaky.failAppends.Store(true)
	req := SendRequest{ConversationID: conv.ID, SenderID: "u1", Text: "retry me", ClientMessageID: "c-1"}
	_, err = svc.SendMessage(ctx, req)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, int32(1), flaky.appends.Load(), "service must not retry on its own")

	got, err := svc.GetConversation(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastMessage)

	flaky.failAppends.Store(false)
	msg, err := svc.SendMessage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "retry me", msg.Text)
}

// gatedStore blocks its first AppendMessage until release is closed.
type gatedStore struct {
	*store.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.MemoryStore.AppendMessage(ctx, msg)
}

func TestService_InFlightSendSurvivesDedupePressure(t *testing.T) {
	gated := &gatedStore{
		MemoryStore: store.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	svc := New(gated, gated, Options{StoreTimeout: 5 * time.Second, DedupeMaxEntries: 1})
	defer svc.Close()
	ctx := t.Context()

	conv, err := svc.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	slow := SendRequest{ConversationID: conv.ID, SenderID: "u1", Text: "first", ClientMessageID: "k1"}
	done := make(chan error, 1)
	go func() {
		_, err := svc.SendMessage(ctx, slow)
		done <- err
	}()
	<-gated.entered

	_, err = svc.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "u1", Text: "second", ClientMessageID: "k2"})
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, slow)
	assert.ErrorIs(t, err, ErrDuplicateSend)

	close(gated.release)
	require.NoError(t, <-done)

	messages, err := svc.ListMessages(ctx, "u1", conv.ID)
	require.NoError(t, err)
	copies := 0
	for _, m := range messages {
		if m.Text == "first" {
			copies++
		}
	}
	assert.Equal(t, 1, copies)
}

func TestService_ProfileEnrichment(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := t.Context()

	require.NoError(t, mem.UpsertProfile(ctx, &store.User{UID: "u2", DisplayName: "Finder", PhotoURL: "https://img/u2.png"}))

	view, err := svc.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "Finder", view.OtherUser.DisplayName)

	list, err := svc.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "https://img/u2.png", list[0].OtherUser.PhotoURL)

	// No profile for u1: view falls back to the bare uid.
	reverse, err := svc.GetConversation(ctx, "u2", view.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", reverse.OtherUser.UID)
	assert.Empty(t, reverse.OtherUser.DisplayName)
}

func TestService_SubscribeAfterClose(t *testing.T) {
	mem := store.NewMemoryStore()
	svc := New(mem, mem, Options{})
	svc.Close()

	_, err := svc.SubscribeConversations(t.Context(), "u1", func([]ConversationView, error) {})
	assert.ErrorIs(t, err, ErrNotificationUnavailable)

	_, err = svc.SubscribeConversations(t.Context(), "", func([]ConversationView, error) {})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestService_EndToEndFirstContact(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := t.Context()

	handler, ch := recorder[[]ConversationView](64)
	sub, err := svc.SubscribeConversations(ctx, "u2", handler)
	require.NoError(t, err)
	defer sub.Cancel()

	view, err := svc.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "u1_u2", view.ID)

	_, err = svc.SendMessage(ctx, SendRequest{ConversationID: view.ID, SenderID: "u1", Text: "Is this yours?"})
	require.NoError(t, err)

	views := waitForViews(t, ch, func(v []ConversationView) bool {
		return len(v) == 1 && v[0].LastMessage != nil && v[0].LastMessage.Text == "Is this yours?"
	})
	assert.False(t, views[0].LastMessage.Read)
	assert.Equal(t, 1, views[0].UnreadCount)
	assert.Equal(t, "u1", views[0].OtherUser.UID)

	list, err := mem.ListConversationsForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, strings.HasPrefix(list[0].ID, "u1_"))
}
