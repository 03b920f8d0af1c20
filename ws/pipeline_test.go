package ws

import (
	"context"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/doed/messenger/policy"
	"github.com/doed/messenger/store"
	mock_store "github.com/doed/messenger/store/mock"
)

type fakeSession struct {
	user *store.User
	sent []*Envelope
}

func (s *fakeSession) User() *store.User { return s.user }

func (s *fakeSession) Send(env *Envelope) bool {
	s.sent = append(s.sent, env)
	return true
}

func (s *fakeSession) last(t *testing.T) *Envelope {
	t.Helper()
	if len(s.sent) == 0 {
		t.Fatal("no envelope sent")
	}
	return s.sent[len(s.sent)-1]
}

func newPipeline(t *testing.T) (*Pipeline, *mock_store.MockIStore, *Registry) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	st := mock_store.NewMockIStore(ctrl)
	bots := policy.NewBotCache(st)
	reg := NewRegistry()
	p := &Pipeline{
		store:    st,
		policy:   policy.NewEngine(st, bots),
		bots:     bots,
		registry: reg,
	}
	return p, st, reg
}

func alice() *store.User {
	return &store.User{ID: 1, Username: "alice", Tag: "founder", Status: store.StatusOnline}
}

func bob() *store.User {
	return &store.User{ID: 2, Username: "bob", Status: store.StatusOnline}
}

func TestPipelineMalformedPayloadDropped(t *testing.T) {
	p, _, _ := newPipeline(t)
	sess := &fakeSession{user: alice()}

	// No store expectation set: any call would fail the test.
	assert.False(t, p.Handle(context.Background(), sess, []byte("{not json")))
	assert.False(t, p.Handle(context.Background(), sess, []byte(`{"receiver_id":2}`)))
	assert.False(t, p.Handle(context.Background(), sess, []byte(`{"content":"hi"}`)))
	assert.Empty(t, sess.sent)
}

func TestPipelineBannedSenderTerminates(t *testing.T) {
	p, st, _ := newPipeline(t)
	sess := &fakeSession{user: alice()}

	banned := alice()
	banned.Status = store.StatusBanned
	st.EXPECT().GetUser(gomock.Any(), int64(1)).Return(banned, nil)

	// No CreateMessage expectation: a banned sender persists nothing.
	terminate := p.Handle(context.Background(), sess, []byte(`{"receiver_id":2,"content":"hi"}`))
	assert.True(t, terminate)

	env := sess.last(t)
	assert.Equal(t, TypeBanned, env.Type)
	assert.Equal(t, "anvil", env.Sound)
	assert.Contains(t, env.Message, "banned permanently")
}

func TestPipelineBanAppliesMidSession(t *testing.T) {
	p, st, _ := newPipeline(t)

	// The session was authenticated while alice was in good standing;
	// the ban landed afterwards and must still take effect.
	sess := &fakeSession{user: alice()}

	fresh := alice()
	fresh.Status = store.StatusBanned
	st.EXPECT().GetUser(gomock.Any(), int64(1)).Return(fresh, nil)

	assert.True(t, p.Handle(context.Background(), sess, []byte(`{"receiver_id":2,"content":"hi"}`)))
}

func TestPipelineMutedSender(t *testing.T) {
	p, st, _ := newPipeline(t)
	sess := &fakeSession{user: alice()}

	until := time.Now().Add(9*time.Minute + 30*time.Second)
	muted := alice()
	muted.Status = store.StatusMuted
	muted.BotsOnly = true
	muted.MutedUntil = &until

	st.EXPECT().GetUser(gomock.Any(), int64(1)).Return(muted, nil)
	st.EXPECT().ListBotIDs(gomock.Any()).Return([]int64{3}, nil)

	assert.False(t, p.Handle(context.Background(), sess, []byte(`{"receiver_id":2,"content":"hi"}`)))

	env := sess.last(t)
	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, "You are muted and can only message bots. 9 min left.", env.Message)
}

func TestPipelineMutedSenderBotBypass(t *testing.T) {
	p, st, _ := newPipeline(t)
	sess := &fakeSession{user: alice()}

	until := time.Now().Add(30 * time.Minute)
	muted := alice()
	muted.Status = store.StatusMuted
	muted.BotsOnly = true
	muted.MutedUntil = &until

	helpbot := &store.User{ID: 3, Username: "helpbot", Status: store.StatusOnline, IsBot: true}
	m := &store.Message{ID: 10, SenderID: 1, ReceiverID: 3, Content: "hi", CreateTime: time.Now()}

	st.EXPECT().GetUser(gomock.Any(), int64(1)).Return(muted, nil)
	st.EXPECT().ListBotIDs(gomock.Any()).Return([]int64{3}, nil)
	st.EXPECT().GetUser(gomock.Any(), int64(3)).Return(helpbot, nil)
	// No EnsureContact: bots are never auto-added.
	st.EXPECT().CreateMessage(gomock.Any(), int64(1), int64(3), "hi").Return(m, nil)

	assert.False(t, p.Handle(context.Background(), sess, []byte(`{"receiver_id":3,"content":"hi"}`)))
	assert.Equal(t, TypeMessageSent, sess.last(t).Type)
}

func TestPipelineRecipientNotFound(t *testing.T) {
	p, st, _ := newPipeline(t)
	sess := &fakeSession{user: alice()}

	st.EXPECT().GetUser(gomock.Any(), int64(1)).Return(alice(), nil)
	st.EXPECT().GetUser(gomock.Any(), int64(99)).Return(nil, nil)

	assert.False(t, p.Handle(context.Background(), sess, []byte(`{"receiver_id":99,"content":"hi"}`)))

	env := sess.last(t)
	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, "Recipient not found", env.Message)
}

func TestPipelineRecipientBanned(t *testing.T) {
	p, st, _ := newPipeline(t)
	sess := &fakeSession{user: alice()}

	bannedBob := bob()
	bannedBob.Status = store.StatusBanned

	st.EXPECT().GetUser(gomock.Any(), int64(1)).Return(alice(), nil)
	st.EXPECT().GetUser(gomock.Any(), int64(2)).Return(bannedBob, nil)

	assert.False(t, p.Handle(context.Background(), sess, []byte(`{"receiver_id":2,"content":"hi"}`)))
	assert.Equal(t, "This user is unavailable", sess.last(t).Message)
}

func TestPipelineDeliverOnline(t *testing.T) {
	p, st, reg := newPipeline(t)
	sess := &fakeSession{user: alice()}

	created := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	m := &store.Message{ID: 7, SenderID: 1, ReceiverID: 2, Content: "hi bob", CreateTime: created}

	var persisted bool
	st.EXPECT().GetUser(gomock.Any(), int64(1)).Return(alice(), nil)
	st.EXPECT().GetUser(gomock.Any(), int64(2)).Return(bob(), nil)
	st.EXPECT().EnsureContact(gomock.Any(), int64(1), int64(2)).Return(true, nil)
	st.EXPECT().EnsureContact(gomock.Any(), int64(2), int64(1)).Return(true, nil)
	st.EXPECT().CreateMessage(gomock.Any(), int64(1), int64(2), "hi bob").
		DoAndReturn(func(context.Context, int64, int64, string) (*store.Message, error) {
			persisted = true
			return m, nil
		})

	receiver := &fakeSink{onSend: func(env *Envelope) {
		// The row must exist before the receiver hears about it.
		assert.True(t, persisted)
	}}
	reg.Register(2, "bob", receiver)

	assert.False(t, p.Handle(context.Background(), sess, []byte(`{"receiver_id":2,"content":"hi bob"}`)))

	assert.Len(t, receiver.sent, 1)
	got := receiver.sent[0]
	assert.Equal(t, TypeNewMessage, got.Type)
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, int64(1), got.SenderID)
	assert.Equal(t, "alice", got.SenderName)
	assert.Equal(t, "founder", got.SenderTag)
	assert.Equal(t, "hi bob", got.Content)
	assert.Equal(t, "2026-08-30T12:00:00Z", got.Timestamp)

	ack := sess.last(t)
	assert.Equal(t, TypeMessageSent, ack.Type)
	assert.Equal(t, int64(7), ack.ID)
	assert.Equal(t, int64(2), ack.ReceiverID)
	assert.Equal(t, "bob", ack.ReceiverName)
	assert.Equal(t, "hi bob", ack.Content)
}

func TestPipelineReceiverOffline(t *testing.T) {
	p, st, _ := newPipeline(t)
	sess := &fakeSession{user: alice()}

	m := &store.Message{ID: 8, SenderID: 1, ReceiverID: 2, Content: "hi", CreateTime: time.Now()}

	st.EXPECT().GetUser(gomock.Any(), int64(1)).Return(alice(), nil)
	st.EXPECT().GetUser(gomock.Any(), int64(2)).Return(bob(), nil)
	st.EXPECT().EnsureContact(gomock.Any(), int64(1), int64(2)).Return(false, nil)
	st.EXPECT().EnsureContact(gomock.Any(), int64(2), int64(1)).Return(false, nil)
	st.EXPECT().CreateMessage(gomock.Any(), int64(1), int64(2), "hi").Return(m, nil)

	// Nobody registered for uid 2: the sender still gets the ack, the
	// row waits for the next history fetch.
	assert.False(t, p.Handle(context.Background(), sess, []byte(`{"receiver_id":2,"content":"hi"}`)))
	assert.Equal(t, TypeMessageSent, sess.last(t).Type)
}

func TestPipelineSelfMessageSkipsContact(t *testing.T) {
	p, st, _ := newPipeline(t)
	sess := &fakeSession{user: alice()}

	m := &store.Message{ID: 9, SenderID: 1, ReceiverID: 1, Content: "note", CreateTime: time.Now()}

	st.EXPECT().GetUser(gomock.Any(), int64(1)).Return(alice(), nil).Times(2)
	st.EXPECT().CreateMessage(gomock.Any(), int64(1), int64(1), "note").Return(m, nil)

	assert.False(t, p.Handle(context.Background(), sess, []byte(`{"receiver_id":1,"content":"note"}`)))
	assert.Equal(t, TypeMessageSent, sess.last(t).Type)
}

func TestPipelinePersistFailure(t *testing.T) {
	p, st, reg := newPipeline(t)
	sess := &fakeSession{user: alice()}

	st.EXPECT().GetUser(gomock.Any(), int64(1)).Return(alice(), nil)
	st.EXPECT().GetUser(gomock.Any(), int64(2)).Return(bob(), nil)
	st.EXPECT().EnsureContact(gomock.Any(), int64(1), int64(2)).Return(false, nil)
	st.EXPECT().EnsureContact(gomock.Any(), int64(2), int64(1)).Return(false, nil)
	st.EXPECT().CreateMessage(gomock.Any(), int64(1), int64(2), "hi").
		Return(nil, assert.AnError)

	receiver := &fakeSink{}
	reg.Register(2, "bob", receiver)

	assert.False(t, p.Handle(context.Background(), sess, []byte(`{"receiver_id":2,"content":"hi"}`)))

	// Nothing reaches the receiver when the write failed.
	assert.Empty(t, receiver.sent)
	env := sess.last(t)
	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, "Message could not be saved, please try again", env.Message)
}
