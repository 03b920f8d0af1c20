package policy

import (
	"context"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/doed/messenger/store"
	mock_store "github.com/doed/messenger/store/mock"
)

func newEngine(t *testing.T) (*Engine, *mock_store.MockIStore) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	st := mock_store.NewMockIStore(ctrl)
	return NewEngine(st, NewBotCache(st)), st
}

func TestCheckSenderBanned(t *testing.T) {
	e, _ := newEngine(t)

	sender := &store.User{ID: 4, Username: "mallory", Status: store.StatusBanned}
	dec, err := e.CheckSender(context.Background(), sender, 2)
	assert.NoError(t, err)
	assert.True(t, dec.Banned)
	assert.False(t, dec.Allowed)
}

func TestCheckSenderClean(t *testing.T) {
	e, _ := newEngine(t)

	sender := &store.User{ID: 1, Username: "alice", Status: store.StatusOnline}
	dec, err := e.CheckSender(context.Background(), sender, 2)
	assert.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestCheckSenderMuteExpired(t *testing.T) {
	e, st := newEngine(t)

	past := time.Now().Add(-time.Minute)
	sender := &store.User{
		ID:         4,
		Username:   "mallory",
		Status:     store.StatusMuted,
		BotsOnly:   true,
		MutedUntil: &past,
	}

	st.EXPECT().ClearExpiredMute(gomock.Any(), int64(4)).Return(true, nil)

	dec, err := e.CheckSender(context.Background(), sender, 2)
	assert.NoError(t, err)
	assert.True(t, dec.Allowed)

	// The in-memory snapshot must agree with the store after clearing.
	assert.False(t, sender.BotsOnly)
	assert.Nil(t, sender.MutedUntil)
	assert.Equal(t, store.StatusOnline, sender.Status)
}

func TestCheckSenderMutedToHuman(t *testing.T) {
	e, st := newEngine(t)

	until := time.Now().Add(9*time.Minute + 30*time.Second)
	sender := &store.User{
		ID:         4,
		Username:   "mallory",
		Status:     store.StatusMuted,
		BotsOnly:   true,
		MutedUntil: &until,
	}

	st.EXPECT().ListBotIDs(gomock.Any()).Return([]int64{3}, nil)

	dec, err := e.CheckSender(context.Background(), sender, 2)
	assert.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.False(t, dec.Banned)
	assert.Equal(t, 9, dec.MutedMinutesLeft)
}

func TestCheckSenderMutedToBot(t *testing.T) {
	e, st := newEngine(t)

	until := time.Now().Add(30 * time.Minute)
	sender := &store.User{
		ID:         4,
		Username:   "mallory",
		Status:     store.StatusMuted,
		BotsOnly:   true,
		MutedUntil: &until,
	}

	st.EXPECT().ListBotIDs(gomock.Any()).Return([]int64{3}, nil)

	dec, err := e.CheckSender(context.Background(), sender, 3)
	assert.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestCheckSenderBotsOnlyNoDeadline(t *testing.T) {
	e, st := newEngine(t)

	// bots_only set by hand with no muted_until: a standing restriction,
	// never auto-cleared.
	sender := &store.User{ID: 5, Username: "spambot", Status: store.StatusOnline, BotsOnly: true}

	st.EXPECT().ListBotIDs(gomock.Any()).Return([]int64{3}, nil)

	dec, err := e.CheckSender(context.Background(), sender, 2)
	assert.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 0, dec.MutedMinutesLeft)
}
