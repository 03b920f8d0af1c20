// Package policy decides whether a sender may message a recipient
// right now, given the sender's moderation state.
package policy

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/doed/messenger/store"
)

// Decision is the outcome of a send-time policy check.
type Decision struct {
	Allowed bool

	// Banned marks a terminal denial: the caller must close the
	// sender's connection.
	Banned bool

	// MutedMinutesLeft is set on a mute denial, rounded down.
	MutedMinutesLeft int
}

// Engine evaluates send-time moderation rules. Evaluation has one side
// effect: a lapsed mute is cleared in the store before the same call
// returns Allowed.
type Engine struct {
	store store.IStore
	bots  *BotCache
}

func NewEngine(s store.IStore, bots *BotCache) *Engine {
	return &Engine{store: s, bots: bots}
}

// CheckSender evaluates sender against receiverID. Rules in order:
// banned is terminal; an active mute denies unless the receiver is a
// bot; a lapsed mute is cleared and allowed.
func (e *Engine) CheckSender(ctx context.Context, sender *store.User, receiverID int64) (Decision, error) {
	if sender.Status == store.StatusBanned {
		return Decision{Banned: true}, nil
	}

	if !sender.BotsOnly {
		return Decision{Allowed: true}, nil
	}

	if sender.MutedUntil != nil && sender.MutedUntil.Before(time.Now()) {
		// The store re-checks under lock, so two connections racing
		// here clear the mute once.
		cleared, err := e.store.ClearExpiredMute(ctx, sender.ID)
		if err != nil {
			return Decision{}, err
		}
		if cleared {
			glog.Infof("mute expired for user %d (%s)", sender.ID, sender.Username)
		}
		sender.BotsOnly = false
		sender.MutedUntil = nil
		sender.Status = store.StatusOnline
		return Decision{Allowed: true}, nil
	}

	// Mute still in effect: bots are exempt recipients.
	isBot, err := e.bots.Contains(ctx, receiverID)
	if err != nil {
		return Decision{}, err
	}
	if isBot {
		return Decision{Allowed: true}, nil
	}

	var minutes int
	if sender.MutedUntil != nil {
		minutes = int(time.Until(*sender.MutedUntil).Minutes())
	}
	return Decision{MutedMinutesLeft: minutes}, nil
}
