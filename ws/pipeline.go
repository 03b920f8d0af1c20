package ws

import (
	"context"
	"encoding/json"

	"github.com/golang/glog"

	"github.com/doed/messenger/policy"
	"github.com/doed/messenger/store"
)

// session is the pipeline's view of the sending connection.
type session interface {
	User() *store.User
	Send(env *Envelope) bool
}

// Pipeline processes inbound payloads for one connection at a time:
// validate, policy-check, persist, then deliver. The message row is
// written before any delivery attempt, so a crash between the two
// loses only the real-time nudge, never the message.
type Pipeline struct {
	store    store.IStore
	policy   *policy.Engine
	bots     *policy.BotCache
	registry *Registry
}

// Handle runs one inbound payload through the pipeline. It returns
// true when the session must terminate: the one case is a banned
// sender. Every other failure is answered with an error envelope (or
// silently skipped for malformed input) and the loop continues.
func (p *Pipeline) Handle(ctx context.Context, sess session, raw []byte) bool {
	var req ClientMsg
	if err := json.Unmarshal(raw, &req); err != nil {
		glog.V(5).Infof("pipeline: malformed payload dropped: %v", err)
		return false
	}
	if req.ReceiverID == 0 || req.Content == "" {
		return false
	}

	// Moderation state is mutated out of band by admin actions, so the
	// per-session identity is not trusted for it: read the row fresh.
	sender, err := p.store.GetUser(ctx, sess.User().ID)
	if err != nil {
		sess.Send(errorEnvelope("Temporary server error, please try again"))
		return false
	}
	if sender == nil {
		glog.Errorf("pipeline: sender %d no longer exists", sess.User().ID)
		return true
	}

	if sender.Status == store.StatusBanned {
		policyDenials.WithLabelValues("banned").Inc()
		sess.Send(bannedEnvelope())
		return true
	}

	dec, err := p.policy.CheckSender(ctx, sender, req.ReceiverID)
	if err != nil {
		sess.Send(errorEnvelope("Temporary server error, please try again"))
		return false
	}
	if dec.Banned {
		policyDenials.WithLabelValues("banned").Inc()
		sess.Send(bannedEnvelope())
		return true
	}
	if !dec.Allowed {
		policyDenials.WithLabelValues("muted").Inc()
		sess.Send(errorEnvelope("You are muted and can only message bots. %d min left.", dec.MutedMinutesLeft))
		return false
	}

	receiver, err := p.store.GetUser(ctx, req.ReceiverID)
	if err != nil {
		sess.Send(errorEnvelope("Temporary server error, please try again"))
		return false
	}
	if receiver == nil {
		sess.Send(errorEnvelope("Recipient not found"))
		return false
	}
	if receiver.Status == store.StatusBanned {
		policyDenials.WithLabelValues("recipient_banned").Inc()
		sess.Send(errorEnvelope("This user is unavailable"))
		return false
	}

	if !receiver.IsBot && receiver.ID != sender.ID {
		if err := p.autoContact(ctx, sender.ID, receiver.ID); err != nil {
			sess.Send(errorEnvelope("Temporary server error, please try again"))
			return false
		}
	}

	// Durability point: the row must exist before any delivery attempt.
	m, err := p.store.CreateMessage(ctx, sender.ID, receiver.ID, req.Content)
	if err != nil {
		persistFailures.Inc()
		glog.Errorf("pipeline: persist message err: %v", err)
		sess.Send(errorEnvelope("Message could not be saved, please try again"))
		return false
	}

	if p.registry.SendTo(receiver.ID, newMessageEnvelope(m, sender)) {
		messagesDelivered.Inc()
	} else {
		// Offline is not an error: the row stays queued for the next
		// history fetch.
		messagesOffline.Inc()
		glog.V(5).Infof("pipeline: user %d offline, message %d queued", receiver.ID, m.ID)
	}

	sess.Send(messageSentEnvelope(m, receiver))
	return false
}

// autoContact creates both directions of the contact edge if absent.
// Existing edges keep their custom name and favorite flag.
func (p *Pipeline) autoContact(ctx context.Context, senderID, receiverID int64) error {
	created, err := p.store.EnsureContact(ctx, senderID, receiverID)
	if err != nil {
		glog.Errorf("pipeline: ensure contact %d->%d err: %v", senderID, receiverID, err)
		return err
	}
	if created {
		glog.V(5).Infof("pipeline: auto-added contact %d -> %d", senderID, receiverID)
	}

	if _, err := p.store.EnsureContact(ctx, receiverID, senderID); err != nil {
		glog.Errorf("pipeline: ensure contact %d->%d err: %v", receiverID, senderID, err)
		return err
	}
	return nil
}
