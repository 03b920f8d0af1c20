// Package events bridges moderation actions applied by the admin
// service into the live connection table. Actions arrive on a kafka
// topic; bans force-close the target's connection, bot-roster changes
// invalidate the bot-id cache.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"
)

const (
	KindBan        = "ban"
	KindMute       = "mute"
	KindUnmute     = "unmute"
	KindReloadBots = "reload_bots"

	backoffMinInterval = 1 * time.Second
	backoffMaxInterval = 60 * time.Second
	backoffMultiplier  = 1.5

	kafkaReadTimeout = 10 * time.Second
)

// ModEvent is the kafka message value.
type ModEvent struct {
	Kind string `json:"kind"`
	UID  int64  `json:"uid,omitempty"`
}

// KafkaReader is the subset of kafka.Reader the consumer needs.
type KafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// LiveSessions is the hub surface the consumer acts on.
type LiveSessions interface {
	KickBanned(uid int64) bool
	ReloadBots()
}

// Consumer fetches moderation events, applies them, then commits.
// An uncommitted message is re-fetched after a restart; applying the
// same moderation action twice is harmless.
type Consumer struct {
	reader KafkaReader
	live   LiveSessions
}

func NewConsumer(reader KafkaReader, live LiveSessions) *Consumer {
	return &Consumer{reader: reader, live: live}
}

// NewReader builds the kafka reader the way the server configures it.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   topic,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaReadTimeout,
			DualStack: true,
		},
	})
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = backoffMinInterval
		return
	}
	*d = time.Duration(float64(*d) * backoffMultiplier)
	if *d > backoffMaxInterval {
		*d = backoffMaxInterval
	}
}

// Run consumes until ctx is cancelled, then closes the reader and
// signals stopDoneNotifyC.
func (c *Consumer) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	glog.Info("moderation consumer: enter")
	defer func() {
		_ = c.reader.Close()
		glog.Info("moderation consumer: exited")
		stopDoneNotifyC <- struct{}{}
	}()

	var sleep time.Duration

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			glog.Errorf("moderation consumer: fetch err: %v", err)
			backoff(&sleep)
			select {
			case <-time.After(sleep):
				continue
			case <-ctx.Done():
				return
			}
		}
		sleep = 0

		c.apply(&msg)

		for {
			if err := c.reader.CommitMessages(ctx, msg); err == nil {
				sleep = 0
				break
			} else {
				if ctx.Err() != nil {
					return
				}
				// Uncommitted messages come back on the next fetch;
				// apply() is idempotent so that is fine.
				glog.Errorf("moderation consumer: commit err: %v", err)
				backoff(&sleep)
				select {
				case <-time.After(sleep):
					continue
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (c *Consumer) apply(msg *kafka.Message) {
	var ev ModEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		glog.Errorf("moderation consumer: bad event at offset %d: %v", msg.Offset, err)
		return
	}

	glog.V(5).Infof("moderation consumer: apply %s uid=%d", ev.Kind, ev.UID)

	switch ev.Kind {
	case KindBan:
		if c.live.KickBanned(ev.UID) {
			glog.Infof("moderation consumer: kicked banned user %d", ev.UID)
		}
	case KindMute, KindUnmute:
		// Mute state lives in the store and is re-read per message by
		// the pipeline; nothing to do on the live table.
		glog.Infof("moderation consumer: %s user %d", ev.Kind, ev.UID)
	case KindReloadBots:
		c.live.ReloadBots()
	default:
		glog.Errorf("moderation consumer: unknown event kind %q at offset %d", ev.Kind, msg.Offset)
	}
}
