package events

import (
	"context"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

// scriptReader feeds a fixed message sequence, then cancels the run
// context so Run returns.
type scriptReader struct {
	msgs    []kafka.Message
	next    int
	cancel  context.CancelFunc
	commits []int64
	closed  bool
}

func (r *scriptReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.next >= len(r.msgs) {
		r.cancel()
		return kafka.Message{}, context.Canceled
	}
	m := r.msgs[r.next]
	r.next++
	return m, nil
}

func (r *scriptReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.commits = append(r.commits, m.Offset)
	}
	return nil
}

func (r *scriptReader) Close() error {
	r.closed = true
	return nil
}

type fakeLive struct {
	kicked  []int64
	reloads int
	online  bool
}

func (l *fakeLive) KickBanned(uid int64) bool {
	l.kicked = append(l.kicked, uid)
	return l.online
}

func (l *fakeLive) ReloadBots() {
	l.reloads++
}

func TestConsumerRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &scriptReader{
		cancel: cancel,
		msgs: []kafka.Message{
			{Offset: 1, Value: []byte(`{"kind":"ban","uid":4}`)},
			{Offset: 2, Value: []byte(`not json`)},
			{Offset: 3, Value: []byte(`{"kind":"mute","uid":5}`)},
			{Offset: 4, Value: []byte(`{"kind":"reload_bots"}`)},
			{Offset: 5, Value: []byte(`{"kind":"promote","uid":6}`)},
		},
	}
	live := &fakeLive{online: true}

	doneC := make(chan struct{}, 1)
	go NewConsumer(reader, live).Run(ctx, doneC)

	select {
	case <-doneC:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	// Every message is committed, including the malformed and the
	// unknown-kind ones: skipping them is final.
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, reader.commits)
	assert.Equal(t, []int64{4}, live.kicked)
	assert.Equal(t, 1, live.reloads)
	assert.True(t, reader.closed)
}

func TestConsumerApplyBanOffline(t *testing.T) {
	live := &fakeLive{online: false}
	c := NewConsumer(nil, live)

	c.apply(&kafka.Message{Offset: 1, Value: []byte(`{"kind":"ban","uid":9}`)})
	assert.Equal(t, []int64{9}, live.kicked)
}

func TestBackoff(t *testing.T) {
	var d time.Duration

	backoff(&d)
	assert.Equal(t, backoffMinInterval, d)

	backoff(&d)
	assert.Equal(t, time.Duration(float64(backoffMinInterval)*backoffMultiplier), d)

	for i := 0; i < 20; i++ {
		backoff(&d)
	}
	assert.Equal(t, backoffMaxInterval, d)
}
