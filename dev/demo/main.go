package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/doed/messenger/events"
)

// The demo producer mocks the admin service that publishes moderation
// actions to `kafka`.

const (
	kafkaTopic = "messenger-moderation"
)

var (
	kafkaEndpoints = flag.String("kafka-endpoints", "127.0.0.1:9092", "kafka endpoints, ',' delimitted.")
	tickerDuration = flag.Duration("ticker-duration", 30*time.Second, "ticker duration")
	targetUID      = flag.Int64("uid", 2, "user id to ban/mute")
)

func main() {
	flag.Parse()

	if len(*kafkaEndpoints) == 0 {
		panic("--kafka-endpoints is required.")
	}

	endpoints := strings.Split(*kafkaEndpoints, ",")

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  endpoints,
		Topic:    kafkaTopic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})

	ticker := time.NewTicker(*tickerDuration)
	defer func() {
		ticker.Stop()
	}()

	kinds := []string{events.KindMute, events.KindUnmute, events.KindBan, events.KindReloadBots}

	// kafka-topics.sh --bootstrap-server localhost:9092 --topic messenger-moderation --create
	// kafka-topics.sh --bootstrap-server localhost:9092 --topic messenger-moderation --delete

	var i int = 0
	for range ticker.C {
		evt := &events.ModEvent{
			Kind: kinds[i%len(kinds)],
			UID:  *targetUID,
		}

		value, err := json.Marshal(&evt)
		if err != nil {
			panic(err)
		}

		msg := kafka.Message{
			Key:   []byte(fmt.Sprintf("%d", i)),
			Value: value,
		}
		if err := w.WriteMessages(context.Background(), msg); err != nil {
			panic(err)
		}

		i++
	}
}
