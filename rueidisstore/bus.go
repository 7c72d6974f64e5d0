package rueidisstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/rueidis"

	"github.com/dcbickfo/regencache"
)

// Bus implements regencache.FanOutBus over Redis pub/sub. Redis delivers
// each published message to every current subscriber and keeps nothing, which
// is exactly the non-durable fan-out contract.
type Bus struct {
	client rueidis.Client
	logger regencache.Logger
}

// NewBus creates a Bus on the given client. A nil logger defaults to
// slog.Default().
func NewBus(client rueidis.Client, logger regencache.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, logger: logger}
}

// Subscribe registers handler on a dedicated pub/sub connection. It returns
// after the server confirms the subscription, so a message published
// afterwards by any node is delivered.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler func(payload string)) (func(), error) {
	dedicated, cancel := b.client.Dedicate()

	wait := dedicated.SetPubSubHooks(rueidis.PubSubHooks{
		OnMessage: func(msg rueidis.PubSubMessage) {
			if msg.Channel == topic {
				handler(msg.Message)
			}
		},
	})
	if err := dedicated.Do(ctx, dedicated.B().Subscribe().Channel(topic).Build()).Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %q: %w", topic, err)
	}

	go func() {
		// The hook channel yields when the dedicated connection closes; an
		// error here after cancel() is the expected shutdown path.
		if err := <-wait; err != nil {
			b.logger.Debug("pub/sub connection closed", "topic", topic, "error", err)
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// Publish delivers payload to every current subscriber of topic.
func (b *Bus) Publish(ctx context.Context, topic, payload string) error {
	if err := b.client.Do(ctx, b.client.B().Publish().Channel(topic).Message(payload).Build()).Error(); err != nil {
		return fmt.Errorf("publish to %q: %w", topic, err)
	}
	return nil
}
