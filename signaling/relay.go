package signaling

import (
	"context"
)

// RelayClient is a topic-scoped publish/subscribe transport over a public
// relay service.
type RelayClient interface {
	// Subscribe opens a subscription to topic. It returns only once the
	// subscription is live at the socket level, so a message published
	// after Subscribe returns is guaranteed to be delivered to it.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Publish sends blob to every current subscriber of topic.
	Publish(ctx context.Context, topic string, blob []byte) error
}

// Subscription is a live relay subscription.
type Subscription interface {
	// Messages delivers raw blobs in arrival order. The channel is closed
	// when the subscription ends for any reason.
	Messages() <-chan []byte

	// Unsubscribe ends the subscription. It is safe to call more than once.
	Unsubscribe() error
}

// PublishWithRetry publishes blob, retrying transient transport failures
// according to policy.
func PublishWithRetry(ctx context.Context, relay RelayClient, topic string, blob []byte, policy RetryPolicy) error {
	return policy.Do(ctx, func(ctx context.Context, attempt int) error {
		return relay.Publish(ctx, topic, blob)
	})
}
