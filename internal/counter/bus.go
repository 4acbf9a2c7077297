package counter

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"

	"github.com/aegis-edge/node/internal/replay"
	"github.com/aegis-edge/node/internal/signing"
)

// DeltaMessage is the wire shape from spec.md §4.10: "(actor_id, resource,
// slot_value, sent_at, signature)".
type DeltaMessage struct {
	ActorID   string    `json:"actor_id"`
	Resource  string    `json:"resource"`
	SlotValue uint64    `json:"slot_value"`
	SentAt    time.Time `json:"sent_at"`
	Nonce     string    `json:"nonce"`
	IssuerPK  string    `json:"issuer_pk"`
	Signature []byte    `json:"signature"`
}

func (d *DeltaMessage) fields() map[string]any {
	return map[string]any{
		"actor_id":   d.ActorID,
		"resource":   d.Resource,
		"slot_value": d.SlotValue,
		"sent_at":    d.SentAt.UTC().Format(time.RFC3339Nano),
		"nonce":      d.Nonce,
		"issuer_pk":  d.IssuerPK,
	}
}

// Bus publishes and receives signed counter deltas over Cloud Pub/Sub,
// grounded on the teacher's internal/events/pubsub_bus.go PubSubEventBus —
// generalized here from CloudEvents-wrapped domain events to the narrower,
// explicitly-signed DeltaMessage wire format spec.md §4.10 requires.
type Bus struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	selfPub  signing.PublicKey
	selfPriv signing.PrivateKey
	trusted  *signing.TrustedSet
	nonces   *replay.Cache

	windows map[string]*Window // resource -> window, registered by caller
}

// NewBus connects to (and creates if absent) a Pub/Sub topic/subscription
// pair for counter-delta distribution, mirroring
// internal/events/pubsub_bus.go's NewPubSubEventBus connect-or-create flow.
func NewBus(ctx context.Context, projectID, topicID, subID string, pub signing.PublicKey, priv signing.PrivateKey, trusted *signing.TrustedSet) (*Bus, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("counter bus: pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("counter bus: topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("counter bus: CreateTopic: %w", err)
		}
	}

	sub := client.Subscription(subID)
	subExists, err := sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("counter bus: sub.Exists: %w", err)
	}
	if !subExists {
		sub, err = client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("counter bus: CreateSubscription: %w", err)
		}
	}

	return &Bus{
		client:   client,
		topic:    topic,
		sub:      sub,
		selfPub:  pub,
		selfPriv: priv,
		trusted:  trusted,
		nonces:   replay.New(512, 10*time.Minute),
		windows:  make(map[string]*Window),
	}, nil
}

func (b *Bus) Close() error { return b.client.Close() }

// Register attaches a resource's local Window so incoming deltas merge
// into it automatically via Listen.
func (b *Bus) Register(resource string, w *Window) {
	b.windows[resource] = w
}

// PublishDelta signs and publishes this node's current slot value for a
// resource.
func (b *Bus) PublishDelta(ctx context.Context, resource string, slotValue uint64) error {
	d := &DeltaMessage{
		ActorID:   signing.Fingerprint(b.selfPub),
		Resource:  resource,
		SlotValue: slotValue,
		SentAt:    time.Now(),
		Nonce:     uuid.NewString(),
		IssuerPK:  hex.EncodeToString([]byte(b.selfPub)),
	}
	sig, err := signing.Sign(b.selfPriv, d.fields())
	if err != nil {
		return fmt.Errorf("sign delta: %w", err)
	}
	d.Signature = sig

	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	result := b.topic.Publish(ctx, &pubsub.Message{Data: payload})
	_, err = result.Get(ctx)
	return err
}

// Listen drains the subscription forever, merging verified deltas into
// their registered window. Unknown issuers are dropped silently except for
// a metric (spec.md §4.10: "messages from unknown issuers are dropped
// silently except for metrics").
func (b *Bus) Listen(ctx context.Context, onDropped func(reason string)) error {
	return b.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var d DeltaMessage
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			msg.Nack()
			if onDropped != nil {
				onDropped("malformed")
			}
			return
		}
		msg.Ack() // at-least-once upstream redelivery is fine — merge is idempotent

		pubBytes, err := hex.DecodeString(d.IssuerPK)
		if err != nil || len(pubBytes) != len(b.selfPub) {
			if onDropped != nil {
				onDropped("bad-issuer-key")
			}
			return
		}
		issuerPK := signing.PublicKey(pubBytes)
		if err := signing.Verify(issuerPK, d.fields(), d.Signature); err != nil {
			if onDropped != nil {
				onDropped("bad-signature")
			}
			return
		}
		if b.trusted != nil && !b.trusted.Contains(issuerPK) {
			if onDropped != nil {
				onDropped("untrusted-issuer")
			}
			return
		}
		fp := signing.Fingerprint(issuerPK)
		if !b.nonces.CheckAndRecord(fp, d.Nonce) {
			if onDropped != nil {
				onDropped("replay")
			}
			return
		}

		w, ok := b.windows[d.Resource]
		if !ok {
			slog.Debug("counter bus: delta for unregistered resource", "resource", d.Resource)
			return
		}
		w.Merge(d.ActorID, d.SlotValue)
	})
}
