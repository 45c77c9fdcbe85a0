package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vendcash/collections_backend/config"
	"github.com/vendcash/collections_backend/models"
	"github.com/vendcash/collections_backend/utils"
)

// ReportCacheKeys are the aggregate caches derived from collection data.
var ReportCacheKeys = []string{
	"collections:summary",
	"collections:by-machine",
	"collections:by-date",
	"collections:by-operator",
	"collections:today-summary",
}

const (
	EventCollectionCreated = "collection.created"
)

type CacheInvalidator interface {
	Invalidate(ctx context.Context, keys ...string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event CollectionEvent) error
}

// CollectionEvent is pushed to collaborators (chat bot, websocket fan-out).
type CollectionEvent struct {
	Type                string                  `json:"type"`
	CollectionId        string                  `json:"collection_id"`
	MachineId           string                  `json:"machine_id"`
	OperatorId          string                  `json:"operator_id"`
	Status              models.CollectionStatus `json:"status"`
	Source              models.CollectionSource `json:"source"`
	CollectedAt         time.Time               `json:"collected_at"`
	DistanceFromMachine *float64                `json:"distance_from_machine,omitempty"`
	CorrelationId       string                  `json:"correlation_id,omitempty"`
	OccurredAt          time.Time               `json:"occurred_at"`
}

func newCollectionEvent(ctx context.Context, eventType string, c *models.Collection, at time.Time) CollectionEvent {
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	return CollectionEvent{
		Type:                eventType,
		CollectionId:        c.ID,
		MachineId:           c.MachineId,
		OperatorId:          c.OperatorId,
		Status:              c.Status,
		Source:              c.Source,
		CollectedAt:         c.CollectedAt,
		DistanceFromMachine: c.DistanceFromMachine,
		CorrelationId:       cid,
		OccurredAt:          at,
	}
}

// Notifier runs the post-commit side effects. Failures are logged, never returned:
// a committed mutation must not look failed because a cache or a subscriber is down.
type Notifier struct {
	Cache          CacheInvalidator
	Publisher      EventPublisher
	Logger         *logrus.Logger
	PublishTimeout time.Duration

	wg sync.WaitGroup
}

func NewNotifier(cache CacheInvalidator, publisher EventPublisher, logger *logrus.Logger) *Notifier {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Notifier{
		Cache:          cache,
		Publisher:      publisher,
		Logger:         logger,
		PublishTimeout: 30 * time.Second,
	}
}

// CollectionsChanged invalidates ReportCacheKeys. Call only after commit.
func (n *Notifier) CollectionsChanged(ctx context.Context) {
	if n == nil || n.Cache == nil {
		return
	}
	if err := n.Cache.Invalidate(ctx, ReportCacheKeys...); err != nil {
		n.Logger.WithFields(logrus.Fields{
			"module": "collections",
			"keys":   ReportCacheKeys,
		}).Warn("report cache invalidation failed: " + err.Error())
	}
}

// PublishAsync sends event in the background, detached from the request context.
func (n *Notifier) PublishAsync(ctx context.Context, event CollectionEvent) {
	if n == nil || n.Publisher == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		pubCtx, cancel := context.WithTimeout(bg, n.PublishTimeout)
		defer cancel()
		if err := n.Publisher.Publish(pubCtx, event); err != nil {
			n.Logger.WithFields(logrus.Fields{
				"module":        "collections",
				"event":         event.Type,
				"collection_id": event.CollectionId,
			}).Warn("collection notification failed: " + err.Error())
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

// RedisCacheInvalidator deletes report cache keys from Redis.
type RedisCacheInvalidator struct {
	client redis.UniversalClient
}

func NewRedisCacheInvalidator(client redis.UniversalClient) *RedisCacheInvalidator {
	return &RedisCacheInvalidator{client: client}
}

func (r *RedisCacheInvalidator) Invalidate(ctx context.Context, keys ...string) error {
	if r.client == nil || len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// PubSubEventPublisher publishes collection events to a Pub/Sub topic.
type PubSubEventPublisher struct {
	topic string
}

func NewPubSubEventPublisher(topic string) *PubSubEventPublisher {
	return &PubSubEventPublisher{topic: topic}
}

func (p *PubSubEventPublisher) Publish(ctx context.Context, event CollectionEvent) error {
	_, err := config.PublishJSON(ctx, p.topic, event, map[string]string{
		"event_type": event.Type,
		"machine_id": event.MachineId,
	})
	return err
}
