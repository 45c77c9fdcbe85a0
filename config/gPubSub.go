package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

// projectIdEnvKeys are checked in order; Cloud Run sets GOOGLE_CLOUD_PROJECT.
var projectIdEnvKeys = []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"}

func pubSubProjectId() string {
	for _, key := range projectIdEnvKeys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

// GetPubSubClient returns the shared client, retrying until ctx is done.
// PUBSUB_CREDENTIALS_JSON takes precedence over Application Default Credentials.
func GetPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectId := pubSubProjectId()
	if projectId == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}
	entry := logg.WithFields(logrus.Fields{"field": "pubsub", "project_id": projectId})

	for attempt := 1; ; attempt++ {
		c, err := pubsub.NewClient(ctx, projectId, opts...)
		if err == nil {
			pubsubClient = c
			entry.WithField("attempt", attempt).Info("pubsub client ready")
			return c, nil
		}

		sleep := connectBackoff(attempt)
		entry.WithFields(logrus.Fields{"attempt": attempt, "retry_in": sleep.String()}).WithError(err).Warn("failed to init pubsub client")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pubsub client: %w", ctx.Err())
		case <-time.After(sleep):
		}
	}
}

func CreateTopicIfNotExists(c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	ctx := context.Background()
	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// PublishJSON publishes obj as a JSON message to topicName and returns the server-assigned message ID.
func PublishJSON(ctx context.Context, topicName string, obj interface{}, attributes map[string]string) (string, error) {
	if topicName == "" {
		return "", errors.New("topicName is required")
	}
	client, err := GetPubSubClient(ctx)
	if err != nil {
		return "", err
	}

	jsonData, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	result := client.Topic(topicName).Publish(ctx, &pubsub.Message{
		Data:       jsonData,
		Attributes: attributes,
	})
	return result.Get(ctx)
}
