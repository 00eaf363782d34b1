package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// CertificateEventMessage is the payload published for certificate lifecycle events.
type CertificateEventMessage struct {
	ID                int       `json:"id"`
	PlantId           string    `json:"plant_id"`
	EventType         string    `json:"event_type"`
	CertificateId     int       `json:"certificate_id"`
	WorkOrderId       int       `json:"work_order_id"`
	CertificateNumber string    `json:"certificate_number"`
	VersionNumber     int       `json:"version_number"`
	DocumentUrl       string    `json:"document_url"`
	OccurredAt        time.Time `json:"occurred_at"`
	CorrelationId     string    `json:"correlation_id"`
}

// OrderingKey keeps the versions of one certificate in publish order.
func (m CertificateEventMessage) OrderingKey() string {
	return m.PlantId + "/" + strconv.Itoa(m.CertificateId)
}

var (
	pubsubMu     sync.Mutex
	pubsubClient *pubsub.Client
	pubsubTopic  *pubsub.Topic
)

// Project id: PUBSUB_PROJECT_ID, then the Cloud Run / legacy variables.
func pubSubProjectID() string {
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// certificateTopic lazily opens the client and the PUBSUB_TOPIC handle. It
// uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is set.
// Failures are returned so the outbox keeps the row for a later attempt.
func certificateTopic(ctx context.Context) (*pubsub.Topic, error) {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if pubsubTopic != nil {
		return pubsubTopic, nil
	}

	projectID := pubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	topicName := os.Getenv("PUBSUB_TOPIC")
	if topicName == "" {
		return nil, errors.New("PUBSUB_TOPIC is required")
	}

	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, err
	}
	topic := client.Topic(topicName)
	topic.EnableMessageOrdering = true

	pubsubClient = client
	pubsubTopic = topic
	GetLogger().WithFields(logrus.Fields{
		"field":      "pubsub",
		"project_id": projectID,
		"topic":      topicName,
	}).Info("pubsub topic ready")
	return topic, nil
}

// PublishCertificateEventWithResult publishes and returns the Pub/Sub server-assigned message ID.
func PublishCertificateEventWithResult(ctx context.Context, msg CertificateEventMessage) (string, error) {
	topic, err := certificateTopic(ctx)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	result := topic.Publish(ctx, &pubsub.Message{
		Data:        payload,
		OrderingKey: msg.OrderingKey(),
		Attributes: map[string]string{
			"event_type":         msg.EventType,
			"plant_id":           msg.PlantId,
			"certificate_number": msg.CertificateNumber,
			"version_number":     strconv.Itoa(msg.VersionNumber),
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		// a failed ordered publish pauses the key until resumed
		topic.ResumePublish(msg.OrderingKey())
		return "", err
	}
	return id, nil
}

// ClosePubSub flushes pending publishes and releases the client.
func ClosePubSub() {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if pubsubTopic != nil {
		pubsubTopic.Stop()
		pubsubTopic = nil
	}
	if pubsubClient != nil {
		_ = pubsubClient.Close()
		pubsubClient = nil
	}
}
