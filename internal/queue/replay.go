// Package queue parks verified webhook deliveries on an SQS replay queue when
// storage is unavailable, and decodes them again for the replay worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"billingsync/internal/payload"
	"billingsync/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ReplayMessage is the SQS envelope for a parked delivery. Body holds the
// zstd-compressed raw request body (base64 in JSON).
type ReplayMessage struct {
	MessageID  string            `json:"message_id"`
	Provider   types.Provider    `json:"provider"`
	RequestID  string            `json:"request_id,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body"`
	Reason     string            `json:"reason"`
	ParkedAt   time.Time         `json:"parked_at"`
}

// Delivery rebuilds the raw delivery carried by the message.
func (m ReplayMessage) Delivery() (types.RawDelivery, error) {
	body, err := payload.Decompress(m.Body)
	if err != nil {
		return types.RawDelivery{}, err
	}
	return types.RawDelivery{
		Provider:   m.Provider,
		Body:       body,
		Headers:    m.Headers,
		ReceivedAt: m.ReceivedAt,
		RequestID:  m.RequestID,
	}, nil
}

// ReplayPublisher sends parked deliveries to the replay queue.
type ReplayPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
	now      func() time.Time
}

// NewReplayPublisher creates a publisher for queueURL. An empty URL yields a
// publisher whose Park is a logged no-op.
func NewReplayPublisher(client SQSSender, queueURL string, logger *slog.Logger) *ReplayPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplayPublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether a replay queue is configured.
func (p *ReplayPublisher) Enabled() bool {
	return p != nil && p.client != nil && p.queueURL != ""
}

// Park enqueues delivery for a later replay. reason is the error code that
// caused the delivery to be parked.
func (p *ReplayPublisher) Park(ctx context.Context, delivery types.RawDelivery, reason string) error {
	if !p.Enabled() {
		p.logger.WarnContext(ctx, "replay queue not configured, delivery not parked",
			"provider", delivery.Provider.Slug(),
			"request_id", delivery.RequestID,
		)
		return nil
	}

	msg := ReplayMessage{
		MessageID:  uuid.New().String(),
		Provider:   delivery.Provider,
		RequestID:  delivery.RequestID,
		ReceivedAt: delivery.ReceivedAt,
		Headers:    delivery.Headers,
		Body:       payload.Compress(delivery.Body),
		Reason:     reason,
		ParkedAt:   p.now(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ReplayMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"provider": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(delivery.Provider)),
			},
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to send replay message to %s", p.queueURL), err)
	}

	p.logger.InfoContext(ctx, "delivery parked on replay queue",
		"message_id", msg.MessageID,
		"provider", delivery.Provider.Slug(),
		"request_id", delivery.RequestID,
		"reason", reason,
	)
	return nil
}

// DecodeReplayMessage parses an SQS message body produced by Park.
func DecodeReplayMessage(body string) (ReplayMessage, error) {
	var msg ReplayMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return ReplayMessage{}, fmt.Errorf("queue: failed to unmarshal ReplayMessage: %w", err)
	}
	if !msg.Provider.Valid() {
		return ReplayMessage{}, fmt.Errorf("queue: replay message %q has unknown provider %q", msg.MessageID, msg.Provider)
	}
	if len(msg.Body) == 0 {
		return ReplayMessage{}, fmt.Errorf("queue: replay message %q has empty body", msg.MessageID)
	}
	return msg, nil
}
