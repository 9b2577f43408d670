// Package queues holds the SQS-backed Assembly Event Publisher: an
// SQS producer with the same client and queue-URL shape an SQS
// consumer would use, just running in the opposite direction.
package queues

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"github.com/lfusys/recorder-uploads/models"
	"github.com/lfusys/recorder-uploads/retries"
)

// EventPublisher is the optional Assembly Event Publisher from
// the domain stack: once a session reaches assembly_state
// done, it publishes a recording.assembled event so an out-of-scope
// downstream pipeline can consume it. The Assembler calls Publish
// synchronously after the session is already done; a publish error is
// logged by the caller and does not change the session's state.
type EventPublisher struct {
	client   *sqs.Client
	queueURL string
}

func NewEventPublisher(client *sqs.Client, queueURL string) *EventPublisher {
	return &EventPublisher{client: client, queueURL: queueURL}
}

// Publish sends one recording.assembled event, assigning a fresh
// EventID when the caller left it blank.
func (p *EventPublisher) Publish(ctx context.Context, event models.AssembledEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal assembled event: %w", err)
	}

	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
				QueueUrl:    aws.String(p.queueURL),
				MessageBody: aws.String(string(body)),
			})
			return err
		},
		retries.IsRetriableAWSError,
	)
}

// IsReady implements health.ReadinessCheck.
func (p *EventPublisher) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
				QueueUrl: aws.String(p.queueURL),
			})
			return err
		},
		retries.IsRetriableAWSError,
	)
}

func (p *EventPublisher) Name() string { return "events[sqs]" }
