package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/lfusys/recorder-uploads/models"
	"github.com/lfusys/recorder-uploads/retries"
)

// Ledger is the optional Assembly Ledger audit sink from the domain
// stack, using the same retries.Retry-wrapped item-write pattern used
// elsewhere in this package. It is a durable audit trail independent
// of and non-authoritative relative to the in-memory Session Registry,
// which remains the correctness-critical source of truth per spec §4.2.
type Ledger struct {
	client    *dynamodb.Client
	tableName string
}

func NewLedger(client *dynamodb.Client, tableName string) *Ledger {
	return &Ledger{client: client, tableName: tableName}
}

// ledgerItem is the wire shape written to DynamoDB: timestamps as
// RFC3339 strings rather than attributevalue's default Go-struct
// encoding of time.Time, which is not queryable.
type ledgerItem struct {
	SessionID  string `dynamodbav:"session_id"`
	AttemptAt  string `dynamodbav:"attempt_at"`
	Outcome    string `dynamodbav:"outcome"`
	Reason     string `dynamodbav:"reason,omitempty"`
	TotalBytes int64  `dynamodbav:"total_bytes"`
	DurationMS int64  `dynamodbav:"duration_ms"`
	StartedAt  string `dynamodbav:"started_at"`
	FinishedAt string `dynamodbav:"finished_at"`
}

// Record writes one item per assembly attempt, keyed by
// (session_id, attempt_at) so retried assemblies after a failure each
// leave their own audit row. It never blocks the Assembler on failure:
// callers log-and-continue rather than let a ledger outage affect
// assembly.
func (l *Ledger) Record(ctx context.Context, entry models.LedgerEntry) error {
	item, err := attributevalue.MarshalMap(ledgerItem{
		SessionID:  entry.SessionID,
		AttemptAt:  entry.FinishedAt.Format(time.RFC3339Nano),
		Outcome:    entry.Outcome,
		Reason:     entry.Reason,
		TotalBytes: entry.TotalBytes,
		DurationMS: entry.DurationMS,
		StartedAt:  entry.StartedAt.Format(time.RFC3339Nano),
		FinishedAt: entry.FinishedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}

	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName: aws.String(l.tableName),
				Item:      item,
			})
			return err
		},
		retries.IsRetriableAWSError,
	)
}

// IsReady implements health.ReadinessCheck.
func (l *Ledger) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := l.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(l.tableName),
			})
			return err
		},
		retries.IsRetriableAWSError,
	)
}

func (l *Ledger) Name() string { return "ledger[dynamodb]" }
