package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// S3NotificationRecord is the subset of an S3 event-notification message
// identifying the audit-log object to fetch (spec §6).
type S3NotificationRecord struct {
	Bucket string
	Key    string
}

// AuditFetcher pulls audit-log objects referenced by S3 notifications off
// the ingest SQS queue and fetches their bodies.
type AuditFetcher struct {
	s3  *s3.Client
	sqs *sqs.Client
}

// NewAuditFetcher wires an S3 + SQS client pair against the tracker's own
// account (these queues belong to the tracker, not the customer).
func NewAuditFetcher(s3Client *s3.Client, sqsClient *sqs.Client) *AuditFetcher {
	return &AuditFetcher{s3: s3Client, sqs: sqsClient}
}

// notification mirrors the subset of the AWS S3 event-notification JSON
// envelope this fetcher reads.
type notification struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// AuditMessage pairs the S3 object references extracted from one SQS
// message with that message's own receipt handle, so the caller can ack
// (delete) a message only once every object it names has actually been
// fetched and parsed -- never unconditionally (spec §7 CorruptPayload:
// "log body; do not ack message" so redelivery eventually dead-letters
// it; spec §4.G work queue at-least-once guarantee).
type AuditMessage struct {
	ReceiptHandle string
	Records       []S3NotificationRecord
}

// ReceiveNotifications polls the audit queue once and returns each
// message's S3 object references grouped with that message's receipt
// handle.
func (f *AuditFetcher) ReceiveNotifications(ctx context.Context, queueURL string, maxMessages int32) ([]AuditMessage, error) {
	out, err := f.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("receive audit notifications: %w", err)
	}

	var messages []AuditMessage
	for _, msg := range out.Messages {
		if msg.Body == nil || msg.ReceiptHandle == nil {
			continue
		}
		var note notification
		if err := json.Unmarshal([]byte(*msg.Body), &note); err != nil {
			continue
		}
		am := AuditMessage{ReceiptHandle: *msg.ReceiptHandle}
		for _, rec := range note.Records {
			am.Records = append(am.Records, S3NotificationRecord{
				Bucket: rec.S3.Bucket.Name,
				Key:    rec.S3.Object.Key,
			})
		}
		messages = append(messages, am)
	}
	return messages, nil
}

// DeleteNotification acknowledges one received audit-queue message.
func (f *AuditFetcher) DeleteNotification(ctx context.Context, queueURL, receiptHandle string) error {
	_, err := f.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return err
}

// FetchAuditObject retrieves the raw audit-log body referenced by rec.
func (f *AuditFetcher) FetchAuditObject(ctx context.Context, rec S3NotificationRecord) ([]byte, error) {
	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(rec.Bucket),
		Key:    aws.String(rec.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch audit object s3://%s/%s: %w", rec.Bucket, rec.Key, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, out.Body); err != nil {
		return nil, fmt.Errorf("read audit object body: %w", err)
	}
	return buf.Bytes(), nil
}
