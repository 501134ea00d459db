// Package queue adapts the job queue to SQS. Delivery is at-least-once; the
// worker's dedup check absorbs redeliveries.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// deleteRetries is the total number of delete attempts; backoff between them
// is 1 s then 2 s.
const deleteRetries = 3

// api is the subset of the SQS client the queue uses; tests substitute a
// fake.
type api interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Message is one received queue entry.
type Message struct {
	// Body is the UTF-8 JSON job descriptor.
	Body string

	// ReceiptHandle identifies this delivery for Delete and
	// ChangeVisibility.
	ReceiptHandle string

	// DequeueCount is the provider-side delivery count, for logging only.
	DequeueCount int
}

// Queue wraps one named SQS queue.
type Queue struct {
	client     api
	url        string
	retrySleep func(time.Duration)
}

// Option is a functional option for Queue.
type Option func(*Queue)

// withRetrySleep replaces the delete-retry sleep. Test use only.
func withRetrySleep(fn func(time.Duration)) Option {
	return func(q *Queue) { q.retrySleep = fn }
}

// New wraps the given SQS client and queue URL.
func New(client api, queueURL string, opts ...Option) *Queue {
	q := &Queue{client: client, url: queueURL, retrySleep: sleep}
	for _, o := range opts {
		o(q)
	}
	return q
}

func sleep(d time.Duration) { time.Sleep(d) }

// Publish sends one message body to the queue.
func (q *Queue) Publish(ctx context.Context, body string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// Receive long-polls for up to wait and hides returned messages for the
// visibility window. It returns at most one message per call; an empty slice
// means the poll timed out.
func (q *Queue) Receive(ctx context.Context, wait, visibility time.Duration) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(wait / time.Second),
		VisibilityTimeout:   int32(visibility / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: receive: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		count := 0
		if v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			count, _ = strconv.Atoi(v)
		}
		msgs = append(msgs, Message{
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			DequeueCount:  count,
		})
	}
	return msgs, nil
}

// Delete removes a handled message. Transient failures are retried twice with
// 1 s and 2 s backoff; after that the error is returned and the message will
// come back, to be rejected by the dedup check.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	var lastErr error
	for attempt := 1; attempt <= deleteRetries; attempt++ {
		_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(q.url),
			ReceiptHandle: aws.String(receiptHandle),
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < deleteRetries {
			backoff := time.Duration(attempt) * time.Second
			slog.Warn("queue: delete failed, retrying",
				"attempt", attempt, "backoff", backoff, "err", err)
			q.retrySleep(backoff)
		}
	}
	return fmt.Errorf("queue: delete after %d attempts: %w", deleteRetries, lastErr)
}

// ChangeVisibility extends or shortens the invisibility window of a received
// message.
func (q *Queue) ChangeVisibility(ctx context.Context, receiptHandle string, visibility time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(visibility / time.Second),
	})
	if err != nil {
		return fmt.Errorf("queue: change visibility: %w", err)
	}
	return nil
}
