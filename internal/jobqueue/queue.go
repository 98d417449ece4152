package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSClient abstracts SQS operations for dependency inversion.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Queue publishes and consumes jobs over one SQS queue. Delivery is
// at-least-once; consumers must tolerate redelivery of a job whose
// visibility timeout lapsed mid-processing.
type Queue struct {
	client   SQSClient
	queueURL string
}

// New creates a Queue.
func New(client SQSClient, queueURL string) *Queue {
	return &Queue{
		client:   client,
		queueURL: queueURL,
	}
}

// Enqueue publishes a validated job.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	bodyStr := string(body)
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &q.queueURL,
		MessageBody: &bodyStr,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", job.Type, err)
	}
	return nil
}

// Received is one dequeued job plus the handle needed to settle it.
type Received struct {
	Job           *Job
	ReceiptHandle string
}

// Receive fetches at most one job, hiding it from other consumers for
// visibilityTimeoutSecs. A nil result means the queue was empty.
func (q *Queue) Receive(ctx context.Context, visibilityTimeoutSecs int32) (*Received, error) {
	output, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &q.queueURL,
		MaxNumberOfMessages: 1,
		VisibilityTimeout:   visibilityTimeoutSecs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive: %w", err)
	}
	if len(output.Messages) == 0 {
		return nil, nil
	}

	msg := output.Messages[0]
	job, err := Decode([]byte(aws.ToString(msg.Body)))
	if err != nil {
		return nil, err
	}
	return &Received{
		Job:           job,
		ReceiptHandle: aws.ToString(msg.ReceiptHandle),
	}, nil
}

// Delete settles a received job so it is not redelivered.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &q.queueURL,
		ReceiptHandle: &receiptHandle,
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}
