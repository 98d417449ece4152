package jobqueue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// fakeSQSClient implements SQSClient for testing.
type fakeSQSClient struct {
	sendFunc    func(ctx context.Context, params *sqs.SendMessageInput) (*sqs.SendMessageOutput, error)
	receiveFunc func(ctx context.Context, params *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error)
	deleteFunc  func(ctx context.Context, params *sqs.DeleteMessageInput) (*sqs.DeleteMessageOutput, error)
}

func (f *fakeSQSClient) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.sendFunc != nil {
		return f.sendFunc(ctx, params)
	}
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.receiveFunc != nil {
		return f.receiveFunc(ctx, params)
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if f.deleteFunc != nil {
		return f.deleteFunc(ctx, params)
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func TestEnqueue_SendsTaggedBody(t *testing.T) {
	var sentBody string
	fake := &fakeSQSClient{
		sendFunc: func(ctx context.Context, params *sqs.SendMessageInput) (*sqs.SendMessageOutput, error) {
			sentBody = aws.ToString(params.MessageBody)
			return &sqs.SendMessageOutput{}, nil
		},
	}
	q := New(fake, "https://sqs.example/queue")

	job := &Job{Type: JobTypeFetch, Fetch: &FetchJob{EmailID: "email-7"}}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue error = %v", err)
	}

	var decoded Job
	if err := json.Unmarshal([]byte(sentBody), &decoded); err != nil {
		t.Fatalf("sent body is not JSON: %v", err)
	}
	if decoded.Type != JobTypeFetch {
		t.Errorf("sent type = %q, want fetch", decoded.Type)
	}
}

func TestEnqueue_RejectsInvalidJob(t *testing.T) {
	q := New(&fakeSQSClient{}, "https://sqs.example/queue")

	if err := q.Enqueue(context.Background(), &Job{Type: JobTypeFetch}); err == nil {
		t.Error("Enqueue accepted an invalid job")
	}
}

func TestReceive_EmptyQueueReturnsNil(t *testing.T) {
	q := New(&fakeSQSClient{}, "https://sqs.example/queue")

	received, err := q.Receive(context.Background(), 30)
	if err != nil {
		t.Fatalf("Receive error = %v", err)
	}
	if received != nil {
		t.Errorf("received = %+v, want nil", received)
	}
}

func TestReceive_SetsVisibilityTimeout(t *testing.T) {
	var captured *sqs.ReceiveMessageInput
	fake := &fakeSQSClient{
		receiveFunc: func(ctx context.Context, params *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			captured = params
			body := `{"type":"processEmail","processEmail":{"emailId":"email-9","status":"responded"}}`
			return &sqs.ReceiveMessageOutput{
				Messages: []sqstypes.Message{
					{Body: aws.String(body), ReceiptHandle: aws.String("rh-1")},
				},
			}, nil
		},
	}
	q := New(fake, "https://sqs.example/queue")

	received, err := q.Receive(context.Background(), 120)
	if err != nil {
		t.Fatalf("Receive error = %v", err)
	}
	if captured.VisibilityTimeout != 120 {
		t.Errorf("visibility timeout = %d, want 120", captured.VisibilityTimeout)
	}
	if received == nil || received.Job.Type != JobTypeProcessEmail {
		t.Fatalf("received = %+v, want processEmail job", received)
	}
	if received.ReceiptHandle != "rh-1" {
		t.Errorf("receipt handle = %q, want rh-1", received.ReceiptHandle)
	}
}
