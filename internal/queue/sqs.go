package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// SQSAPI is the subset of the SQS client used here.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueue struct {
	client   SQSAPI
	queueURL string
	waitTime int32
}

func NewSQSQueue(ctx context.Context, region, queueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSQueueWithClient(sqs.NewFromConfig(cfg), queueURL), nil
}

func NewSQSQueueWithClient(client SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{
		client:   client,
		queueURL: queueURL,
		waitTime: 20,
	}
}

func (q *SQSQueue) Enqueue(ctx context.Context, job domain.TitleJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"ThreadID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.ThreadID),
			},
			"MessageID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.MessageID),
			},
		},
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

// Receive long-polls SQS. It returns an empty slice when the poll times out
// with nothing to deliver.
func (q *SQSQueue) Receive(ctx context.Context, maxMessages int) ([]Delivery, error) {
	if maxMessages <= 0 || maxMessages > 10 {
		maxMessages = 10
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       q.waitTime,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	deliveries := make([]Delivery, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var job domain.TitleJob
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
			slog.Warn("dropping malformed title job", "error", err, "message_id", aws.ToString(msg.MessageId))
			q.Ack(ctx, aws.ToString(msg.ReceiptHandle))
			continue
		}
		deliveries = append(deliveries, Delivery{Job: job, ReceiptHandle: aws.ToString(msg.ReceiptHandle)})
	}

	return deliveries, nil
}

func (q *SQSQueue) Ack(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return nil
	}

	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := q.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	return nil
}
