// Package notifications surfaces title pipeline outcomes to users without
// blocking the request that triggered them.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type NotificationType string

const (
	NotificationTitleFailed        NotificationType = "title_failed"
	NotificationCredentialInvalid  NotificationType = "credential_invalid"
	NotificationCredentialsChanged NotificationType = "credentials_changed"
)

type Notification struct {
	Type      NotificationType `json:"type"`
	ThreadID  string           `json:"threadId,omitempty"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// SNSAPI is the subset of the SNS client used here.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   SNSAPI
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSNSNotifierWithClient(sns.NewFromConfig(cfg), topicArn), nil
}

func NewSNSNotifierWithClient(client SNSAPI, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   client,
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now()
	}

	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}

	if notification.ThreadID != "" {
		input.MessageAttributes["ThreadID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.ThreadID),
		}
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent",
		"type", notification.Type,
		"thread_id", notification.ThreadID,
	)

	return nil
}

// DefaultRetention is how many notifications the in-memory notifier keeps.
const DefaultRetention = 200

// InMemoryNotifier keeps the most recent notifications so clients can poll
// them, and fans each one out to registered handlers.
type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	handlers      []func(Notification)
	retention     int
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{
		notifications: make([]Notification, 0),
		handlers:      make([]func(Notification), 0),
		retention:     DefaultRetention,
	}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now()
	}

	n.mu.Lock()
	n.notifications = append(n.notifications, notification)
	if over := len(n.notifications) - n.retention; over > 0 {
		n.notifications = append([]Notification(nil), n.notifications[over:]...)
	}
	handlers := slices.Clone(n.handlers)
	n.mu.Unlock()

	for _, handler := range handlers {
		handler(notification)
	}

	slog.Info("notification sent (in-memory)",
		"type", notification.Type,
		"thread_id", notification.ThreadID,
	)

	return nil
}

func (n *InMemoryNotifier) OnNotification(handler func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

// Recent returns up to limit notifications, newest last. An empty threadID
// matches every notification.
func (n *InMemoryNotifier) Recent(threadID string, limit int) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []Notification
	for i := len(n.notifications) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if threadID == "" || n.notifications[i].ThreadID == threadID {
			out = append(out, n.notifications[i])
		}
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (n *InMemoryNotifier) GetNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}

func (n *InMemoryNotifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = make([]Notification, 0)
}

// Multi sends to every notifier and returns the first error.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, notification Notification) error {
	var first error
	for _, n := range m {
		if err := n.Send(ctx, notification); err != nil && first == nil {
			first = err
		}
	}
	return first
}
