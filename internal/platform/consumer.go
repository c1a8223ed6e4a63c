// Package platform consumes signals the hosting platform delivers out
// of band: push notifications for the user and wake-ups asking the
// worker to flush its offline queue. Signals arrive on an SQS queue
// and survive worker restarts there.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remindly/remindly/internal/db"
	"github.com/remindly/remindly/internal/dispatch"
	"github.com/remindly/remindly/internal/protocol"
)

// Signal kinds delivered by the platform.
const (
	SignalNotification  = "notification"
	SignalSyncReminders = "sync-reminders"
)

// Signal is the message body the platform puts on the queue.
type Signal struct {
	Kind         string        `json:"kind"`
	Notification *Notification `json:"notification,omitempty"`
}

// Notification is the push payload for one reminder.
type Notification struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Type     string `json:"type"`
	TargetID string `json:"targetId,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// Config holds SQS configuration for the signal queue.
type Config struct {
	Region   string
	QueueURL string
}

// History is the slice of the history repository the consumer needs.
type History interface {
	Add(ctx context.Context, record *db.NotificationRecord) (uuid.UUID, error)
}

// Broadcaster fans notices out to connected pages.
type Broadcaster interface {
	Broadcast(env protocol.Envelope)
}

// QueueProcessor runs one offline queue pass.
type QueueProcessor interface {
	ProcessQueue(ctx context.Context) (dispatch.PassResult, error)
}

// sqsAPI is the slice of the SQS client the consumer uses.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Consumer long-polls the platform signal queue and routes each signal
// to history, the page broadcast channel, or a queue pass.
type Consumer struct {
	client    sqsAPI
	queueURL  string
	history   History
	pages     Broadcaster
	processor QueueProcessor
	logger    *zap.Logger
}

// NewConsumer creates a consumer for the platform signal queue.
func NewConsumer(ctx context.Context, cfg Config, history History, pages Broadcaster, processor QueueProcessor, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("platform signal consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:    sqs.NewFromConfig(awsCfg),
		queueURL:  cfg.QueueURL,
		history:   history,
		pages:     pages,
		processor: processor,
		logger:    logger,
	}, nil
}

// Run polls for signals until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.receiveOne(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("signal receive failed, backing off", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// receiveOne long-polls for a single message and processes it. A
// malformed signal is logged and deleted; it would never become
// processable.
func (c *Consumer) receiveOne(ctx context.Context) error {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil
	}

	msg := result.Messages[0]
	if err := c.handleBody(ctx, []byte(*msg.Body)); err != nil {
		c.logger.Error("dropping unprocessable signal", zap.Error(err))
	}

	_, err = c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

func (c *Consumer) handleBody(ctx context.Context, body []byte) error {
	var signal Signal
	if err := json.Unmarshal(body, &signal); err != nil {
		return fmt.Errorf("invalid signal format: %w", err)
	}

	switch signal.Kind {
	case SignalNotification:
		return c.handleNotification(ctx, signal.Notification)
	case SignalSyncReminders:
		return c.handleSync(ctx)
	default:
		return fmt.Errorf("unknown signal kind %q", signal.Kind)
	}
}

// handleNotification records the push in history and tells every page
// about it, so an open page can render it in place.
func (c *Consumer) handleNotification(ctx context.Context, notif *Notification) error {
	if notif == nil || notif.Title == "" {
		return fmt.Errorf("notification signal missing payload")
	}

	priority := notif.Priority
	if priority == "" {
		priority = db.PriorityMedium
	}

	record := &db.NotificationRecord{
		ID:        uuid.New(),
		Title:     notif.Title,
		Body:      notif.Body,
		Type:      notif.Type,
		TargetID:  notif.TargetID,
		Priority:  priority,
		Status:    db.StatusReceived,
		Actions:   []string{db.ActionComplete, db.ActionSnooze},
		Timestamp: time.Now(),
	}

	if _, err := c.history.Add(ctx, record); err != nil {
		return fmt.Errorf("record notification: %w", err)
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal notification record: %w", err)
	}
	notice, _ := protocol.NewEnvelope(protocol.TypeNotificationReceived,
		protocol.NotificationEventPayload{
			TargetID:     record.TargetID,
			Notification: recordJSON,
		})
	c.pages.Broadcast(notice)

	c.logger.Info("push notification recorded",
		zap.String("id", record.ID.String()),
		zap.String("target_id", record.TargetID),
	)

	return nil
}

// handleSync is the platform nudging a restarted worker to flush
// whatever is still queued.
func (c *Consumer) handleSync(ctx context.Context) error {
	result, err := c.processor.ProcessQueue(ctx)
	if err != nil {
		return fmt.Errorf("queue pass from sync signal: %w", err)
	}
	c.logger.Info("sync signal processed",
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", result.Failed),
	)
	return nil
}
