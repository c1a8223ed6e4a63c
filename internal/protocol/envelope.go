// Package protocol implements the typed message channel between the
// worker process and pages. A single envelope shape flows both
// directions, either fire-and-forget or as a correlated
// request/response pair.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the unit exchanged between page and worker. Immutable
// once sent. CorrelationID is present only for request/response
// exchanges.
type Envelope struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Core message types. The set is non-exhaustive on purpose: envelopes
// with unrecognized types are silently dropped, not rejected, so newer
// peers can talk to older ones.
const (
	TypeSkipWaiting              = "SKIP_WAITING"
	TypeNotificationAction       = "NOTIFICATION_ACTION"
	TypeNotificationActionResult = "NOTIFICATION_ACTION_RESULT"
	TypeProcessOfflineQueue      = "PROCESS_OFFLINE_QUEUE"
	TypeOfflineQueueProcessed    = "OFFLINE_QUEUE_PROCESSED"
	TypeReady                    = "READY"
	TypeNotificationClicked      = "NOTIFICATION_CLICKED"
	TypeNotificationReceived     = "NOTIFICATION_RECEIVED"
	TypeSetLogLevel              = "SET_LOG_LEVEL"
)

// DefaultReplyTimeout bounds how long a correlated request waits before
// resolving to failure instead of hanging forever.
const DefaultReplyTimeout = 3 * time.Second

// NotificationActionPayload asks the worker to dispatch a user action.
type NotificationActionPayload struct {
	Action   string          `json:"action"`
	TargetID string          `json:"targetId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ActionResultPayload is the correlated reply to NOTIFICATION_ACTION.
type ActionResultPayload struct {
	Action   string `json:"action"`
	TargetID string `json:"targetId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// QueueProcessedPayload is broadcast after a queue processing pass.
type QueueProcessedPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ReadyPayload is broadcast when the worker end of the channel is up.
type ReadyPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// NotificationEventPayload carries a notification for
// NOTIFICATION_RECEIVED notices.
type NotificationEventPayload struct {
	TargetID     string          `json:"targetId,omitempty"`
	Notification json.RawMessage `json:"notification"`
}

// NotificationClickedPayload reports that a user opened a shown
// notification without tapping one of its action buttons.
type NotificationClickedPayload struct {
	ID       string `json:"id"`
	TargetID string `json:"targetId,omitempty"`
}

// SetLogLevelPayload retunes the worker's log verbosity.
type SetLogLevelPayload struct {
	Level string `json:"level"`
}

// NewEnvelope marshals a payload into an envelope. A nil payload makes
// a bare notice.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = data
	}
	return env, nil
}
