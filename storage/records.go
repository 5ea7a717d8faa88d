package storage

import (
	"time"
)

// MessageStatus is the delivery lifecycle state of a message.
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusDelivered  MessageStatus = "delivered"
	MessageStatusFailed     MessageStatus = "failed"
	MessageStatusExpired    MessageStatus = "expired"
)

// IsTerminal reports whether no further dispatch transitions are allowed.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusDelivered || s == MessageStatusFailed || s == MessageStatusExpired
}

// Message is the database representation of a published message.
type Message struct {
	ID            string
	Topic         string
	Payload       []byte
	Status        MessageStatus
	Priority      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ProcessedAt   *time.Time
	ExpiresAt     *time.Time
	NextAttemptAt *time.Time
	RetryCount    int
	MaxRetries    int
	ErrorMessage  *string
	CorrelationID *string
	Headers       map[string]string
}

// DeadLetterMessage is a quarantined copy of a message that exhausted its retries.
type DeadLetterMessage struct {
	ID                string
	OriginalMessageID string
	Topic             string
	Payload           []byte
	FailureReason     string
	RetryCount        int
	FailedAt          time.Time
	RetriedAt         *time.Time
	IsDiscarded       bool
	StackTrace        *string
	Headers           map[string]string
}

// DeadLetterFilter narrows a dead-letter listing.
type DeadLetterFilter struct {
	Topic            string
	IncludeDiscarded bool
	Limit            int
	Offset           int
}

// BatchStatus is the aggregate state of a message batch.
type BatchStatus string

const (
	BatchStatusOpen                  BatchStatus = "open"
	BatchStatusCompleted             BatchStatus = "completed"
	BatchStatusCompletedWithFailures BatchStatus = "completed_with_failures"
)

// MessageBatch groups message ids whose outcomes roll up into one result.
type MessageBatch struct {
	ID                string
	BatchName         string
	MessageIDs        []string
	CreatedAt         time.Time
	CompletedAt       *time.Time
	Status            BatchStatus
	TotalMessages     int
	ProcessedMessages int
	FailedMessages    int
}

// Subscription binds a consumer to a topic.
type Subscription struct {
	ID               string
	Topic            string
	ConsumerName     string
	QueueName        string
	IsActive         bool
	CreatedAt        time.Time
	LastActivityAt   *time.Time
	MessagesConsumed int64
	Configuration    map[string]string
}

// SubscriptionFilter narrows a subscription listing.
type SubscriptionFilter struct {
	Topic      string
	ActiveOnly bool
}

// SagaStatus is the saga-level state.
type SagaStatus string

const (
	SagaStatusCreated      SagaStatus = "created"
	SagaStatusRunning      SagaStatus = "running"
	SagaStatusCompleted    SagaStatus = "completed"
	SagaStatusFailed       SagaStatus = "failed"
	SagaStatusCompensating SagaStatus = "compensating"
	SagaStatusCompensated  SagaStatus = "compensated"
)

// StepStatus is the state of one saga step.
type StepStatus string

const (
	StepStatusPending      StepStatus = "pending"
	StepStatusRunning      StepStatus = "running"
	StepStatusCompleted    StepStatus = "completed"
	StepStatusFailed       StepStatus = "failed"
	StepStatusCompensating StepStatus = "compensating"
	StepStatusCompensated  StepStatus = "compensated"
	StepStatusSkipped      StepStatus = "skipped"
)

// SagaContext is the schema-less document shared by the steps of one saga.
// Only the step actions of a given saga type interpret its shape.
type SagaContext map[string]any

// Saga is one distributed transaction instance.
type Saga struct {
	ID                  string
	Name                string
	Description         string
	Type                string
	Status              SagaStatus
	CreatedAt           time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
	FailedAt            *time.Time
	ErrorMessage        *string
	CorrelationID       *string
	Context             SagaContext
	CurrentStepIndex    int
	TotalSteps          int
	MaxRetryAttempts    int
	CurrentRetryAttempt int
	Timeout             *time.Duration
	// CompensationHalted is set when a compensation action failed and the
	// rollback waits for an operator.
	CompensationHalted bool
	// InvariantViolated is set when the persisted steps contradict the saga;
	// such a saga is no longer processed until it is repaired.
	InvariantViolated bool
	// NextWakeAt is the earliest time a worker has anything to do for the
	// saga: a step backoff or an in-flight deadline. Nil means now.
	NextWakeAt *time.Time
	Version    int64
}

// SagaStep is one ordered action within a saga.
type SagaStep struct {
	ID                      string
	SagaID                  string
	Order                   int
	Name                    string
	ServiceName             string
	ActionType              string
	ActionPayload           []byte
	CompensationActionType  *string
	CompensationPayload     []byte
	Status                  StepStatus
	CreatedAt               time.Time
	StartedAt               *time.Time
	CompletedAt             *time.Time
	FailedAt                *time.Time
	CompensationStartedAt   *time.Time
	CompensationCompletedAt *time.Time
	ErrorMessage            *string
	ResponsePayload         []byte
	RetryAttempts           int
	MaxRetries              int
	Timeout                 *time.Duration
	NextAttemptAt           *time.Time
	// DeadlineAt is when a Running or Compensating invocation is considered lost.
	DeadlineAt *time.Time
	Metadata   map[string]string
	Version    int64
}

// HasCompensation reports whether the step declares a compensation action.
func (s SagaStep) HasCompensation() bool {
	return s.CompensationActionType != nil && *s.CompensationActionType != ""
}

// SagaFilter narrows a saga listing.
type SagaFilter struct {
	Statuses           []SagaStatus
	CompensationHalted *bool
	InvariantViolated  *bool
	// DueBy keeps sagas whose NextWakeAt is unset or not after it.
	DueBy *time.Time
	// Stuck keeps sagas halted for an operator: a failed compensation or a
	// violated invariant.
	Stuck  bool
	Type   string
	Limit  int
	Offset int
}
