package sagabus

import "github.com/overtonx/sagabus/storage"

// The entity types live in the storage package so that store implementations
// can share them without importing the engine.
type (
	Message           = storage.Message
	MessageStatus     = storage.MessageStatus
	DeadLetterMessage = storage.DeadLetterMessage
	DeadLetterFilter  = storage.DeadLetterFilter
	MessageBatch      = storage.MessageBatch
	BatchStatus       = storage.BatchStatus
	Subscription      = storage.Subscription
	Saga              = storage.Saga
	SagaStatus        = storage.SagaStatus
	SagaStep          = storage.SagaStep
	StepStatus        = storage.StepStatus
	SagaContext       = storage.SagaContext
)

const (
	MessageStatusPending    = storage.MessageStatusPending
	MessageStatusProcessing = storage.MessageStatusProcessing
	MessageStatusDelivered  = storage.MessageStatusDelivered
	MessageStatusFailed     = storage.MessageStatusFailed
	MessageStatusExpired    = storage.MessageStatusExpired

	BatchStatusOpen                  = storage.BatchStatusOpen
	BatchStatusCompleted             = storage.BatchStatusCompleted
	BatchStatusCompletedWithFailures = storage.BatchStatusCompletedWithFailures

	SagaStatusCreated      = storage.SagaStatusCreated
	SagaStatusRunning      = storage.SagaStatusRunning
	SagaStatusCompleted    = storage.SagaStatusCompleted
	SagaStatusFailed       = storage.SagaStatusFailed
	SagaStatusCompensating = storage.SagaStatusCompensating
	SagaStatusCompensated  = storage.SagaStatusCompensated

	StepStatusPending      = storage.StepStatusPending
	StepStatusRunning      = storage.StepStatusRunning
	StepStatusCompleted    = storage.StepStatusCompleted
	StepStatusFailed       = storage.StepStatusFailed
	StepStatusCompensating = storage.StepStatusCompensating
	StepStatusCompensated  = storage.StepStatusCompensated
	StepStatusSkipped      = storage.StepStatusSkipped
)

// HeaderReplayedFrom is set on a message re-emitted from the dead-letter store
// and carries the id of the dead-letter entry.
const HeaderReplayedFrom = "x-replayed-from"
