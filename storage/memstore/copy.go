package memstore

import (
	"maps"
	"slices"
	"time"

	"github.com/overtonx/sagabus/storage"
)

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	return truncate(items, limit)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyDuration(d *time.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return slices.Clone(b)
}

func copyMessage(m storage.Message) storage.Message {
	m.Payload = copyBytes(m.Payload)
	m.ProcessedAt = copyTime(m.ProcessedAt)
	m.ExpiresAt = copyTime(m.ExpiresAt)
	m.NextAttemptAt = copyTime(m.NextAttemptAt)
	m.ErrorMessage = copyString(m.ErrorMessage)
	m.CorrelationID = copyString(m.CorrelationID)
	m.Headers = maps.Clone(m.Headers)
	return m
}

func copyDeadLetter(d storage.DeadLetterMessage) storage.DeadLetterMessage {
	d.Payload = copyBytes(d.Payload)
	d.RetriedAt = copyTime(d.RetriedAt)
	d.StackTrace = copyString(d.StackTrace)
	d.Headers = maps.Clone(d.Headers)
	return d
}

func copyBatch(b storage.MessageBatch) storage.MessageBatch {
	b.MessageIDs = slices.Clone(b.MessageIDs)
	b.CompletedAt = copyTime(b.CompletedAt)
	return b
}

func copySubscription(s storage.Subscription) storage.Subscription {
	s.LastActivityAt = copyTime(s.LastActivityAt)
	s.Configuration = maps.Clone(s.Configuration)
	return s
}

func copySaga(s storage.Saga) storage.Saga {
	s.StartedAt = copyTime(s.StartedAt)
	s.CompletedAt = copyTime(s.CompletedAt)
	s.FailedAt = copyTime(s.FailedAt)
	s.NextWakeAt = copyTime(s.NextWakeAt)
	s.ErrorMessage = copyString(s.ErrorMessage)
	s.CorrelationID = copyString(s.CorrelationID)
	s.Context = copyContext(s.Context)
	s.Timeout = copyDuration(s.Timeout)
	return s
}

// copyContext deep-copies nested maps and slices so that a step action
// mutating its view of the context cannot reach the stored row.
func copyContext(c storage.SagaContext) storage.SagaContext {
	if c == nil {
		return nil
	}
	out := make(storage.SagaContext, len(c))
	for k, v := range c {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = copyValue(inner)
		}
		return out
	case storage.SagaContext:
		return copyContext(t)
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = copyValue(inner)
		}
		return out
	default:
		return v
	}
}

func copyStep(s storage.SagaStep) storage.SagaStep {
	s.ActionPayload = copyBytes(s.ActionPayload)
	s.CompensationActionType = copyString(s.CompensationActionType)
	s.CompensationPayload = copyBytes(s.CompensationPayload)
	s.StartedAt = copyTime(s.StartedAt)
	s.CompletedAt = copyTime(s.CompletedAt)
	s.FailedAt = copyTime(s.FailedAt)
	s.CompensationStartedAt = copyTime(s.CompensationStartedAt)
	s.CompensationCompletedAt = copyTime(s.CompensationCompletedAt)
	s.ErrorMessage = copyString(s.ErrorMessage)
	s.ResponsePayload = copyBytes(s.ResponsePayload)
	s.Timeout = copyDuration(s.Timeout)
	s.NextAttemptAt = copyTime(s.NextAttemptAt)
	s.DeadlineAt = copyTime(s.DeadlineAt)
	s.Metadata = maps.Clone(s.Metadata)
	return s
}
