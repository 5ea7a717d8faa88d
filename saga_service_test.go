package sagabus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/sagabus/storage"
)

func TestSagaService_CreateSaga(t *testing.T) {
	env := newTestEnv(t)
	correlationID := "order-1"
	req := orderSagaRequest()
	req.Description = "checkout flow"
	req.CorrelationID = &correlationID
	req.MaxRetryAttempts = intPtr(4)
	req.Timeout = durationPtr(time.Hour)
	req.Steps[2].Timeout = durationPtr(5 * time.Second)
	req.Steps[2].Metadata = map[string]string{"carrier": "dhl"}

	id := createSaga(t, env, req)
	details := loadSaga(t, env, id)

	saga := details.Saga
	assert.Equal(t, SagaStatusCreated, saga.Status)
	assert.Equal(t, "place-order", saga.Name)
	assert.Equal(t, "checkout flow", saga.Description)
	assert.Equal(t, 3, saga.TotalSteps)
	assert.Equal(t, 0, saga.CurrentStepIndex)
	assert.Equal(t, 4, saga.MaxRetryAttempts)
	assert.Equal(t, &correlationID, saga.CorrelationID)
	assert.Equal(t, time.Hour, *saga.Timeout)
	assert.Nil(t, saga.StartedAt)
	assert.Equal(t, env.clock.Now(), saga.CreatedAt)

	require.Len(t, details.Steps, 3)
	for i, step := range details.Steps {
		assert.Equal(t, i, step.Order)
		assert.Equal(t, id, step.SagaID)
		assert.Equal(t, StepStatusPending, step.Status)
		assert.Zero(t, step.RetryAttempts)
	}
	assert.Equal(t, 4, details.Steps[0].MaxRetries, "inherits the saga default")
	assert.Equal(t, 2, details.Steps[1].MaxRetries)
	assert.Equal(t, "refund", *details.Steps[1].CompensationActionType)
	assert.Equal(t, 5*time.Second, *details.Steps[2].Timeout)
	assert.Equal(t, "dhl", details.Steps[2].Metadata["carrier"])
}

func TestSagaService_CreateSaga_DefaultRetries(t *testing.T) {
	env := newTestEnv(t)
	req := orderSagaRequest()
	req.Steps[1].MaxRetries = nil

	details := loadSaga(t, env, createSaga(t, env, req))
	assert.Equal(t, defaultMaxRetryAttempts, details.Saga.MaxRetryAttempts)
	for _, step := range details.Steps {
		assert.Equal(t, defaultMaxRetryAttempts, step.MaxRetries)
		assert.Nil(t, step.Timeout)
	}
}

func TestSagaService_CreateSaga_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		mutate func(*CreateSagaRequest)
	}{
		{name: "missing name", mutate: func(r *CreateSagaRequest) { r.Name = "" }},
		{name: "missing type", mutate: func(r *CreateSagaRequest) { r.Type = "" }},
		{name: "no steps", mutate: func(r *CreateSagaRequest) { r.Steps = nil }},
		{name: "step without service", mutate: func(r *CreateSagaRequest) { r.Steps[1].ServiceName = "" }},
		{name: "step without action", mutate: func(r *CreateSagaRequest) { r.Steps[0].ActionType = "" }},
		{name: "negative step retries", mutate: func(r *CreateSagaRequest) { r.Steps[0].MaxRetries = intPtr(-1) }},
		{name: "negative saga retries", mutate: func(r *CreateSagaRequest) { r.MaxRetryAttempts = intPtr(-1) }},
		{name: "zero saga timeout", mutate: func(r *CreateSagaRequest) { r.Timeout = durationPtr(0) }},
		{name: "negative step timeout", mutate: func(r *CreateSagaRequest) { r.Steps[2].Timeout = durationPtr(-time.Second) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := orderSagaRequest()
			tt.mutate(&req)
			_, err := env.carrier.Sagas().CreateSaga(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}

	sagas, err := env.store.ListSagas(context.Background(), storage.SagaFilter{})
	require.NoError(t, err)
	assert.Empty(t, sagas, "an invalid request persists nothing")
}

func TestSagaService_CreateSaga_CopiesContext(t *testing.T) {
	env := newTestEnv(t)
	req := orderSagaRequest()
	nested := map[string]any{"sku": "A-1"}
	req.Context = SagaContext{"item": nested}

	id := createSaga(t, env, req)
	nested["sku"] = "changed"

	details := loadSaga(t, env, id)
	assert.Equal(t, "A-1", details.Saga.Context["item"].(map[string]any)["sku"])
}

func TestSagaService_Get_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.carrier.Sagas().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSagaService_CreateSaga_ReportsStoreFailure(t *testing.T) {
	store := new(storage.MockSagaStore)
	service := NewSagaService(store, nil, nil, nil)

	store.On("CreateSaga", mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError).Once()

	_, err := service.CreateSaga(context.Background(), orderSagaRequest())
	assert.ErrorIs(t, err, assert.AnError)
	store.AssertExpectations(t)
}
