package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/sagabus"
	"github.com/overtonx/sagabus/storage/memstore"
)

func newTestServer(t *testing.T) (*httptest.Server, *sagabus.Carrier) {
	t.Helper()
	carrier, err := sagabus.NewCarrier(memstore.New())
	require.NoError(t, err)
	server := httptest.NewServer(NewRouter(NewHandler(carrier, nil)))
	t.Cleanup(server.Close)
	return server, carrier
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func deadLetter(t *testing.T, carrier *sagabus.Carrier) string {
	t.Helper()
	ctx := context.Background()
	messageID, err := carrier.Messages().Publish(ctx, sagabus.PublishRequest{Topic: "orders", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, carrier.Messages().MarkProcessing(ctx, messageID))
	status, err := carrier.Messages().Fail(ctx, messageID, "broker down")
	require.NoError(t, err)
	require.Equal(t, sagabus.MessageStatusFailed, status)
	dl, err := carrier.DeadLetters().GetByMessageID(ctx, messageID)
	require.NoError(t, err)
	return dl.ID
}

func TestDeadLetterRoutes(t *testing.T) {
	server, carrier := newTestServer(t)
	id := deadLetter(t, carrier)

	resp := do(t, http.MethodGet, server.URL+"/dead-letters?topic=orders", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []sagabus.DeadLetterMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)

	resp = do(t, http.MethodGet, server.URL+"/dead-letters/"+id, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPost, server.URL+"/dead-letters/"+id+"/retry", "")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var retried retryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&retried))
	assert.NotEmpty(t, retried.MessageID)

	resp = do(t, http.MethodPost, server.URL+"/dead-letters/"+id+"/retry", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, server.URL+"/dead-letters/"+id+"/discard", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDeadLetterRoutes_Errors(t *testing.T) {
	server, _ := newTestServer(t)

	resp := do(t, http.MethodGet, server.URL+"/dead-letters/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Error)

	resp = do(t, http.MethodGet, server.URL+"/dead-letters?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, server.URL+"/dead-letters?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, server.URL+"/dead-letters", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []sagabus.DeadLetterMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestSagaRoutes(t *testing.T) {
	server, carrier := newTestServer(t)
	id, err := carrier.Sagas().CreateSaga(context.Background(), sagabus.CreateSagaRequest{
		Name: "place-order",
		Type: "order",
		Steps: []sagabus.StepDefinition{
			{Name: "reserve-stock", ServiceName: "inventory", ActionType: "reserve", CompensationActionType: "release"},
		},
	})
	require.NoError(t, err)

	resp := do(t, http.MethodGet, server.URL+"/sagas/"+id, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var details sagabus.SagaDetails
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&details))
	assert.Equal(t, sagabus.SagaStatusCreated, details.Saga.Status)
	assert.Len(t, details.Steps, 1)

	resp = do(t, http.MethodPost, server.URL+"/sagas/"+id+"/force-fail", `{"note":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, server.URL+"/sagas/"+id+"/force-fail", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, server.URL+"/sagas/"+id+"/force-fail", `{"note":"manual cleanup"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, server.URL+"/sagas/"+id+"/resume-compensation", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, server.URL+"/sagas/"+id+"/abort", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = do(t, http.MethodPost, server.URL+"/sagas/"+id+"/abort", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodGet, server.URL+"/sagas/stuck", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var stuck []sagabus.Saga
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stuck))
	assert.Empty(t, stuck)

	resp = do(t, http.MethodGet, server.URL+"/sagas/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatchAndSubscriptionRoutes(t *testing.T) {
	server, carrier := newTestServer(t)
	ctx := context.Background()

	batchID, err := carrier.Batches().CreateBatch(ctx, "nightly", []string{"m-1", "m-2"})
	require.NoError(t, err)

	resp := do(t, http.MethodGet, server.URL+"/batches/"+batchID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var batch sagabus.MessageBatch
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&batch))
	assert.Equal(t, 2, batch.TotalMessages)

	sub, err := carrier.Subscriptions().Register(ctx, "orders", "billing", "billing-orders", nil)
	require.NoError(t, err)

	resp = do(t, http.MethodPost, server.URL+"/subscriptions/"+sub.ID+"/active", `{"active":false}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, server.URL+"/subscriptions?active_only=true", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var subs []sagabus.Subscription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&subs))
	assert.Empty(t, subs)

	resp = do(t, http.MethodGet, server.URL+"/subscriptions?topic=orders", "")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&subs))
	require.Len(t, subs, 1)
	assert.False(t, subs[0].IsActive)

	resp = do(t, http.MethodPost, server.URL+"/subscriptions/missing/active", `{"active":true}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusOf(sagabus.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusOf(sagabus.ErrConflict))
	assert.Equal(t, http.StatusConflict, statusOf(sagabus.ErrAlreadyExists))
	assert.Equal(t, http.StatusBadRequest, statusOf(sagabus.ErrInvalidArgument))
	assert.Equal(t, http.StatusInternalServerError, statusOf(assert.AnError))
}
