package sagabus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceRegistry_Routing(t *testing.T) {
	registry := NewServiceRegistry()
	registry.Register("payments", ActionInvokerFunc(func(_ context.Context, call ActionCall) ([]byte, error) {
		return []byte("service:" + call.ActionType), nil
	}))
	registry.Handle("payments", "refund", func(_ context.Context, call ActionCall) ([]byte, error) {
		return []byte("refund-handler"), nil
	})

	resp, err := registry.Invoke(context.Background(), ActionCall{ServiceName: "payments", ActionType: "charge"})
	require.NoError(t, err)
	assert.Equal(t, []byte("service:charge"), resp)

	resp, err = registry.Invoke(context.Background(), ActionCall{ServiceName: "payments", ActionType: "refund"})
	require.NoError(t, err)
	assert.Equal(t, []byte("refund-handler"), resp)

	_, err = registry.Invoke(context.Background(), ActionCall{ServiceName: "inventory", ActionType: "reserve"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err), "an unknown route is never retried")
}

func TestErrors_Classification(t *testing.T) {
	base := errors.New("declined")

	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.ErrorIs(t, Permanent(base), base)
	assert.False(t, IsTransient(Permanent(base)))

	assert.True(t, IsTransient(base))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(invariantViolation("gap at %d", 2)))
	assert.ErrorIs(t, invalidArgument("bad %s", "input"), ErrInvalidArgument)
}

func TestCloneContext(t *testing.T) {
	src := SagaContext{
		"order": map[string]any{"items": []any{"a", map[string]any{"sku": "b"}}},
		"blob":  []byte("raw"),
		"count": 3,
	}
	dst := cloneContext(src)
	require.Equal(t, src, dst)

	dst["order"].(map[string]any)["items"].([]any)[1].(map[string]any)["sku"] = "changed"
	dst["blob"].([]byte)[0] = 'X'
	dst["count"] = 4

	assert.Equal(t, "b", src["order"].(map[string]any)["items"].([]any)[1].(map[string]any)["sku"])
	assert.Equal(t, []byte("raw"), src["blob"])
	assert.Equal(t, 3, src["count"])

	assert.NotNil(t, cloneContext(nil))
}
