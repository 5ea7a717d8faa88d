package sagabus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ActionCall describes one invocation of a step action or compensation action.
// Context is the saga context; the invoker may modify it and the changes are
// persisted when the call succeeds.
type ActionCall struct {
	SagaID       string
	StepID       string
	StepName     string
	ServiceName  string
	ActionType   string
	Payload      []byte
	Context      SagaContext
	Timeout      time.Duration
	Compensation bool
}

// ActionInvoker calls the downstream collaborator that executes saga actions.
// Implementations must be idempotent: a call may be repeated after a timeout
// or a crash. Returning an error wrapped with Permanent skips remaining retries.
type ActionInvoker interface {
	Invoke(ctx context.Context, call ActionCall) ([]byte, error)
}

// ActionInvokerFunc adapts a function to ActionInvoker.
type ActionInvokerFunc func(ctx context.Context, call ActionCall) ([]byte, error)

// Invoke implements ActionInvoker.
func (f ActionInvokerFunc) Invoke(ctx context.Context, call ActionCall) ([]byte, error) {
	return f(ctx, call)
}

type actionKey struct {
	service string
	action  string
}

// ServiceRegistry routes calls by service name, and optionally by action
// type, to registered invokers. An unknown route is a permanent failure.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]ActionInvoker
	actions  map[actionKey]ActionInvoker
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]ActionInvoker),
		actions:  make(map[actionKey]ActionInvoker),
	}
}

// Register routes every action of serviceName to invoker.
func (r *ServiceRegistry) Register(serviceName string, invoker ActionInvoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[serviceName] = invoker
}

// Handle routes a single action type of serviceName to fn. It takes
// precedence over a service-wide invoker.
func (r *ServiceRegistry) Handle(serviceName, actionType string, fn ActionInvokerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[actionKey{service: serviceName, action: actionType}] = fn
}

// Invoke implements ActionInvoker.
func (r *ServiceRegistry) Invoke(ctx context.Context, call ActionCall) ([]byte, error) {
	r.mu.RLock()
	invoker, ok := r.actions[actionKey{service: call.ServiceName, action: call.ActionType}]
	if !ok {
		invoker, ok = r.services[call.ServiceName]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, Permanent(fmt.Errorf("no invoker registered for %s/%s", call.ServiceName, call.ActionType))
	}
	return invoker.Invoke(ctx, call)
}

// cloneContext deep-copies the nested maps and slices of a saga context so an
// invocation cannot leak partial writes into the persisted copy.
func cloneContext(src SagaContext) SagaContext {
	if src == nil {
		return SagaContext{}
	}
	dst := make(SagaContext, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case SagaContext:
		return cloneContext(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []byte:
		return append([]byte(nil), val...)
	default:
		return val
	}
}
