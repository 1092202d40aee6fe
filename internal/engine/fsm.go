package engine

import (
	"context"
	"sync"

	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/pkg/schema"
)

// TransitionHook is called before or after a run state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store; the FSM emits one audit event
// per transition through it.
type EventAppender interface {
	AppendAudit(ctx context.Context, event *store.AuditEvent) error
}

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run lifecycle transitions and emits the matching
// audit event for each one. The orchestrator persists the new status;
// the FSM only guards the transition table.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits audit events via the appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run state transition, emitting the
// corresponding audit event.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := runEventType(from, to); eventType != "" {
		event := &store.AuditEvent{
			RunID: runID,
			Type:  eventType,
		}
		if err := f.appender.AppendAudit(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		if from == schema.RunStatusAwaitingApproval {
			return schema.EventRunResumed
		}
		return schema.EventRunStarted
	case schema.RunStatusAwaitingApproval:
		return schema.EventRunSuspended
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusRejected:
		return schema.EventRunRejected
	case schema.RunStatusTimedOut:
		return schema.EventRunTimedOut
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}

// ValidRunTransitions defines the allowed run lifecycle transitions.
// AwaitingApproval cycles back to Running on resume; every active state
// can be cancelled.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusInitialized: {schema.RunStatusRunning, schema.RunStatusCancelled, schema.RunStatusFailed},
	schema.RunStatusRunning: {
		schema.RunStatusAwaitingApproval, schema.RunStatusCompleted, schema.RunStatusRejected,
		schema.RunStatusTimedOut, schema.RunStatusFailed, schema.RunStatusCancelled,
	},
	schema.RunStatusAwaitingApproval: {
		schema.RunStatusRunning, schema.RunStatusRejected, schema.RunStatusTimedOut,
		schema.RunStatusFailed, schema.RunStatusCancelled,
	},
	schema.RunStatusCompleted: {},
	schema.RunStatusRejected:  {},
	schema.RunStatusTimedOut:  {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}
