package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/ccrecon/pkg/rpc"
	"github.com/openfroyo/ccrecon/pkg/telemetry"
)

// HandleKind distinguishes the two status APIs of the controller.
type HandleKind string

const (
	// HandleTask is polled through the task API.
	HandleTask HandleKind = "task"

	// HandleExecution is polled through the business API execution status.
	HandleExecution HandleKind = "execution"
)

// TaskHandle identifies an asynchronous operation.
type TaskHandle struct {
	Kind HandleKind `json:"kind"`
	ID   string     `json:"id"`
}

// String implements fmt.Stringer.
func (h TaskHandle) String() string {
	return fmt.Sprintf("%s:%s", h.Kind, h.ID)
}

// TaskStatus is one status read of a task.
type TaskStatus struct {
	State         TaskState              `json:"state"`
	Progress      string                 `json:"progress,omitempty"`
	FailureReason string                 `json:"failureReason,omitempty"`
	Raw           map[string]interface{} `json:"-"`
}

// ExtractHandle finds the task handle in a mutating response, if any.
func ExtractHandle(body interface{}) (TaskHandle, bool) {
	m, ok := body.(map[string]interface{})
	if !ok {
		return TaskHandle{}, false
	}

	if id := stringField(m, "executionId"); id != "" {
		return TaskHandle{Kind: HandleExecution, ID: id}, true
	}
	if u := stringField(m, "executionStatusUrl"); u != "" {
		u = strings.TrimRight(u, "/")
		return TaskHandle{Kind: HandleExecution, ID: u[strings.LastIndex(u, "/")+1:]}, true
	}
	if inner, ok := m["response"].(map[string]interface{}); ok {
		if id := stringField(inner, "taskId"); id != "" {
			return TaskHandle{Kind: HandleTask, ID: id}, true
		}
	}
	if id := stringField(m, "taskId"); id != "" {
		return TaskHandle{Kind: HandleTask, ID: id}, true
	}
	return TaskHandle{}, false
}

// DecodeTaskStatus interprets a task or execution status document.
func DecodeTaskStatus(body interface{}) TaskStatus {
	m, _ := body.(map[string]interface{})
	if inner, ok := m["response"].(map[string]interface{}); ok {
		m = inner
	}
	st := TaskStatus{State: TaskInProgress, Raw: m}
	if m == nil {
		return st
	}
	st.Progress = stringField(m, "progress")

	if s := stringField(m, "status"); s != "" {
		st.State = normalizeTaskState(s)
		st.FailureReason = stringField(m, "bapiError")
		if st.FailureReason == "" {
			st.FailureReason = stringField(m, "failureReason")
		}
		return st
	}
	if s := stringField(m, "state"); s != "" {
		st.State = normalizeTaskState(s)
		st.FailureReason = stringField(m, "failureReason")
		return st
	}

	if isErr, _ := m["isError"].(bool); isErr {
		st.State = TaskFailure
		st.FailureReason = stringField(m, "failureReason")
		if st.FailureReason == "" {
			st.FailureReason = st.Progress
		}
		return st
	}
	if v, ok := m["endTime"]; ok && v != nil {
		st.State = TaskSuccess
	}
	return st
}

func normalizeTaskState(s string) TaskState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESS", "COMPLETED":
		return TaskSuccess
	case "FAILURE", "FAILED", "ERROR":
		return TaskFailure
	case "TIMEOUT", "TIMED_OUT":
		return TaskTimeout
	case "PENDING", "QUEUED":
		return TaskPending
	default:
		return TaskInProgress
	}
}

func stringField(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v)
	}
	return s
}

// TrackerConfig controls polling cadence.
type TrackerConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Deadline        time.Duration
}

// DefaultTrackerConfig polls after 1s, doubling up to 8s, for at most 15 minutes.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		InitialInterval: time.Second,
		MaxInterval:     8 * time.Second,
		Deadline:        15 * time.Minute,
	}
}

// PollingTracker implements TaskTracker by polling the controller.
type PollingTracker struct {
	invoker *invoker
	config  TrackerConfig
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	logger  *telemetry.Logger
}

// NewPollingTracker creates a tracker; zero config values take defaults.
func NewPollingTracker(client rpc.Client, cfg TrackerConfig, metrics *telemetry.Metrics, tracer *telemetry.Tracer, logger *telemetry.Logger) *PollingTracker {
	def := DefaultTrackerConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	log := logger.NewComponentLogger("tracker")
	return &PollingTracker{
		invoker: &invoker{client: client, logger: log},
		config:  cfg,
		metrics: metrics,
		tracer:  tracer,
		logger:  log,
	}
}

// Wait implements TaskTracker.
func (t *PollingTracker) Wait(ctx context.Context, handle TaskHandle) (*TaskStatus, error) {
	ctx, span := t.tracer.StartTaskSpan(ctx, handle.String())
	defer span.End()

	dctx, cancel := context.WithTimeout(ctx, t.config.Deadline)
	defer cancel()

	timer := telemetry.NewTimer()
	interval := t.config.InitialInterval
	last := &TaskStatus{State: TaskPending}

	for {
		st, err := t.poll(dctx, handle)
		if err != nil {
			if werr := t.waitError(ctx, dctx, handle, last); werr != nil {
				return last, werr
			}
			e := FromRPC(err, "failed to read task status").WithOperation("task_status")
			telemetry.RecordError(span, e)
			return last, e
		}
		last = st
		t.metrics.RecordTaskPoll(string(st.State))

		if st.State.IsTerminal() {
			t.metrics.RecordTaskWait(string(st.State), timer.Duration())
			switch st.State {
			case TaskSuccess:
				telemetry.RecordSuccess(span)
				return st, nil
			case TaskFailure:
				e := NewError(KindTaskFailed, fmt.Sprintf("task %s failed", handle), nil).
					WithCode(ErrCodeTaskFailed).
					WithDetail("task", handle.String())
				e.Detail = st.FailureReason
				telemetry.RecordError(span, e)
				return st, e
			default:
				e := NewError(KindTaskTimeout, fmt.Sprintf("task %s timed out on the controller", handle), nil).
					WithCode(ErrCodeTimeout).
					WithDetail("task", handle.String())
				e.Detail = st.FailureReason
				telemetry.RecordError(span, e)
				return st, e
			}
		}

		t.logger.Debugf("task %s is %s (%s), next poll in %s", handle, st.State, st.Progress, interval)

		select {
		case <-time.After(interval):
		case <-dctx.Done():
			return last, t.waitError(ctx, dctx, handle, last)
		}

		interval *= 2
		if interval > t.config.MaxInterval {
			interval = t.config.MaxInterval
		}
	}
}

// waitError classifies an interrupted wait, or returns nil if the wait was
// not interrupted.
func (t *PollingTracker) waitError(ctx, dctx context.Context, handle TaskHandle, last *TaskStatus) error {
	if ctx.Err() != nil {
		return NewError(KindCancelled, fmt.Sprintf("stopped waiting for task %s", handle), ctx.Err()).
			WithCode(ErrCodeCancelled).
			WithDetail("task", handle.String())
	}
	if errors.Is(dctx.Err(), context.DeadlineExceeded) {
		t.metrics.RecordTaskWait(string(TaskTimeout), t.config.Deadline)
		return NewError(KindTaskTimeout,
			fmt.Sprintf("task %s did not finish within %s (last state %s)", handle, t.config.Deadline, last.State), nil).
			WithCode(ErrCodeTimeout).
			WithDetail("task", handle.String())
	}
	return nil
}

func (t *PollingTracker) poll(ctx context.Context, handle TaskHandle) (*TaskStatus, error) {
	var res *rpc.Result
	var err error
	switch handle.Kind {
	case HandleExecution:
		res, err = t.invoker.invoke(ctx, rpc.FamilyTask, rpc.FunctionGetExecution,
			rpc.Params{rpc.ParamExecutionID: handle.ID}, false)
	default:
		res, err = t.invoker.invoke(ctx, rpc.FamilyTask, rpc.FunctionGetTask,
			rpc.Params{rpc.ParamTaskID: handle.ID}, false)
	}
	if err != nil {
		return nil, err
	}
	st := DecodeTaskStatus(res.Body)
	return &st, nil
}
