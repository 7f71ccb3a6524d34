package agent

import (
	"sync"
	"time"

	"trial-scout/backend/internal/adapter"
	"trial-scout/backend/pkg/errors"
)

// State is one stage of a turn's lifecycle. Turns only ever move forward.
type State int

const (
	StatePending State = iota
	StateAnalyzing
	StateToolCalling
	StateSynthesizing
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StatePending:      "pending",
	StateAnalyzing:    "analyzing",
	StateToolCalling:  "tool_calling",
	StateSynthesizing: "synthesizing",
	StateCompleted:    "completed",
	StateFailed:       "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the state ends the turn.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions lists the forward edges of the lifecycle. A turn skips
// tool_calling when the decide step answers directly; failed is reachable
// from every non-terminal working state but never from pending, since
// submissions are validated before a turn exists.
var transitions = map[State][]State{
	StatePending:      {StateAnalyzing},
	StateAnalyzing:    {StateToolCalling, StateSynthesizing, StateFailed},
	StateToolCalling:  {StateSynthesizing, StateFailed},
	StateSynthesizing: {StateCompleted, StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CallStatus tracks one tool call through its life.
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallRunning   CallStatus = "running"
	CallSucceeded CallStatus = "succeeded"
	CallFailed    CallStatus = "failed"
)

// ToolCall is the turn's record of one unique tool invocation. Requests
// that deduplicated onto this call are listed in DupIDs and share its
// outcome.
type ToolCall struct {
	ID           string
	DupIDs       []string
	Name         string
	Arguments    map[string]interface{}
	RawArguments string
	Key          string

	mu             sync.Mutex
	status         CallStatus
	result         string
	err            error
	classification string
	startedAt      time.Time
	endedAt        time.Time
}

func (c *ToolCall) markRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = CallRunning
	c.startedAt = time.Now()
}

func (c *ToolCall) markSucceeded(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = CallSucceeded
	c.result = result
	c.endedAt = time.Now()
}

func (c *ToolCall) markFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = CallFailed
	c.err = err
	c.classification = errors.Classification(err)
	c.endedAt = time.Now()
}

// Outcome returns the call's terminal status, payload and error.
func (c *ToolCall) Outcome() (CallStatus, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.result, c.err
}

// Classification returns the failure bucket, empty while the call has
// not failed.
func (c *ToolCall) Classification() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classification
}

// Duration reports how long the call has run so far, or its total
// runtime once it ended. Zero before dispatch.
func (c *ToolCall) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	if c.endedAt.IsZero() {
		return time.Since(c.startedAt)
	}
	return c.endedAt.Sub(c.startedAt)
}

// Turn is one question-to-answer cycle. All mutation goes through the
// state machine; reads are safe from any goroutine.
type Turn struct {
	ID           string
	Conversation []adapter.Message

	mu        sync.Mutex
	state     State
	calls     []*ToolCall
	answer    string
	err       error
	resultSet bool
	seq       int
	startedAt time.Time
	endedAt   time.Time
	done      chan struct{}
}

// NewTurn creates a pending turn.
func NewTurn(id string, conversation []adapter.Message) *Turn {
	return &Turn{
		ID:           id,
		Conversation: conversation,
		state:        StatePending,
		startedAt:    time.Now(),
		done:         make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done closes when the turn reaches a terminal state.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Outcome returns the final answer or error. Meaningful only after Done.
func (t *Turn) Outcome() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.answer, t.err
}

// StartedAt returns when the turn was accepted.
func (t *Turn) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

// EndedAt returns when the turn reached a terminal state, zero before.
func (t *Turn) EndedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endedAt
}

// advance moves the turn along one of the lifecycle's forward edges.
// Any other move is an error and leaves the turn untouched.
func (t *Turn) advance(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !canTransition(t.state, to) {
		return errors.NewInvalidTransition(t.state.String(), to.String())
	}
	t.state = to
	return nil
}

// complete moves the turn to completed and sets its answer. The result
// can be set exactly once.
func (t *Turn) complete(answer string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resultSet {
		return errors.ErrResultAlreadySet
	}
	if !canTransition(t.state, StateCompleted) {
		return errors.NewInvalidTransition(t.state.String(), StateCompleted.String())
	}
	t.state = StateCompleted
	t.answer = answer
	t.resultSet = true
	t.endedAt = time.Now()
	close(t.done)
	return nil
}

// fail moves the turn to failed and sets its error. The result can be
// set exactly once.
func (t *Turn) fail(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resultSet {
		return errors.ErrResultAlreadySet
	}
	if !canTransition(t.state, StateFailed) {
		return errors.NewInvalidTransition(t.state.String(), StateFailed.String())
	}
	t.state = StateFailed
	t.err = err
	t.resultSet = true
	t.endedAt = time.Now()
	close(t.done)
	return nil
}

// nextSeq hands out the per-turn progress sequence number.
func (t *Turn) nextSeq() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	return t.seq
}

func (t *Turn) setCalls(calls []*ToolCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = calls
}

func (t *Turn) toolCalls() []*ToolCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Snapshot is a point-in-time view of the turn for the HTTP boundary.
type Snapshot struct {
	ID        string         `json:"turn_id"`
	State     string         `json:"state"`
	Answer    string         `json:"answer,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Calls     []CallSnapshot `json:"tool_calls,omitempty"`
}

// CallSnapshot is one tool call in a turn snapshot.
type CallSnapshot struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Status         string   `json:"status"`
	Classification string   `json:"classification,omitempty"`
	DurationMS     int64    `json:"duration_ms,omitempty"`
	Error          string   `json:"error,omitempty"`
	DupIDs         []string `json:"duplicate_ids,omitempty"`
}

// Snapshot captures the turn's current state for API consumers.
func (t *Turn) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		ID:        t.ID,
		State:     t.state.String(),
		StartedAt: t.startedAt,
	}
	if t.state == StateCompleted {
		snap.Answer = t.answer
	}
	if t.err != nil {
		snap.Error = t.err.Error()
	}
	if !t.endedAt.IsZero() {
		ended := t.endedAt
		snap.EndedAt = &ended
	}
	for _, call := range t.calls {
		status, _, err := call.Outcome()
		cs := CallSnapshot{
			ID:             call.ID,
			Name:           call.Name,
			Status:         string(status),
			Classification: call.Classification(),
			DurationMS:     call.Duration().Milliseconds(),
			DupIDs:         call.DupIDs,
		}
		if err != nil {
			cs.Error = err.Error()
		}
		snap.Calls = append(snap.Calls, cs)
	}
	return snap
}
