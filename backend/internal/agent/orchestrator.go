package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trial-scout/backend/internal/adapter"
	"trial-scout/backend/internal/progress"
	"trial-scout/backend/pkg/errors"
)

const sweepInterval = 30 * time.Second

// Options tunes the orchestrator's per-turn limits.
type Options struct {
	// TurnDeadline bounds a whole turn, decide through synthesis.
	TurnDeadline time.Duration
	// ResultTTL is how long a finished turn stays queryable.
	ResultTTL time.Duration
}

// Orchestrator accepts turns, runs each on its own goroutine under the
// turn deadline, and keeps finished turns around until their TTL lapses
// so late callers can still fetch results.
type Orchestrator struct {
	machine   *Machine
	publisher *progress.Publisher
	deadline  time.Duration
	resultTTL time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	turns  map[string]*turnHandle
	closed bool

	wg          sync.WaitGroup
	janitorStop chan struct{}
}

type turnHandle struct {
	turn   *Turn
	cancel context.CancelFunc
}

// NewOrchestrator builds the orchestrator and starts its eviction loop.
func NewOrchestrator(machine *Machine, publisher *progress.Publisher, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TurnDeadline <= 0 {
		opts.TurnDeadline = 120 * time.Second
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 10 * time.Minute
	}
	o := &Orchestrator{
		machine:     machine,
		publisher:   publisher,
		deadline:    opts.TurnDeadline,
		resultTTL:   opts.ResultTTL,
		logger:      logger.Named("orchestrator"),
		turns:       make(map[string]*turnHandle),
		janitorStop: make(chan struct{}),
	}
	o.wg.Add(1)
	go o.janitor()
	return o
}

// StartTurn validates the conversation, registers a new turn and starts
// it asynchronously. The turn runs under the orchestrator's deadline
// rather than any caller context, so it outlives the submitting request.
func (o *Orchestrator) StartTurn(conversation []adapter.Message) (string, error) {
	if err := validateConversation(conversation); err != nil {
		return "", err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", errors.NewBaseError(errors.ErrorTypeOrchestration, "orchestrator is shut down", nil)
	}
	id := uuid.NewString()
	turn := NewTurn(id, conversation)
	runCtx, cancel := context.WithTimeout(context.Background(), o.deadline)
	o.turns[id] = &turnHandle{turn: turn, cancel: cancel}
	o.mu.Unlock()

	o.watchProgress(id)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.machine.Run(runCtx, turn)
	}()

	o.logger.Info("turn accepted",
		zap.String("turn_id", id),
		zap.Int("messages", len(conversation)))
	return id, nil
}

func validateConversation(conversation []adapter.Message) error {
	if len(conversation) == 0 {
		return errors.ErrEmptyConversation
	}
	hasUser := false
	for _, msg := range conversation {
		if msg.Role == adapter.RoleUser {
			hasUser = true
			break
		}
	}
	if !hasUser {
		return errors.ErrEmptyConversation
	}
	last := conversation[len(conversation)-1]
	if last.Role != adapter.RoleUser {
		return errors.NewBaseError(errors.ErrorTypeValidation, "conversation must end with a user message", nil)
	}
	if strings.TrimSpace(last.Content) == "" {
		return errors.NewBaseError(errors.ErrorTypeValidation, "user message is empty", nil)
	}
	return nil
}

// watchProgress mirrors the turn's progress stream into the server log.
// The subscription ends itself on the terminal event.
func (o *Orchestrator) watchProgress(turnID string) {
	events, err := o.publisher.Subscribe(context.Background(), turnID)
	if err != nil {
		o.logger.Warn("progress watch unavailable", zap.String("turn_id", turnID), zap.Error(err))
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for ev := range events {
			o.logger.Debug("turn progress",
				zap.String("turn_id", ev.TurnID),
				zap.Int("seq", ev.Seq),
				zap.String("state", ev.State),
				zap.String("status", ev.Status),
				zap.String("tool", ev.Tool))
		}
	}()
}

// Result blocks until the turn finishes or ctx expires, then returns the
// final answer or the turn's failure.
func (o *Orchestrator) Result(ctx context.Context, turnID string) (string, error) {
	turn, err := o.lookup(turnID)
	if err != nil {
		return "", err
	}
	select {
	case <-turn.Done():
		return turn.Outcome()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Snapshot returns the turn's current state without blocking.
func (o *Orchestrator) Snapshot(turnID string) (Snapshot, error) {
	turn, err := o.lookup(turnID)
	if err != nil {
		return Snapshot{}, err
	}
	return turn.Snapshot(), nil
}

// Subscribe attaches to the turn's live progress stream. Events emitted
// before the subscription are not replayed; Snapshot covers catch-up.
func (o *Orchestrator) Subscribe(ctx context.Context, turnID string) (<-chan progress.Event, error) {
	if _, err := o.lookup(turnID); err != nil {
		return nil, err
	}
	return o.publisher.Subscribe(ctx, turnID)
}

// Cancel aborts a running turn. Canceling a finished turn is a no-op.
func (o *Orchestrator) Cancel(turnID string) error {
	o.mu.Lock()
	handle, ok := o.turns[turnID]
	o.mu.Unlock()
	if !ok {
		return errors.NewTurnNotFound(turnID)
	}
	if handle.turn.State().Terminal() {
		return nil
	}
	handle.cancel()
	o.logger.Info("turn cancel requested", zap.String("turn_id", turnID))
	return nil
}

// ActiveTurns counts turns that have not reached a terminal state.
func (o *Orchestrator) ActiveTurns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	active := 0
	for _, handle := range o.turns {
		if !handle.turn.State().Terminal() {
			active++
		}
	}
	return active
}

// Shutdown stops accepting turns, cancels the running ones and waits for
// them to settle or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.janitorStop)
	handles := make([]*turnHandle, 0, len(o.turns))
	for _, handle := range o.turns {
		handles = append(handles, handle)
	}
	o.mu.Unlock()

	for _, handle := range handles {
		handle.cancel()
	}

	settled := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) lookup(turnID string) (*Turn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	handle, ok := o.turns[turnID]
	if !ok {
		return nil, errors.NewTurnNotFound(turnID)
	}
	return handle.turn, nil
}

func (o *Orchestrator) janitor() {
	defer o.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.janitorStop:
			return
		case now := <-ticker.C:
			o.sweep(now)
		}
	}
}

// sweep drops finished turns whose TTL has lapsed.
func (o *Orchestrator) sweep(now time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	evicted := 0
	for id, handle := range o.turns {
		ended := handle.turn.EndedAt()
		if !ended.IsZero() && now.Sub(ended) >= o.resultTTL {
			delete(o.turns, id)
			evicted++
		}
	}
	if evicted > 0 {
		o.logger.Debug("evicted finished turns", zap.Int("count", evicted))
	}
	return evicted
}
