package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trial-scout/backend/internal/adapter"
	"trial-scout/backend/internal/progress"
	"trial-scout/backend/internal/tools"
	"trial-scout/backend/pkg/errors"
)

// Gateway is the slice of the model gateway the state machine drives.
type Gateway interface {
	Decide(ctx context.Context, conversation []adapter.Message, catalog []adapter.Tool) (*adapter.Decision, error)
	Synthesize(ctx context.Context, conversation []adapter.Message, outcomes []adapter.ToolOutcome) (string, error)
}

// Invoker dispatches one validated tool call.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]interface{}, budget *tools.RetryBudget) (string, error)
}

// Machine runs a single turn through its lifecycle. It is stateless and
// safe to share across turns; all per-turn state lives on the Turn.
type Machine struct {
	gateway     Gateway
	invoker     Invoker
	publisher   *progress.Publisher
	catalog     []adapter.Tool
	retryBudget int
	logger      *zap.Logger
}

// NewMachine wires a turn machine over the gateway and tool executor.
// retryBudget is the shared number of retries granted to each fan-out.
func NewMachine(gateway Gateway, invoker Invoker, publisher *progress.Publisher, retryBudget int, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryBudget < 0 {
		retryBudget = 0
	}
	return &Machine{
		gateway:     gateway,
		invoker:     invoker,
		publisher:   publisher,
		catalog:     tools.Catalog(),
		retryBudget: retryBudget,
		logger:      logger.Named("agent"),
	}
}

// Run drives the turn from pending to a terminal state. The outcome is
// recorded on the turn; Run itself never returns an error.
func (m *Machine) Run(ctx context.Context, t *Turn) {
	m.publishState(t, "")

	if err := m.toState(t, StateAnalyzing); err != nil {
		m.fail(ctx, t, err)
		return
	}

	decision, err := m.gateway.Decide(ctx, t.Conversation, m.catalog)
	if err != nil {
		m.fail(ctx, t, err)
		return
	}

	if len(decision.Requests) == 0 {
		if strings.TrimSpace(decision.Answer) == "" {
			m.fail(ctx, t, errors.NewMalformedDecision("neither an answer nor tool requests"))
			return
		}
		if err := m.toState(t, StateSynthesizing); err != nil {
			m.fail(ctx, t, err)
			return
		}
		m.completeTurn(t, decision.Answer)
		return
	}

	calls := prepareCalls(decision.Requests, m.knownTools())
	t.setCalls(calls)

	runnable := runnableCalls(calls)
	m.logger.Debug("decide requested tools",
		zap.String("turn_id", t.ID),
		zap.Int("requested", len(decision.Requests)),
		zap.Int("runnable", len(runnable)))
	if len(runnable) == 0 {
		m.fail(ctx, t, errors.ErrNoValidAction)
		return
	}

	if err := m.toState(t, StateToolCalling); err != nil {
		m.fail(ctx, t, err)
		return
	}

	budget := tools.NewRetryBudget(m.retryBudget)
	g, gctx := errgroup.WithContext(ctx)
	for _, call := range runnable {
		g.Go(func() error {
			call.markRunning()
			m.publishTool(t, call.Name, fmt.Sprintf("Running %s", call.Name))

			payload, err := m.invoker.Invoke(gctx, call.Name, call.Arguments, budget)
			if err != nil {
				call.markFailed(err)
				m.publishTool(t, call.Name, fmt.Sprintf("%s failed (%s)", call.Name, errors.Classification(err)))
				return nil
			}
			call.markSucceeded(payload)
			m.publishTool(t, call.Name, fmt.Sprintf("%s finished", call.Name))
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		m.fail(ctx, t, ctx.Err())
		return
	}

	if err := m.toState(t, StateSynthesizing); err != nil {
		m.fail(ctx, t, err)
		return
	}

	answer, err := m.gateway.Synthesize(ctx, t.Conversation, buildOutcomes(t.toolCalls()))
	if err != nil {
		m.fail(ctx, t, err)
		return
	}
	m.completeTurn(t, answer)
}

// toState advances the turn one state and announces it. An illegal move
// is returned to the caller and nothing is published.
func (m *Machine) toState(t *Turn, to State) error {
	if err := t.advance(to); err != nil {
		return err
	}
	m.logger.Debug("turn state",
		zap.String("turn_id", t.ID),
		zap.String("state", to.String()))
	m.publishState(t, "")
	return nil
}

func (m *Machine) knownTools() map[string]bool {
	known := make(map[string]bool, len(m.catalog))
	for _, tool := range m.catalog {
		known[tool.Function.Name] = true
	}
	return known
}

// prepareCalls turns the model's requests into the turn's call set.
// Requests naming an unknown tool or carrying unparseable arguments are
// recorded as already-failed validation calls without ever dispatching.
// Identical requests collapse onto one call, later ids joining DupIDs.
func prepareCalls(requests []adapter.ToolRequest, known map[string]bool) []*ToolCall {
	calls := make([]*ToolCall, 0, len(requests))
	byKey := make(map[string]*ToolCall, len(requests))

	for _, req := range requests {
		call := &ToolCall{
			ID:           req.ID,
			Name:         req.Name,
			Arguments:    req.Arguments,
			RawArguments: req.RawArguments,
			status:       CallPending,
		}
		if req.ParseErr != nil {
			call.markFailed(errors.NewInvalidArguments(req.Name, "arguments are not valid JSON: "+req.ParseErr.Error()))
			calls = append(calls, call)
			continue
		}
		if !known[req.Name] {
			call.markFailed(errors.NewUnknownTool(req.Name))
			calls = append(calls, call)
			continue
		}

		call.Key = callKey(req)
		if prior, ok := byKey[call.Key]; ok {
			prior.DupIDs = append(prior.DupIDs, req.ID)
			continue
		}
		byKey[call.Key] = call
		calls = append(calls, call)
	}
	return calls
}

// callKey builds the dedup key from the tool name and its arguments.
// encoding/json writes map keys in sorted order, so semantically equal
// argument sets produce the same key regardless of wire ordering.
func callKey(req adapter.ToolRequest) string {
	raw, err := json.Marshal(req.Arguments)
	if err != nil {
		return req.Name + ":" + req.RawArguments
	}
	return req.Name + ":" + string(raw)
}

func runnableCalls(calls []*ToolCall) []*ToolCall {
	runnable := make([]*ToolCall, 0, len(calls))
	for _, call := range calls {
		if status, _, _ := call.Outcome(); status == CallPending {
			runnable = append(runnable, call)
		}
	}
	return runnable
}

// buildOutcomes converts the full call set, successes and failures both,
// into the synthesis input. Failed calls keep their reason so the final
// answer can acknowledge what is missing.
func buildOutcomes(calls []*ToolCall) []adapter.ToolOutcome {
	outcomes := make([]adapter.ToolOutcome, 0, len(calls))
	for _, call := range calls {
		status, result, err := call.Outcome()
		out := adapter.ToolOutcome{
			ID:           call.ID,
			DupIDs:       call.DupIDs,
			Name:         call.Name,
			RawArguments: call.RawArguments,
		}
		if status == CallSucceeded {
			out.Result = result
		} else {
			out.Failed = true
			if err != nil {
				out.FailureReason = err.Error()
			} else {
				out.FailureReason = "tool call did not finish"
			}
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// fail records the turn failure. When the turn context itself has
// expired, the cause is wrapped so callers see a deadline or cancel
// error rather than whatever step happened to be in flight.
func (m *Machine) fail(ctx context.Context, t *Turn, cause error) {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		cause = errors.NewTurnDeadline(time.Since(t.StartedAt()), cause)
	case context.Canceled:
		cause = errors.NewBaseError(errors.ErrorTypeOrchestration, "turn canceled", cause)
	}
	if err := t.fail(cause); err != nil {
		m.logger.Error("could not record turn failure",
			zap.String("turn_id", t.ID), zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	m.publishState(t, cause.Error())
	m.logger.Warn("turn failed",
		zap.String("turn_id", t.ID),
		zap.Duration("elapsed", time.Since(t.StartedAt())),
		zap.Error(cause))
}

func (m *Machine) completeTurn(t *Turn, answer string) {
	if err := t.complete(answer); err != nil {
		m.logger.Error("could not record turn result",
			zap.String("turn_id", t.ID), zap.Error(err))
		return
	}
	m.publishState(t, "")
	m.logger.Info("turn completed",
		zap.String("turn_id", t.ID),
		zap.Duration("elapsed", time.Since(t.StartedAt())))
}

func (m *Machine) publishState(t *Turn, errMsg string) {
	state := t.State()
	m.publisher.Publish(progress.Event{
		TurnID:   t.ID,
		Seq:      t.nextSeq(),
		State:    state.String(),
		Status:   progress.StatusFor(state.String()),
		Terminal: state.Terminal(),
		Err:      errMsg,
		At:       time.Now(),
	})
}

func (m *Machine) publishTool(t *Turn, tool, status string) {
	m.publisher.Publish(progress.Event{
		TurnID: t.ID,
		Seq:    t.nextSeq(),
		State:  t.State().String(),
		Status: status,
		Tool:   tool,
		At:     time.Now(),
	})
}
