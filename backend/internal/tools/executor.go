package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"trial-scout/backend/pkg/errors"
	"trial-scout/backend/pkg/logger"
	"go.uber.org/zap"
)

// Adapter executes one catalog tool against its upstream. Validate runs
// against the raw decoded arguments before any dispatch; Execute returns
// the rendered payload text the synthesis step will see.
type Adapter interface {
	Name() string
	Validate(args map[string]interface{}) error
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Executor dispatches validated tool calls to their adapters and owns the
// per-call timeout and retry loop.
type Executor struct {
	adapters map[string]Adapter
	timeout  time.Duration
	logger   *zap.Logger
}

// NewExecutor builds an executor over the given adapters and checks them
// against the catalog in both directions. A tool declared without an
// adapter, or an adapter registered for an undeclared tool, is a startup
// error.
func NewExecutor(timeout time.Duration, adapters ...Adapter) (*Executor, error) {
	byName := make(map[string]Adapter, len(adapters))
	for _, ad := range adapters {
		if _, dup := byName[ad.Name()]; dup {
			return nil, fmt.Errorf("tool adapter registered twice: %s", ad.Name())
		}
		byName[ad.Name()] = ad
	}

	declared := make(map[string]bool)
	var missing []string
	for _, name := range CatalogNames() {
		declared[name] = true
		if _, ok := byName[name]; !ok {
			missing = append(missing, name)
		}
	}
	var extra []string
	for name := range byName {
		if !declared[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	if len(missing) > 0 || len(extra) > 0 {
		return nil, fmt.Errorf("tool catalog mismatch: missing adapters [%s], undeclared adapters [%s]",
			strings.Join(missing, ", "), strings.Join(extra, ", "))
	}

	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	return &Executor{
		adapters: byName,
		timeout:  timeout,
		logger:   logger.Named("tools"),
	}, nil
}

// Timeout returns the per-call timeout the executor applies.
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

// Invoke runs one tool call. Arguments are validated before any network
// round trip. The per-call timeout spans all retries; transient failures
// are retried with backoff while the shared budget allows, validation
// failures never are. A nil budget disables retries.
func (e *Executor) Invoke(ctx context.Context, name string, args map[string]interface{}, budget *RetryBudget) (string, error) {
	ad, ok := e.adapters[name]
	if !ok {
		return "", errors.NewUnknownTool(name)
	}
	if err := ad.Validate(args); err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	started := time.Now()
	var lastErr error
	attempts := 0
	for {
		attempts++
		payload, err := ad.Execute(callCtx, args)
		if err == nil {
			e.logger.Debug("tool call succeeded",
				zap.String("tool", name),
				zap.Int("attempts", attempts),
				zap.Duration("elapsed", time.Since(started)),
			)
			return payload, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			break
		}
		if budget == nil || !budget.Take() {
			e.logger.Debug("retry budget exhausted",
				zap.String("tool", name),
				zap.Int("attempts", attempts),
			)
			break
		}
		e.logger.Warn("tool call failed, retrying",
			zap.String("tool", name),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		select {
		case <-callCtx.Done():
		case <-time.After(time.Duration(attempts) * time.Second):
		}
		if callCtx.Err() != nil {
			break
		}
	}

	// The turn itself gave up waiting; surface that instead of a tool
	// failure so the whole turn fails.
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	if callCtx.Err() == context.DeadlineExceeded && errors.Classification(lastErr) != errors.ClassValidation {
		lastErr = errors.NewToolTimeout(name, e.timeout)
	}

	if errors.Classification(lastErr) == errors.ClassValidation {
		e.logger.Warn("tool call rejected",
			zap.String("tool", name),
			zap.Error(lastErr),
		)
		return "", lastErr
	}

	failure := errors.NewToolFailed(name, attempts, lastErr)
	e.logger.Error("tool call failed",
		zap.String("tool", name),
		zap.Int("attempts", attempts),
		zap.String("classification", errors.Classification(failure)),
		zap.Duration("elapsed", time.Since(started)),
		zap.Error(lastErr),
	)
	return "", failure
}
