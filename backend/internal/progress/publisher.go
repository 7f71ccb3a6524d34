package progress

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

// Event is one progress frame of a turn. Frames are published on every
// state transition and on tool call milestones; Seq increases per turn and
// Terminal is set exactly once, on the completed or failed frame.
type Event struct {
	TurnID   string    `json:"turn_id"`
	Seq      int       `json:"seq"`
	State    string    `json:"state"`
	Status   string    `json:"status,omitempty"`
	Tool     string    `json:"tool,omitempty"`
	Terminal bool      `json:"terminal,omitempty"`
	Err      string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher broadcasts turn progress over an in-process pub/sub, one topic
// per turn. Publish never blocks the caller: events go through a bounded
// queue drained by a pump goroutine, and get dropped when the queue is full
// or nobody subscribed.
type Publisher struct {
	pubSub  *gochannel.GoChannel
	queue   chan Event
	done    chan struct{}
	closing sync.Once
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewPublisher creates a publisher with the given queue depth and starts
// its pump.
func NewPublisher(buffer int, logger *zap.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 64
	}
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(buffer),
	}, newWatermillLogger(logger))

	p := &Publisher{
		pubSub: pubSub,
		queue:  make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go p.pump()
	return p
}

// Publish enqueues an event for broadcast. It returns immediately; when the
// queue is full the event is dropped and counted, never waited on.
func (p *Publisher) Publish(ev Event) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.queue <- ev:
	default:
		dropped := p.dropped.Add(1)
		p.logger.Warn("progress queue full, dropping event",
			zap.String("turn_id", ev.TurnID),
			zap.String("state", ev.State),
			zap.Int64("dropped_total", dropped))
	}
}

// Subscribe opens a stream of events for one turn, starting from the point
// of subscription. The returned channel closes after the terminal event or
// when ctx is done. Each subscriber gets its own delivery; events published
// with no subscriber are not replayed.
func (p *Publisher) Subscribe(ctx context.Context, turnID string) (<-chan Event, error) {
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := p.pubSub.Subscribe(subCtx, topicForTurn(turnID))
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer cancel()
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				p.logger.Warn("undecodable progress frame", zap.Error(err))
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			case <-subCtx.Done():
				return
			}
			if ev.Terminal {
				return
			}
		}
	}()
	return out, nil
}

// Dropped returns how many events were discarded because the queue was full.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops the pump and tears down all subscriptions. Publish calls after
// Close are no-ops.
func (p *Publisher) Close() error {
	p.closing.Do(func() {
		close(p.done)
	})
	return p.pubSub.Close()
}

func (p *Publisher) pump() {
	for {
		select {
		case <-p.done:
			return
		case ev := <-p.queue:
			payload, err := json.Marshal(ev)
			if err != nil {
				p.logger.Error("marshal progress frame", zap.Error(err))
				continue
			}
			msg := message.NewMessage(watermill.NewUUID(), payload)
			if err := p.pubSub.Publish(topicForTurn(ev.TurnID), msg); err != nil {
				p.logger.Warn("publish progress frame",
					zap.String("turn_id", ev.TurnID), zap.Error(err))
			}
		}
	}
}

func topicForTurn(turnID string) string {
	return "turn.progress." + turnID
}

// watermillLogger bridges watermill's logging onto zap.
type watermillLogger struct {
	l *zap.Logger
}

func newWatermillLogger(l *zap.Logger) watermill.LoggerAdapter {
	return &watermillLogger{l: l.Named("pubsub")}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.l.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.l.Debug(msg, zapFields(fields)...)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.l.Debug(msg, zapFields(fields)...)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.l.Debug(msg, zapFields(fields)...)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{l: w.l.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
