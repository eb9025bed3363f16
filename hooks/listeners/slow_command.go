package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/livedb/hooks"
)

// SlowOperationListener logs commands and queries that take longer than a threshold.
type SlowOperationListener struct {
	logger    *slog.Logger
	threshold time.Duration
}

// NewSlowOperationListener creates a listener for PostExecute and PostQuery events.
func NewSlowOperationListener(logger *slog.Logger, threshold time.Duration) *SlowOperationListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SlowOperationListener{
		logger:    logger.With("component", "SlowOperationListener"),
		threshold: threshold,
	}
}

func (l *SlowOperationListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch p := event.Payload().(type) {
	case hooks.PostExecutePayload:
		if p.Duration >= l.threshold {
			l.logger.Warn("Slow command",
				"command_type", p.CommandType,
				"sequence", p.Sequence,
				"outcome", p.Outcome,
				"duration", p.Duration,
			)
		}
	case hooks.PostQueryPayload:
		if p.Duration >= l.threshold {
			l.logger.Warn("Slow query",
				"query_type", p.QueryType,
				"text", p.Text,
				"duration", p.Duration,
			)
		}
	default:
		l.logger.Error("Received event with unexpected payload type", "event", event.Type(), "payload_type", fmt.Sprintf("%T", event.Payload()))
	}
	return nil
}

// Priority defines the execution order.
func (l *SlowOperationListener) Priority() int { return 100 }

// IsAsync keeps logging off the caller's path.
func (l *SlowOperationListener) IsAsync() bool { return true }
