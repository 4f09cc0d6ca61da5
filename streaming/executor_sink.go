package streaming

import (
	"context"

	"github.com/veritas-project/veritas/executor"
)

// ExecutorSink adapts a Channel into an executor.ProgressSink, publishing
// a "status" event for every terminal step transition.
type ExecutorSink struct {
	Channel *Channel
}

var _ executor.ProgressSink = (*ExecutorSink)(nil)

// Publish implements executor.ProgressSink.
func (s *ExecutorSink) Publish(planID string, ev executor.ProgressEvent) {
	_ = s.Channel.Publish(context.Background(), planID, Event{
		Type:     EventStatus,
		Stage:    string(ev.StepStatus),
		Progress: ev.Progress,
	})
}
