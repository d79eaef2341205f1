package task

import "time"

// MetricsRecorder receives per-task-type observations from the Worker.
type MetricsRecorder interface {
	RecordInvocation(taskType string)
	RecordProcessingLag(taskType string, lag time.Duration)
	RecordDuration(taskType string, d time.Duration)
	RecordCompleted(taskType string)
	RecordFailed(taskType string)
}

type noopMetrics struct{}

func (noopMetrics) RecordInvocation(string)                   {}
func (noopMetrics) RecordProcessingLag(string, time.Duration) {}
func (noopMetrics) RecordDuration(string, time.Duration)      {}
func (noopMetrics) RecordCompleted(string)                    {}
func (noopMetrics) RecordFailed(string)                       {}
