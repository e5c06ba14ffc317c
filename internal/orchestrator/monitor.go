package orchestrator

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Monitor receives lifecycle events of orchestration calls and worker
// invocations. Implementations must be safe for concurrent use and
// should not block.
type Monitor interface {
	OnTaskStart(taskID, targetID string)
	OnTaskComplete(taskID string, d time.Duration)
	OnWorkerStart(taskID, workerName string)
	OnWorkerComplete(taskID, workerName string, at time.Time)
	OnWorkerError(taskID, workerName, message string)
}

// Monitors fans events out to several monitors. A sink that panics is
// logged and skipped; the remaining sinks still receive the event.
type Monitors struct {
	sinks  []Monitor
	logger *zap.Logger
}

// NewMonitors creates a fan-out over sinks.
func NewMonitors(logger *zap.Logger, sinks ...Monitor) *Monitors {
	return &Monitors{sinks: sinks, logger: logger}
}

// Add appends sinks.
func (m *Monitors) Add(sinks ...Monitor) { m.sinks = append(m.sinks, sinks...) }

func (m *Monitors) each(event string, fn func(Monitor)) {
	for _, x := range m.sinks {
		m.call(event, x, fn)
	}
}

func (m *Monitors) call(event string, x Monitor, fn func(Monitor)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor panicked",
				zap.String("event", event),
				zap.String("monitor", fmt.Sprintf("%T", x)),
				zap.Any("panic", r))
		}
	}()
	fn(x)
}

func (m *Monitors) OnTaskStart(taskID, targetID string) {
	m.each("task_start", func(x Monitor) { x.OnTaskStart(taskID, targetID) })
}

func (m *Monitors) OnTaskComplete(taskID string, d time.Duration) {
	m.each("task_complete", func(x Monitor) { x.OnTaskComplete(taskID, d) })
}

func (m *Monitors) OnWorkerStart(taskID, workerName string) {
	m.each("worker_start", func(x Monitor) { x.OnWorkerStart(taskID, workerName) })
}

func (m *Monitors) OnWorkerComplete(taskID, workerName string, at time.Time) {
	m.each("worker_complete", func(x Monitor) { x.OnWorkerComplete(taskID, workerName, at) })
}

func (m *Monitors) OnWorkerError(taskID, workerName, message string) {
	m.each("worker_error", func(x Monitor) { x.OnWorkerError(taskID, workerName, message) })
}

// LogMonitor writes every event to a zap logger.
type LogMonitor struct {
	logger *zap.Logger
}

// NewLogMonitor creates a monitor that logs events.
func NewLogMonitor(logger *zap.Logger) *LogMonitor {
	return &LogMonitor{logger: logger}
}

func (m *LogMonitor) OnTaskStart(taskID, targetID string) {
	m.logger.Info("analysis started", zap.String("task", taskID), zap.String("target", targetID))
}

func (m *LogMonitor) OnTaskComplete(taskID string, d time.Duration) {
	m.logger.Info("analysis finished", zap.String("task", taskID), zap.Duration("duration", d))
}

func (m *LogMonitor) OnWorkerStart(taskID, workerName string) {
	m.logger.Debug("worker started", zap.String("task", taskID), zap.String("worker", workerName))
}

func (m *LogMonitor) OnWorkerComplete(taskID, workerName string, at time.Time) {
	m.logger.Debug("worker completed",
		zap.String("task", taskID),
		zap.String("worker", workerName),
		zap.Time("at", at))
}

func (m *LogMonitor) OnWorkerError(taskID, workerName, message string) {
	m.logger.Warn("worker failed",
		zap.String("task", taskID),
		zap.String("worker", workerName),
		zap.String("error", message))
}
