package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/scnms/monitor/dispatch"
	"github.com/itskum47/scnms/monitor/observability"
	"github.com/itskum47/scnms/monitor/store"
	"github.com/itskum47/scnms/monitor/streaming"
)

// BatchResult is one job's contribution to a device's poll batch.
type BatchResult struct {
	JobID    int64              `json:"job_id"`
	Protocol store.Protocol     `json:"protocol"`
	Success  bool               `json:"success"`
	Error    dispatch.ErrorKind `json:"error,omitempty"`
	Metrics  []store.Metric     `json:"metrics,omitempty"`
}

// PollBatch is published on the polling results channel once per device per round.
type PollBatch struct {
	RoundID   string        `json:"round_id"`
	DeviceID  int64         `json:"device_id"`
	Timestamp time.Time     `json:"timestamp"`
	Results   []BatchResult `json:"results"`
}

func (e *Engine) publishBatch(ctx context.Context, roundID string, deviceID int64, at time.Time, results []BatchResult) {
	if e.Bus == nil || len(results) == 0 {
		return
	}
	batch := PollBatch{RoundID: roundID, DeviceID: deviceID, Timestamp: at, Results: results}
	if err := e.Bus.Publish(ctx, streaming.TopicPollingResults, batch); err != nil {
		observability.PublishFailures.WithLabelValues(streaming.TopicPollingResults).Inc()
		e.logger.Warn("failed to publish poll batch", zap.Int64("device_id", deviceID), zap.Error(err))
	}
}
