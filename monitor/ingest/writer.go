package ingest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/itskum47/scnms/monitor/dispatch"
	"github.com/itskum47/scnms/monitor/observability"
	"github.com/itskum47/scnms/monitor/store"
)

// Units inferred from metric names.
const (
	UnitBytes   = "bytes"
	UnitPackets = "packets"
	UnitPercent = "percent"
	UnitSeconds = "seconds"
	UnitCount   = "count"
)

// unitRules are checked in order; the first matching substring wins.
var unitRules = []struct {
	needles []string
	unit    string
}{
	{[]string{"octets", "bytes"}, UnitBytes},
	{[]string{"pkts", "packets"}, UnitPackets},
	{[]string{"utilization", "usage"}, UnitPercent},
	{[]string{"time", "uptime"}, UnitSeconds},
}

// UnitFor infers a unit from a metric key.
func UnitFor(name string) string {
	lower := strings.ToLower(name)
	for _, r := range unitRules {
		for _, n := range r.needles {
			if strings.Contains(lower, n) {
				return r.unit
			}
		}
	}
	return UnitCount
}

// MetricName is the stored name for a data key fetched over a protocol.
func MetricName(p store.Protocol, key string) string {
	return fmt.Sprintf("%s_%s", p, key)
}

// Writer converts successful poll outcomes into stored metrics.
type Writer struct {
	metrics store.MetricStore
	logger  *zap.Logger
}

func NewWriter(metrics store.MetricStore, logger *zap.Logger) *Writer {
	return &Writer{metrics: metrics, logger: logger}
}

// Convert builds the metrics for an outcome without storing them. Failed
// outcomes yield nothing. Values that do not parse as numbers are stored as 0.
func (w *Writer) Convert(o dispatch.PollOutcome) []store.Metric {
	if !o.Success || len(o.Data) == 0 {
		return nil
	}

	keys := make([]string, 0, len(o.Data))
	for k := range o.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]store.Metric, 0, len(keys))
	for _, k := range keys {
		name := MetricName(o.Protocol, k)
		value, err := strconv.ParseFloat(strings.TrimSpace(o.Data[k]), 64)
		if err != nil {
			value = 0
			observability.CoercionFailures.WithLabelValues(name).Inc()
			w.logger.Debug("non-numeric value stored as 0",
				zap.Int64("device_id", o.DeviceID),
				zap.String("metric", name))
		}
		out = append(out, store.Metric{
			DeviceID:  o.DeviceID,
			Name:      name,
			Value:     value,
			Unit:      UnitFor(k),
			Timestamp: o.Timestamp,
		})
	}
	return out
}

// Write converts an outcome and appends the result in one store call.
func (w *Writer) Write(ctx context.Context, o dispatch.PollOutcome) ([]store.Metric, error) {
	metrics := w.Convert(o)
	if len(metrics) == 0 {
		return nil, nil
	}
	if err := w.metrics.AppendMetrics(ctx, metrics...); err != nil {
		return nil, fmt.Errorf("write metrics for job %d: %w", o.JobID, err)
	}
	observability.MetricsWritten.Add(float64(len(metrics)))
	return metrics, nil
}
