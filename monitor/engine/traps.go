package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/scnms/monitor/alarm"
	"github.com/itskum47/scnms/monitor/observability"
	"github.com/itskum47/scnms/monitor/store"
	"github.com/itskum47/scnms/monitor/streaming"
)

const trapTimeout = 10 * time.Second

// HandleTrap resolves the trap's device, by id or else by source address,
// and raises the trap alarm unless one is already open.
func (e *Engine) HandleTrap(ctx context.Context, trap alarm.TrapEvent) (*store.Alarm, error) {
	dev, err := e.resolveTrapDevice(ctx, trap)
	if err != nil {
		observability.TrapsReceived.WithLabelValues("error").Inc()
		return nil, err
	}
	if dev == nil {
		observability.TrapsReceived.WithLabelValues("unknown_device").Inc()
		return nil, fmt.Errorf("%w: trap %s from %s", ErrUnknownDevice, trap.TrapType, trap.SourceIP)
	}
	trap.DeviceID = dev.ID
	if trap.ReceivedAt.IsZero() {
		trap.ReceivedAt = e.Scheduler.Now()
	}

	d, err := e.Evaluator.EvaluateTrap(ctx, trap)
	if err != nil {
		observability.TrapsReceived.WithLabelValues("error").Inc()
		return nil, err
	}
	a, err := e.Alarms.Apply(ctx, d)
	if err != nil {
		observability.TrapsReceived.WithLabelValues("error").Inc()
		return nil, err
	}
	observability.TrapsReceived.WithLabelValues(string(d.Kind)).Inc()
	return a, nil
}

func (e *Engine) resolveTrapDevice(ctx context.Context, trap alarm.TrapEvent) (*store.Device, error) {
	if trap.DeviceID != 0 {
		return e.Inventory.GetDevice(ctx, trap.DeviceID)
	}
	if trap.SourceIP == "" {
		return nil, nil
	}
	return e.Inventory.FindDeviceByAddress(ctx, trap.SourceIP)
}

// SubscribeTraps feeds traps from the bus into HandleTrap. Malformed messages
// and traps from unknown devices are logged and dropped.
func (e *Engine) SubscribeTraps(sub streaming.Subscriber) (streaming.Subscription, error) {
	return sub.Subscribe(streaming.TopicTraps, func(ev streaming.Event) {
		var trap alarm.TrapEvent
		if err := json.Unmarshal(ev.Payload, &trap); err != nil {
			observability.TrapsReceived.WithLabelValues("malformed").Inc()
			e.logger.Warn("dropping malformed trap", zap.String("event_id", ev.ID), zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), trapTimeout)
		defer cancel()

		_, err := e.HandleTrap(ctx, trap)
		switch {
		case errors.Is(err, ErrUnknownDevice):
			e.logger.Warn("trap from unknown device", zap.String("source_ip", trap.SourceIP), zap.String("trap_type", trap.TrapType))
		case err != nil:
			e.logger.Error("trap handling failed", zap.String("trap_type", trap.TrapType), zap.Error(err))
		}
	})
}
