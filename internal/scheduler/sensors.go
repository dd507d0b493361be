package scheduler

import (
	"context"
	"fmt"

	"github.com/haasonsaas/synapse/pkg/models"
)

// EmitSensor appends a sensor_reading event and synchronously evaluates the
// reflex rules for it. A firing rule appends a reflex_triggered event
// referencing the sensor's seq, preempts conflicting agent calls on the
// action's resource, and enqueues the action through the normal dispatch
// path marked reflex.
//
// The reaction budget is 50ms from sensor append to dispatched action; all
// work before the action goroutine starts is synchronous and allocation-light
// for that reason.
func (s *Scheduler) EmitSensor(ctx context.Context, sensor string, payload map[string]any) (int64, error) {
	if sensor == "" {
		return 0, fmt.Errorf("sensor name is required")
	}

	eventPayload := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		eventPayload[k] = v
	}
	eventPayload["sensor"] = sensor

	start := s.clock.Now()
	seq, err := s.world.Append(&models.Event{
		Type:    models.EventSensorReading,
		Payload: eventPayload,
	})
	if err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.EventsAppended.WithLabelValues(string(models.EventSensorReading)).Inc()
	}

	if s.reflexes == nil {
		return seq, nil
	}
	firing := s.reflexes.Evaluate(sensor, payload)
	if firing == nil {
		return seq, nil
	}

	if _, err := s.world.Append(&models.Event{
		Type: models.EventReflexTriggered,
		Payload: map[string]any{
			"rule_id":     firing.RuleID,
			"source_seq":  seq,
			"action_tool": firing.ActionTool,
			"priority":    firing.Priority,
		},
	}); err != nil {
		return seq, fmt.Errorf("reflex_triggered append: %w", err)
	}
	if s.metrics != nil {
		s.metrics.EventsAppended.WithLabelValues(string(models.EventReflexTriggered)).Inc()
		s.metrics.ReflexFirings.WithLabelValues(firing.RuleID).Inc()
		s.metrics.ReflexLatency.Observe(s.clock.Since(start).Seconds())
	}

	if descriptor, engErr := s.registry.Get(firing.ActionTool); engErr == nil {
		s.preemptResource(descriptor.Resource)
	}

	call := Call{
		CallID:       s.clock.CallID(),
		Tool:         firing.ActionTool,
		Args:         firing.ActionArgs,
		Reflex:       true,
		ReflexRuleID: firing.RuleID,
		Priority:     firing.Priority,
		SourceSeq:    seq,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, engErr := s.Dispatch(context.Background(), call); engErr != nil {
			s.logger.Error("reflex action rejected", "rule_id", firing.RuleID, "tool", firing.ActionTool, "error", engErr)
		}
	}()
	return seq, nil
}

// AppendPluginLifecycle records a plugin state transition in the world
// model. Wired to the plugin loader's OnLifecycle hook.
func (s *Scheduler) AppendPluginLifecycle(plugin, state, message string) {
	payload := map[string]any{"plugin": plugin, "state": state}
	if message != "" {
		payload["message"] = message
	}
	if _, err := s.world.Append(&models.Event{
		Type:    models.EventPluginLifecycle,
		Payload: payload,
	}); err != nil {
		s.logger.Error("plugin_lifecycle append failed", "plugin", plugin, "error", err)
	}
	if s.metrics != nil {
		s.metrics.EventsAppended.WithLabelValues(string(models.EventPluginLifecycle)).Inc()
		s.metrics.PluginStates.WithLabelValues(state).Inc()
	}
}
