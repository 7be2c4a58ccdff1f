package metrics

import (
	"strings"

	"threadrelay/internal/bus"
)

// eventMetric maps a lifecycle event type to its counter name.
func eventMetric(eventType string) string {
	return "threadrelay_" + strings.ReplaceAll(eventType, ".", "_") + "_total"
}

// Bind counts every lifecycle event on eb under threadrelay_<type>_total.
// Turn events are additionally labelled with their classification.
func (c *MetricsCollector) Bind(eb *bus.EventBus) string {
	return eb.On("*", func(e bus.Event) {
		c.Counter(eventMetric(e.Type), "Lifecycle events of type "+e.Type, "").Inc()
		if e.Type == bus.EventTurnCompleted {
			if class, ok := e.Detail["classification"].(string); ok && class != "" {
				c.Counter("threadrelay_turns_by_class_total", "Completed turns by classification",
					`class="`+class+`"`).Inc()
			}
		}
	})
}
