package metrics

import "mboflow/logger"

// DropMetric identifies the metric name emitted when subscriber events are dropped.
type DropMetric string

const (
	// DropMetricSubscriberQueue records events evicted from a full subscriber queue.
	DropMetricSubscriberQueue DropMetric = "subscriber_events_dropped"
)

// EmitDropMetric emits the total number of events a subscriber lost over its
// lifetime as a structured metric log with a CloudWatch mirror. Per-drop
// counting happens on the prometheus side through IncrementSubscriberDropped;
// this summary fires once, when the subscription closes.
func EmitDropMetric(log *logger.Log, metric DropMetric, subscriber uint64, count uint64) {
	if count == 0 {
		return
	}
	EmitMetric(log, "hub", string(metric), count, "counter", logger.Fields{
		"subscriber": subscriber,
	})
}
