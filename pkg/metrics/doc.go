/*
Package metrics defines Shepherd's Prometheus metrics.

All collectors are registered at init and exposed through Handler on the
health HTTP surface at /metrics. The reconciler records cycle counts and
durations, change-detection signals, deploy outcomes, and the consecutive
failure gauge that drives backoff observability. The reconciler also times
each cycle's git sync and image digest resolution; the notifier counts
delivered and failed deploy notifications.

The Timer type wraps the measure-then-observe pattern:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CycleDuration)
*/
package metrics
