// Package sinks implements progress consumers: structured logs, Prometheus
// collectors, and a publisher that forwards resolution summaries to a
// message topic.
package sinks
