// Package observe emits one structured record per invocation: component
// id, trigger type, route, duration and outcome. Sinks are pluggable via
// the Recorder interface; structured logging (zap) and CloudEvents
// emission ship here, richer telemetry pipelines plug in externally.
package observe
