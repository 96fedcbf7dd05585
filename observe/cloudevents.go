package observe

import (
	"context"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventTypeInvocationFinished is the CloudEvents type emitted once per
// invocation.
const EventTypeInvocationFinished = "host.invocation.finished"

// invocationData is the CloudEvents JSON payload for one record.
type invocationData struct {
	InvocationID string `json:"invocation_id"`
	ComponentID  string `json:"component_id"`
	TriggerType  string `json:"trigger_type"`
	Route        string `json:"route"`
	Outcome      string `json:"outcome"`
	DurationMS   int64  `json:"duration_ms"`
	Error        string `json:"error,omitempty"`
}

// CloudEventsRecorder emits one CloudEvent per invocation to an external
// collector. Send failures are logged, never propagated into the
// dispatch path.
type CloudEventsRecorder struct {
	client cloudevents.Client
	source string
	logger *zap.Logger
}

// NewCloudEventsRecorder creates a recorder sending through client.
// source becomes the CloudEvents source attribute, conventionally the
// application name.
func NewCloudEventsRecorder(client cloudevents.Client, source string, logger *zap.Logger) *CloudEventsRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CloudEventsRecorder{client: client, source: source, logger: logger}
}

func (c *CloudEventsRecorder) Record(ctx context.Context, rec Record) {
	event := newInvocationEvent(c.source, rec)
	if result := c.client.Send(ctx, event); cloudevents.IsUndelivered(result) {
		c.logger.Warn("invocation event undelivered",
			zap.String("invocation", rec.InvocationID),
			zap.Error(result))
	}
}

func newInvocationEvent(source string, rec Record) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(source)
	event.SetType(EventTypeInvocationFinished)
	event.SetSpecVersion(cloudevents.VersionV1)

	data := invocationData{
		InvocationID: rec.InvocationID,
		ComponentID:  rec.ComponentID,
		TriggerType:  string(rec.TriggerType),
		Route:        rec.Route,
		Outcome:      string(rec.Outcome),
		DurationMS:   rec.Duration.Milliseconds(),
	}
	if rec.Err != nil {
		data.Error = rec.Err.Error()
	}
	_ = event.SetData(cloudevents.ApplicationJSON, data)
	return event
}
