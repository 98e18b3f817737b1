package domain

import "time"

// DeploymentEvent is a progress notification for one deployment, keyed by trace id.
type DeploymentEvent struct {
	TraceID   string          `json:"trace_id"`
	SiteID    string          `json:"site_id"`
	State     ActivationState `json:"state,omitempty"`
	Stage     Stage           `json:"stage,omitempty"`
	Message   string          `json:"message"`
	Final     bool            `json:"final,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventPublisher receives deployment progress. Publishing never blocks a
// deployment.
type EventPublisher interface {
	Publish(event DeploymentEvent)
}
