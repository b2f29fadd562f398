package build

import (
	"context"
	"encoding/json"
)

// Dispatcher publishes outbound events to downstream consumers.
// Consumers must tolerate the same event being dispatched more than once.
type Dispatcher interface {
	Dispatch(ctx context.Context, e *Event) error
}

// Generator invokes the external code generator for a started build.
type Generator interface {
	Generate(ctx context.Context, params *GenerateParams) error
}

type GenerateParams struct {
	ResourceID     string
	BuildID        string
	GenerationData json.RawMessage
}

// PackagingRequest is the payload of EventPackagingRequested.
type PackagingRequest struct {
	ResourceID string `json:"resourceId"`
	BuildID    string `json:"buildId"`
}

// StatusUpdate is the payload of EventBuildCompleted.
type StatusUpdate struct {
	ResourceID string `json:"resourceId"`
	BuildID    string `json:"buildId"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
}

// MarshalPayload encodes the wire payload of e.
func MarshalPayload(e *Event) ([]byte, error) {
	switch e.Kind {
	case EventPackagingRequested:
		return json.Marshal(PackagingRequest{ResourceID: e.ResourceID, BuildID: e.BuildID})
	default:
		return json.Marshal(StatusUpdate{ResourceID: e.ResourceID, BuildID: e.BuildID, Status: e.Status, Error: e.Error})
	}
}
