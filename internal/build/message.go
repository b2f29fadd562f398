package build

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageKind identifies an inbound message type.
type MessageKind string

const (
	MessageCodeGenerationRequest        MessageKind = "code_generation_request"
	MessageCodeGenerationSuccess        MessageKind = "code_generation_success"
	MessageCodeGenerationFailure        MessageKind = "code_generation_failure"
	MessagePackageManagerCreateResponse MessageKind = "package_manager_create_response"
)

// ParseMessage decodes an inbound JSON message into a command.
// Errors wrap ErrInvalidCommand. ParseMessage has no side effects,
// so redelivered messages always produce the same command.
func ParseMessage(kind MessageKind, body []byte) (*Command, error) {
	type message struct {
		ResourceID      *string         `json:"resourceId"`
		BuildID         *string         `json:"buildId"`
		DSGResourceData json.RawMessage `json:"dsgResourceData"`
		Error           *string         `json:"error"`
	}

	var msg message
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: invalid body: %w", ErrInvalidCommand, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: invalid body: %w", ErrInvalidCommand, errors.New("multiple top-level values"))
	}

	// Body field buildId.
	if msg.BuildID == nil || *msg.BuildID == "" {
		return nil, fmt.Errorf("%w: missing %s body field", ErrInvalidCommand, "buildId")
	}
	buildID := *msg.BuildID

	// Body field resourceId.
	if msg.ResourceID == nil || *msg.ResourceID == "" {
		return nil, fmt.Errorf("%w: missing %s body field", ErrInvalidCommand, "resourceId")
	}
	resourceID := *msg.ResourceID

	var errorMessage string
	if msg.Error != nil {
		errorMessage = *msg.Error
	}

	switch kind {
	case MessageCodeGenerationRequest:
		if len(msg.DSGResourceData) == 0 || bytes.Equal(msg.DSGResourceData, []byte("null")) {
			return nil, fmt.Errorf("%w: missing %s body field", ErrInvalidCommand, "dsgResourceData")
		}
		return StartBuild(resourceID, buildID, msg.DSGResourceData), nil
	case MessageCodeGenerationSuccess:
		return GenerationSucceeded(resourceID, buildID), nil
	case MessageCodeGenerationFailure:
		if errorMessage == "" {
			errorMessage = "code generation failed"
		}
		return GenerationFailed(resourceID, buildID, errorMessage), nil
	case MessagePackageManagerCreateResponse:
		return PackagingCompleted(resourceID, buildID, errorMessage), nil
	default:
		return nil, fmt.Errorf("%w: unknown message kind %q", ErrInvalidCommand, kind)
	}
}
