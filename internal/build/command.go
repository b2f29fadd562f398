package build

import (
	"encoding/json"
	"fmt"
)

type CommandKind string

const (
	CommandStartBuild          CommandKind = "start_build"
	CommandGenerationSucceeded CommandKind = "generation_succeeded"
	CommandGenerationFailed    CommandKind = "generation_failed"
	CommandPackagingCompleted  CommandKind = "packaging_completed"
)

// Command is a normalized inbound message.
type Command struct {
	Kind       CommandKind
	ResourceID string
	BuildID    string

	// GenerationData is the resource data passed to the code generator.
	// It is set for CommandStartBuild only.
	GenerationData json.RawMessage

	// Error is set for CommandGenerationFailed and,
	// when packaging failed, for CommandPackagingCompleted.
	Error string
}

func StartBuild(resourceID, buildID string, generationData json.RawMessage) *Command {
	return &Command{Kind: CommandStartBuild, ResourceID: resourceID, BuildID: buildID, GenerationData: generationData}
}

func GenerationSucceeded(resourceID, buildID string) *Command {
	return &Command{Kind: CommandGenerationSucceeded, ResourceID: resourceID, BuildID: buildID}
}

func GenerationFailed(resourceID, buildID, errorMessage string) *Command {
	return &Command{Kind: CommandGenerationFailed, ResourceID: resourceID, BuildID: buildID, Error: errorMessage}
}

// PackagingCompleted returns a command reporting the package manager result.
// An empty errorMessage means that packaging succeeded.
func PackagingCompleted(resourceID, buildID, errorMessage string) *Command {
	return &Command{Kind: CommandPackagingCompleted, ResourceID: resourceID, BuildID: buildID, Error: errorMessage}
}

// Validate returns an error wrapping ErrInvalidCommand if c is malformed.
func (c *Command) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	switch c.Kind {
	case CommandStartBuild, CommandGenerationSucceeded, CommandGenerationFailed, CommandPackagingCompleted:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, c.Kind)
	}
	if c.BuildID == "" {
		return fmt.Errorf("%w: missing build id", ErrInvalidCommand)
	}
	if c.ResourceID == "" {
		return fmt.Errorf("%w: missing resource id", ErrInvalidCommand)
	}
	return nil
}

// failed reports whether c carries a failure.
func (c *Command) failed() bool {
	switch c.Kind {
	case CommandGenerationFailed:
		return true
	case CommandPackagingCompleted:
		return c.Error != ""
	default:
		return false
	}
}
