package eventsourcing

import (
	"context"
	"time"
)

// Command represents an intention to change the system state.
type Command interface {
	// AggregateID returns the ID of the aggregate this command targets.
	AggregateID() string

	// CommandType returns the fully qualified type name of the command.
	CommandType() string
}

// Validatable is implemented by commands that can check their own fields.
// now is the instant the command is handled at; date rules resolve against it.
type Validatable interface {
	Validate(now time.Time) error
}

// CommandMetadata contains contextual information about a command.
type CommandMetadata struct {
	// CommandID is the unique identifier for this command
	CommandID string

	// CorrelationID is used to trace related commands and events
	CorrelationID string

	// PrincipalID is the identifier of the principal executing this command
	PrincipalID string

	// Timestamp is when the command was created
	Timestamp time.Time

	// Custom allows for application-specific metadata
	Custom map[string]string
}

// CommandEnvelope wraps a command with its metadata.
type CommandEnvelope struct {
	Command  Command
	Metadata CommandMetadata
}

// NewCommandEnvelope wraps cmd with a fresh command ID and timestamp.
func NewCommandEnvelope(cmd Command) *CommandEnvelope {
	return &CommandEnvelope{
		Command: cmd,
		Metadata: CommandMetadata{
			CommandID: GenerateID(),
			Timestamp: Now(),
		},
	}
}

// EventMetadata derives the metadata stamped on events caused by this command.
func (c *CommandEnvelope) EventMetadata() EventMetadata {
	correlationID := c.Metadata.CorrelationID
	if correlationID == "" {
		correlationID = c.Metadata.CommandID
	}
	return EventMetadata{
		CausationID:   c.Metadata.CommandID,
		CorrelationID: correlationID,
		PrincipalID:   c.Metadata.PrincipalID,
		Custom:        c.Metadata.Custom,
	}
}

// CommandHandler processes a command and returns produced events.
type CommandHandler interface {
	Handle(ctx context.Context, cmd *CommandEnvelope) ([]*Event, error)
}

// CommandHandlerFunc is a function adapter for CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd *CommandEnvelope) ([]*Event, error)

// Handle implements CommandHandler.
func (f CommandHandlerFunc) Handle(ctx context.Context, cmd *CommandEnvelope) ([]*Event, error) {
	return f(ctx, cmd)
}

// CommandBus routes commands to their handlers.
type CommandBus interface {
	// Send sends a command to its handler.
	Send(ctx context.Context, cmd *CommandEnvelope) (*CommandResult, error)

	// Register registers a handler for a command type.
	Register(commandType string, handler CommandHandler)

	// Use adds middleware to the command processing pipeline.
	Use(middleware CommandMiddleware)
}

// CommandMiddleware wraps command handlers with cross-cutting concerns.
type CommandMiddleware func(CommandHandler) CommandHandler

// CommandResult represents the result of processing a command.
type CommandResult struct {
	// CommandID is the ID of the command that was processed
	CommandID string

	// Events are the events produced by the command
	Events []*Event

	// ProcessedAt is when the command was processed
	ProcessedAt time.Time
}
