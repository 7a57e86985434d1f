package eventsourcing

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// DefaultCommandBus is a simple in-memory implementation of CommandBus.
type DefaultCommandBus struct {
	handlers   map[string]CommandHandler
	middleware []CommandMiddleware
	mu         sync.RWMutex
}

// NewCommandBus creates a new command bus instance.
func NewCommandBus() *DefaultCommandBus {
	return &DefaultCommandBus{
		handlers:   make(map[string]CommandHandler),
		middleware: make([]CommandMiddleware, 0),
	}
}

// Register registers a handler for a specific command type.
func (b *DefaultCommandBus) Register(commandType string, handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[commandType]; exists {
		panic(fmt.Sprintf("handler already registered for command type: %s", commandType))
	}

	b.handlers[commandType] = handler
}

// Use adds middleware to the command processing pipeline.
// Middleware is executed in the order it was added (first added = outermost).
func (b *DefaultCommandBus) Use(middleware CommandMiddleware) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.middleware = append(b.middleware, middleware)
}

// Send sends a command to its registered handler.
func (b *DefaultCommandBus) Send(ctx context.Context, cmd *CommandEnvelope) (*CommandResult, error) {
	if cmd == nil || cmd.Command == nil {
		return nil, ErrInvalidCommand
	}

	commandType := cmd.Command.CommandType()

	b.mu.RLock()
	handler, exists := b.handlers[commandType]
	middleware := b.middleware
	b.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, commandType)
	}

	// Build middleware chain (reverse order so first added is outermost)
	finalHandler := handler
	for i := len(middleware) - 1; i >= 0; i-- {
		finalHandler = middleware[i](finalHandler)
	}

	events, err := finalHandler.Handle(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("command handler failed: %w", err)
	}

	return &CommandResult{
		CommandID:   cmd.Metadata.CommandID,
		Events:      events,
		ProcessedAt: Now(),
	}, nil
}

// RegisteredCommands returns the registered command types, sorted.
func (b *DefaultCommandBus) RegisteredCommands() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
