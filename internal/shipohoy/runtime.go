package shipohoy

import "context"

// Runtime drives one-shot container lifecycles against a container daemon.
//
// A Handle returned by Create is owned by the caller until Remove; using it
// afterwards is a programming error.
type Runtime interface {
	EnsureImage(ctx context.Context, image string) error
	Create(ctx context.Context, spec ContainerSpec) (Handle, error)
	Start(ctx context.Context, handle Handle) error
	// Wait blocks until the container process exits and returns its exit code.
	Wait(ctx context.Context, handle Handle) (int, error)
	// Logs returns combined stdout and stderr emitted by the container.
	Logs(ctx context.Context, handle Handle) ([]byte, error)
	Remove(ctx context.Context, handle Handle) error
	Janitor(ctx context.Context, spec JanitorSpec) (int, error)
}

// Handle represents a created container.
type Handle interface {
	Name() string
	ID() string
}
