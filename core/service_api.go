package core

import (
	"context"

	"pkt.systems/dockerrunner/schema"
)

// Service is the transport-agnostic API for spinning batches of containers.
type Service interface {
	SpinSequential(ctx context.Context, count int) (schema.BatchResult, error)
	SpinParallel(ctx context.Context, count int) (schema.BatchResult, error)
}

// BatchRunner executes one batch under a fixed scheduling discipline.
type BatchRunner interface {
	RunBatch(ctx context.Context, id schema.BatchID, count int) (schema.BatchResult, error)
}
