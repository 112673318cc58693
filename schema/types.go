package schema

import "time"

// BatchID identifies a single spin request.
type BatchID string

// Mode selects how the units of a batch are scheduled.
type Mode string

const (
	// ModeSequential runs one container at a time in ordinal order.
	ModeSequential Mode = "sequential"
	// ModeParallel launches every container of the batch at once.
	ModeParallel Mode = "parallel"
)

// Stage names a step of the container unit lifecycle.
type Stage string

const (
	// StageCreate covers container creation.
	StageCreate Stage = "create"
	// StageStart covers container start.
	StageStart Stage = "start"
	// StageWait covers waiting for the container process to exit.
	StageWait Stage = "wait"
	// StageLogs covers log retrieval after exit.
	StageLogs Stage = "logs"
)

// UnitResult is the sanitized output of one container unit.
type UnitResult struct {
	Ordinal int    `json:"containerNumber"`
	Output  string `json:"output"`
}

// BatchResult aggregates the unit results of one batch.
//
// Sequential batches hold results in submission order. Parallel batches are
// returned sorted by ordinal, but Ordinal stays the authoritative identity of
// each result. Elapsed is only measured for parallel batches.
type BatchResult struct {
	BatchID        BatchID       `json:"batchId"`
	Mode           Mode          `json:"mode"`
	RequestedCount int           `json:"containersSpun"`
	Results        []UnitResult  `json:"results"`
	Elapsed        time.Duration `json:"-"`
}

// Ordinals returns the ordinals of the results in their stored order.
func (b BatchResult) Ordinals() []int {
	out := make([]int, 0, len(b.Results))
	for _, r := range b.Results {
		out = append(out, r.Ordinal)
	}
	return out
}
