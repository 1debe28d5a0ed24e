package model

// Outcome is the terminal state of one draft's synchronization attempt.
type Outcome string

const (
	OutcomeSynced Outcome = "synced"
	OutcomeFailed Outcome = "failed"
)

// SyncResult records the fate of a single draft. Every draft handed to the
// orchestrator yields exactly one SyncResult, in extraction order.
type SyncResult struct {
	Draft        Draft
	Outcome      Outcome
	ExternalID   string
	ExternalLink string
	Err          error
}

// BatchResult aggregates the per-draft outcomes of one RawInput. Err is set
// only for whole-batch failures (extraction or authorization) that prevented
// any sync attempt; per-draft failures live in Results.
type BatchResult struct {
	Results   []SyncResult
	Succeeded int
	Failed    int
	Err       error
}

// Failure reports whether the whole batch was aborted before any sync.
func (b BatchResult) Failure() bool {
	return b.Err != nil
}
