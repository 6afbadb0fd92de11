package model

// ProcessingStatus is the pipeline state of a WorkItem.
type ProcessingStatus string

const (
	StatusPending      ProcessingStatus = "pending"
	StatusStage1Done   ProcessingStatus = "stage1_done"
	StatusStage2Done   ProcessingStatus = "stage2_done"
	StatusStage3Done   ProcessingStatus = "stage3_done"
	StatusEnriched     ProcessingStatus = "enriched"
	StatusMaterialized ProcessingStatus = "materialized"
	StatusFilteredOut  ProcessingStatus = "filtered_out"
	StatusError        ProcessingStatus = "error"
)

// stageOrder is the happy path. Index is the rank used for ordering checks.
var stageOrder = []ProcessingStatus{
	StatusPending,
	StatusStage1Done,
	StatusStage2Done,
	StatusStage3Done,
	StatusEnriched,
	StatusMaterialized,
}

// Rank returns the position of s on the happy path, or -1 for the
// filtered/error terminals and unknown values.
func (s ProcessingStatus) Rank() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s ProcessingStatus) Valid() bool {
	return s.Rank() >= 0 || s == StatusFilteredOut || s == StatusError
}

// IsTerminal reports whether no further transition can leave s.
func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusMaterialized || s == StatusFilteredOut || s == StatusError
}

// Next returns the following happy-path status. ok is false for terminals.
func (s ProcessingStatus) Next() (ProcessingStatus, bool) {
	r := s.Rank()
	if r < 0 || r+1 >= len(stageOrder) {
		return "", false
	}
	return stageOrder[r+1], true
}

// CanTransition reports whether moving from -> to is allowed: exactly one
// step forward on the happy path, or into filtered_out/error from any
// non-terminal status.
func CanTransition(from, to ProcessingStatus) bool {
	if from.IsTerminal() || !from.Valid() {
		return false
	}
	if to == StatusFilteredOut || to == StatusError {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

// AtOrPast reports whether s has already reached target on the happy path.
// Terminal filtered/error states count as past every stage.
func (s ProcessingStatus) AtOrPast(target ProcessingStatus) bool {
	if s == StatusFilteredOut || s == StatusError {
		return true
	}
	return s.Rank() >= target.Rank() && target.Rank() >= 0
}

// LeadStatus is the processing status of a materialized Lead.
type LeadStatus string

const (
	LeadStatusCompleted          LeadStatus = "completed"
	LeadStatusFilteredHRProvider LeadStatus = "filtered_hr_provider"
)

// MessageStatus records how the approach message was produced.
type MessageStatus string

const (
	MessageGenerated MessageStatus = "generated"
	MessageFallback  MessageStatus = "fallback"
)

// EnrichmentStatus is the lifecycle of a cached company record.
type EnrichmentStatus string

const (
	EnrichmentPending    EnrichmentStatus = "pending"
	EnrichmentProcessing EnrichmentStatus = "processing"
	EnrichmentEnriched   EnrichmentStatus = "enriched"
	EnrichmentError      EnrichmentStatus = "error"
)
