package model

type SettlementState string

const (
	SettlementStateQueued    SettlementState = "queued"
	SettlementStateExecuting SettlementState = "executing"
	SettlementStateExecuted  SettlementState = "executed"
	SettlementStateDryRun    SettlementState = "dry-run"
	SettlementStateFailed    SettlementState = "failed"
)

// Terminal reports whether the state can no longer change for this request.
// A failed settlement is retriable via a fresh claim, so it is non-terminal
// for dedup purposes once it passes the stale threshold.
func (s SettlementState) Terminal() bool {
	return s == SettlementStateExecuted || s == SettlementStateDryRun
}

// SettlementStatus is the persisted lifecycle record of one settlement
// request. The address-keyed copy is canonical for deduplication; the
// job-keyed copy exists for worker introspection.
type SettlementStatus struct {
	JobID        string              `json:"jobId"`
	RequestID    string              `json:"requestId"`
	Address      string              `json:"address"`
	Share        float64             `json:"share"`
	Plan         []AssetTransferPlan `json:"plan"`
	State        SettlementState     `json:"state"`
	CreatedAt    int64               `json:"createdAt"`
	UpdatedAt    int64               `json:"updatedAt"`
	Transactions []string            `json:"transactions,omitempty"`
	Error        string              `json:"error,omitempty"`
}
