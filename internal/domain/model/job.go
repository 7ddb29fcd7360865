package model

import "encoding/json"

type JobType string

const (
	JobTypeRebalance  JobType = "rebalance"
	JobTypeSettlement JobType = "settlement"
)

type RebalanceReason string

const (
	RebalanceReasonDeposit RebalanceReason = "deposit"
	RebalanceReasonVote    RebalanceReason = "vote"
	RebalanceReasonManual  RebalanceReason = "manual"
)

// Job is one durable unit of work on the FIFO queue.
type Job struct {
	ID            string          `json:"id"`
	Type          JobType         `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	EnqueuedAt    int64           `json:"enqueuedAt"`
	LastAttemptAt int64           `json:"lastAttemptAt,omitempty"`
}

// RebalancePayload is the payload of a rebalance job.
type RebalancePayload struct {
	Reason  RebalanceReason   `json:"reason"`
	Context map[string]string `json:"context,omitempty"`
}

// SettlementPayload is the payload of a settlement job. Share is the
// claimant's fraction of total deposits, for display only; transfer amounts
// come from the integer plan.
type SettlementPayload struct {
	Address                  string              `json:"address"`
	Share                    float64             `json:"share"`
	Plan                     []AssetTransferPlan `json:"plan"`
	TotalDepositsMinorUnits  string              `json:"totalDepositsMinorUnits"`
	ClaimantDepositMinor     string              `json:"claimantDepositMinorUnits"`
	RequestID                string              `json:"requestId"`
	RequestedAt              int64               `json:"requestedAt"`
}

// AssetTransferPlan is one pro-rata transfer within a settlement.
type AssetTransferPlan struct {
	AssetID         string    `json:"assetId"`
	Symbol          string    `json:"symbol"`
	Kind            AssetKind `json:"kind"`
	TokenAddress    string    `json:"tokenAddress,omitempty"`
	Decimals        int       `json:"decimals"`
	AmountMinor     string    `json:"amountMinorUnits"`
	AmountFormatted string    `json:"amountFormatted"`
}
