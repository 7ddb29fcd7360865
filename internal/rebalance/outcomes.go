package rebalance

import (
	"context"
	"fmt"

	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/store/kv"
)

const (
	lastOutcomeKey    = "rebalance:last"
	outcomeHistoryKey = "rebalance:history"
)

// OutcomeStore persists rebalance outcomes: the latest one plus a capped
// history list, newest first.
type OutcomeStore struct {
	store kv.Store
	limit int64
}

func NewOutcomeStore(store kv.Store, historyLimit int) *OutcomeStore {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &OutcomeStore{store: store, limit: int64(historyLimit)}
}

// Record writes the outcome to the last-outcome key and prepends it to the
// trimmed history in one pipeline.
func (s *OutcomeStore) Record(ctx context.Context, outcome *model.RebalanceOutcome) error {
	encoded, err := kv.EncodeValue(outcome)
	if err != nil {
		return err
	}
	return s.store.Pipeline(ctx, func(p kv.Pipeliner) {
		p.Set(lastOutcomeKey, encoded, kv.SetOptions{})
		p.LPush(outcomeHistoryKey, encoded)
		p.LTrim(outcomeHistoryKey, 0, s.limit-1)
	})
}

// Last returns the most recent outcome, or nil.
func (s *OutcomeStore) Last(ctx context.Context) (*model.RebalanceOutcome, error) {
	raw, ok, err := s.store.Get(ctx, lastOutcomeKey)
	if err != nil || !ok {
		return nil, err
	}
	var outcome model.RebalanceOutcome
	if err := kv.DecodeValue(raw, &outcome); err != nil {
		return nil, fmt.Errorf("decode last outcome: %w", err)
	}
	return &outcome, nil
}

// History returns up to limit outcomes, newest first.
func (s *OutcomeStore) History(ctx context.Context, limit int64) ([]model.RebalanceOutcome, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	entries, err := s.store.LRange(ctx, outcomeHistoryKey, 0, limit-1)
	if err != nil {
		return nil, err
	}
	out := make([]model.RebalanceOutcome, 0, len(entries))
	for _, raw := range entries {
		var outcome model.RebalanceOutcome
		if err := kv.DecodeValue(raw, &outcome); err != nil {
			continue
		}
		out = append(out, outcome)
	}
	return out, nil
}
