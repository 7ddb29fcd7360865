// Package settlement plans and executes pro-rata withdrawals: one transfer
// per vault asset, ledger zeroing and vote removal on success.
package settlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/store/kv"
)

const (
	userStatusPrefix = "settlement:user:"
	jobStatusPrefix  = "settlement:job:"
	historyKey       = "settlement:history"
	historyLimit     = 50
)

// StatusStore persists settlement lifecycle records. The address-keyed copy
// is canonical for deduplication; the job-keyed copy serves introspection.
type StatusStore struct {
	store kv.Store
}

func NewStatusStore(store kv.Store) *StatusStore {
	return &StatusStore{store: store}
}

// Put writes the status under both keys.
func (s *StatusStore) Put(ctx context.Context, status *model.SettlementStatus) error {
	encoded, err := kv.EncodeValue(status)
	if err != nil {
		return err
	}
	address := strings.ToLower(status.Address)
	if _, err := s.store.Set(ctx, userStatusPrefix+address, encoded, kv.SetOptions{}); err != nil {
		return fmt.Errorf("write user status %s: %w", address, err)
	}
	if _, err := s.store.Set(ctx, jobStatusPrefix+status.JobID, encoded, kv.SetOptions{}); err != nil {
		return fmt.Errorf("write job status %s: %w", status.JobID, err)
	}
	return nil
}

// Archive prepends the status to the bounded history ring.
func (s *StatusStore) Archive(ctx context.Context, status *model.SettlementStatus) error {
	encoded, err := kv.EncodeValue(status)
	if err != nil {
		return err
	}
	return s.store.Pipeline(ctx, func(p kv.Pipeliner) {
		p.LPush(historyKey, encoded)
		p.LTrim(historyKey, 0, historyLimit-1)
	})
}

// ByAddress returns the canonical status for a depositor, or nil.
func (s *StatusStore) ByAddress(ctx context.Context, address string) (*model.SettlementStatus, error) {
	return s.read(ctx, userStatusPrefix+strings.ToLower(address))
}

// ByJob returns the job-keyed status copy, or nil.
func (s *StatusStore) ByJob(ctx context.Context, jobID string) (*model.SettlementStatus, error) {
	return s.read(ctx, jobStatusPrefix+jobID)
}

// Clear removes both copies of a status record.
func (s *StatusStore) Clear(ctx context.Context, status *model.SettlementStatus) error {
	return s.store.Del(ctx,
		userStatusPrefix+strings.ToLower(status.Address),
		jobStatusPrefix+status.JobID,
	)
}

func (s *StatusStore) read(ctx context.Context, key string) (*model.SettlementStatus, error) {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	var status model.SettlementStatus
	if err := kv.DecodeValue(raw, &status); err != nil {
		return nil, fmt.Errorf("decode status %s: %w", key, err)
	}
	return &status, nil
}
