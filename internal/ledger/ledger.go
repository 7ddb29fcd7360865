// Package ledger records validated deposits and per-depositor totals in the
// KV store. Minor-unit totals are decimal strings handled with math/big.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/store/kv"
)

const (
	txPrefix        = "tx:"
	userTxPrefix    = "user:tx:"
	userStatsPrefix = "user:stats:"

	recordTTL = 365 * 24 * time.Hour
)

// ErrDuplicate is returned when a transaction hash was already recorded.
var ErrDuplicate = fmt.Errorf("transaction already recorded")

// Ledger is the deposit ledger.
type Ledger struct {
	store  kv.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(store kv.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		logger: logger.With("component", "ledger"),
		now:    time.Now,
	}
}

// RecordDeposit stores the detail record and updates the sender's totals.
// Idempotent on the transaction hash: a replay returns ErrDuplicate and
// changes nothing. The detail record is written before the index updates so
// a crash in between is recoverable by re-posting the same hash.
func (l *Ledger) RecordDeposit(ctx context.Context, tx model.DepositRecord) error {
	hash := strings.ToLower(tx.Hash)
	from := strings.ToLower(tx.From)
	tx.Hash = hash
	tx.From = from
	tx.To = strings.ToLower(tx.To)

	encoded, err := kv.EncodeValue(tx)
	if err != nil {
		return err
	}
	stored, err := l.store.Set(ctx, txPrefix+hash, encoded, kv.SetOptions{NX: true, TTL: recordTTL})
	if err != nil {
		return fmt.Errorf("store transaction %s: %w", hash, err)
	}
	if !stored {
		return ErrDuplicate
	}

	if err := l.store.ZAdd(ctx, userTxPrefix+from, kv.Member{Score: float64(tx.Timestamp), Value: hash}); err != nil {
		return fmt.Errorf("index transaction %s: %w", hash, err)
	}

	stats, err := l.GetUserStats(ctx, from)
	if err != nil {
		return err
	}
	total, _ := new(big.Int).SetString(stats.TotalValueMinorUnits, 10)
	if total == nil {
		total = new(big.Int)
	}
	value, ok := new(big.Int).SetString(tx.ValueMinorUnits, 10)
	if !ok {
		return fmt.Errorf("invalid deposit value %q", tx.ValueMinorUnits)
	}
	total.Add(total, value)

	statsKey := userStatsPrefix + from
	fields := map[string]string{
		"totalTransactions":        strconv.FormatInt(stats.TotalTransactions+1, 10),
		"totalValueMinorUnits":     total.String(),
		"lastTransactionHash":      hash,
		"lastTransactionTimestamp": strconv.FormatInt(tx.Timestamp, 10),
	}
	for field, value := range fields {
		if err := l.store.HSet(ctx, statsKey, field, value); err != nil {
			return fmt.Errorf("update stats %s: %w", from, err)
		}
	}

	if err := l.store.Expire(ctx, userTxPrefix+from, recordTTL); err != nil {
		l.logger.Warn("refresh tx index ttl failed", "address", from, "error", err)
	}
	if err := l.store.Expire(ctx, statsKey, recordTTL); err != nil {
		l.logger.Warn("refresh stats ttl failed", "address", from, "error", err)
	}

	l.logger.Info("deposit recorded",
		"hash", hash,
		"from", from,
		"value_minor", tx.ValueMinorUnits,
		"total_minor", total.String(),
	)
	return nil
}

// GetTransaction returns the detail record for a hash, or nil.
func (l *Ledger) GetTransaction(ctx context.Context, hash string) (*model.DepositRecord, error) {
	raw, ok, err := l.store.Get(ctx, txPrefix+strings.ToLower(hash))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var tx model.DepositRecord
	if err := kv.DecodeValue(raw, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetUserStats returns the ledger state for one address; a missing address
// yields zero totals.
func (l *Ledger) GetUserStats(ctx context.Context, address string) (*model.UserStats, error) {
	address = strings.ToLower(address)
	fields, err := l.store.HGetAll(ctx, userStatsPrefix+address)
	if err != nil {
		return nil, fmt.Errorf("read stats %s: %w", address, err)
	}
	return statsFromFields(address, fields), nil
}

// GetAllUserStats iterates every depositor via SCAN.
func (l *Ledger) GetAllUserStats(ctx context.Context) ([]model.UserStats, error) {
	var out []model.UserStats
	var cursor uint64
	for {
		keys, next, err := l.store.Scan(ctx, cursor, userStatsPrefix+"*", 100)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			address := strings.TrimPrefix(key, userStatsPrefix)
			fields, err := l.store.HGetAll(ctx, key)
			if err != nil {
				return nil, err
			}
			out = append(out, *statsFromFields(address, fields))
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// TotalDeposits sums every depositor's outstanding total.
func (l *Ledger) TotalDeposits(ctx context.Context) (*big.Int, error) {
	all, err := l.GetAllUserStats(ctx)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, stats := range all {
		v, ok := new(big.Int).SetString(stats.TotalValueMinorUnits, 10)
		if !ok {
			continue
		}
		total.Add(total, v)
	}
	return total, nil
}

// MarkUserSettled zeroes the address's outstanding total and stamps
// settledAt. Prior transaction records are kept.
func (l *Ledger) MarkUserSettled(ctx context.Context, address string) error {
	address = strings.ToLower(address)
	key := userStatsPrefix + address
	if err := l.store.HSet(ctx, key, "totalValueMinorUnits", "0"); err != nil {
		return fmt.Errorf("zero totals %s: %w", address, err)
	}
	if err := l.store.HSet(ctx, key, "settledAt", strconv.FormatInt(l.now().UnixMilli(), 10)); err != nil {
		return fmt.Errorf("stamp settledAt %s: %w", address, err)
	}
	l.logger.Info("user settled", "address", address)
	return nil
}

// ListUserTransactions returns an address's deposits newest-first.
func (l *Ledger) ListUserTransactions(ctx context.Context, address string, limit int64) ([]model.DepositRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	address = strings.ToLower(address)
	hashes, err := l.store.ZRange(ctx, userTxPrefix+address, 0, limit-1, true)
	if err != nil {
		return nil, err
	}
	out := make([]model.DepositRecord, 0, len(hashes))
	for _, hash := range hashes {
		tx, err := l.GetTransaction(ctx, hash)
		if err != nil || tx == nil {
			continue
		}
		out = append(out, *tx)
	}
	return out, nil
}

func statsFromFields(address string, fields map[string]string) *model.UserStats {
	stats := &model.UserStats{
		Address:              address,
		TotalValueMinorUnits: "0",
	}
	if v, ok := fields["totalValueMinorUnits"]; ok && v != "" {
		stats.TotalValueMinorUnits = v
	}
	if v, ok := fields["totalTransactions"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			stats.TotalTransactions = n
		}
	}
	stats.LastTransactionHash = fields["lastTransactionHash"]
	if v, ok := fields["lastTransactionTimestamp"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			stats.LastTransactionTimestamp = n
		}
	}
	if v, ok := fields["settledAt"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMilli(n)
			stats.SettledAt = &t
		}
	}
	return stats
}
