package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"teth/internal/detection"
)

var _ detection.StateBackend = (*StateBackend)(nil)

// StateBackend stores chain state as JSON under <prefix>:chain:<id> and
// indexes known chain ids in the <prefix>:chains set.
type StateBackend struct {
	client Client
	prefix string
	ttl    time.Duration
}

// NewStateBackend creates a Redis state backend. A zero ttl keeps state
// until it is deleted.
func NewStateBackend(client Client, prefix string, ttl time.Duration) *StateBackend {
	if prefix == "" {
		prefix = "teth"
	}
	return &StateBackend{client: client, prefix: prefix, ttl: ttl}
}

func (b *StateBackend) chainKey(id string) string { return b.prefix + ":chain:" + id }
func (b *StateBackend) indexKey() string          { return b.prefix + ":chains" }

// LoadChain returns the stored state, or detection.ErrStateNotFound.
func (b *StateBackend) LoadChain(ctx context.Context, chainID string) (*detection.ChainState, error) {
	data, err := b.client.Get(ctx, b.chainKey(chainID))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, detection.ErrStateNotFound
		}
		return nil, fmt.Errorf("cache: load chain %s: %w", chainID, err)
	}

	var st detection.ChainState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("cache: decode chain %s: %w", chainID, err)
	}
	return &st, nil
}

// SaveChain writes the state and refreshes its TTL.
func (b *StateBackend) SaveChain(ctx context.Context, st *detection.ChainState) error {
	if st == nil || st.ChainID == "" {
		return errors.New("cache: chain state without id")
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("cache: encode chain %s: %w", st.ChainID, err)
	}

	if err := b.client.Set(ctx, b.chainKey(st.ChainID), data, b.ttl); err != nil {
		return fmt.Errorf("cache: save chain %s: %w", st.ChainID, err)
	}
	if err := b.client.SAdd(ctx, b.indexKey(), st.ChainID); err != nil {
		return fmt.Errorf("cache: index chain %s: %w", st.ChainID, err)
	}
	return nil
}

// ChainIDs lists indexed chains, pruning ids whose state has expired.
func (b *StateBackend) ChainIDs(ctx context.Context) ([]string, error) {
	ids, err := b.client.SMembers(ctx, b.indexKey())
	if err != nil {
		return nil, fmt.Errorf("cache: list chains: %w", err)
	}

	live := ids[:0]
	var stale []string
	for _, id := range ids {
		if _, err := b.client.Get(ctx, b.chainKey(id)); errors.Is(err, ErrKeyNotFound) {
			stale = append(stale, id)
			continue
		}
		live = append(live, id)
	}
	if len(stale) > 0 {
		if err := b.client.SRem(ctx, b.indexKey(), stale...); err != nil {
			return nil, fmt.Errorf("cache: prune chains: %w", err)
		}
	}

	slices.Sort(live)
	return live, nil
}

// RunPruner prunes the chain index every interval until ctx is done, so
// ids of expired chains do not accumulate in the set.
func (b *StateBackend) RunPruner(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := b.ChainIDs(ctx)
			if err != nil {
				logger.Warn("chain index prune failed", "error", err)
				continue
			}
			logger.Debug("chain index pruned", "live_chains", len(ids))
		}
	}
}

// Ping checks the backend connection.
func (b *StateBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx)
}
