// Package staking resolves which mech addresses this worker may deliver
// for and keeps the staking contract's reward epoch moving.
package staking

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/jinnlabs/jinn-worker/internal/ledger"
	"github.com/jinnlabs/jinn-worker/internal/metrics"
)

// DefaultCacheTTL is how long a resolved mech set stays fresh.
const DefaultCacheTTL = 5 * time.Minute

// Index is the slice of the ledger client the filter reads from.
type Index interface {
	StakedServices(ctx context.Context, stakingContract string) ([]ledger.StakedService, error)
	MechServiceMappings(ctx context.Context, serviceIDs []string) ([]ledger.MechServiceMapping, error)
}

type cacheEntry struct {
	mechs     []common.Address
	fetchedAt time.Time
}

// Filter resolves the staked mech set for a staking pool. Entries are
// cached per contract; a failed refresh serves the stale entry rather
// than emptying the set mid-flight.
type Filter struct {
	index  Index
	ttl    time.Duration
	logger *slog.Logger

	now  func() time.Time
	intn func(n int) int

	mu    sync.Mutex
	cache map[common.Address]cacheEntry
}

// NewFilter returns a Filter. ttl <= 0 selects DefaultCacheTTL.
func NewFilter(index Index, ttl time.Duration, logger *slog.Logger) *Filter {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{
		index:  index,
		ttl:    ttl,
		logger: logger.With("component", "staking"),
		now:    time.Now,
		intn:   rand.Intn,
		cache:  make(map[common.Address]cacheEntry),
	}
}

// StakedMechs returns the mech addresses whose services are staked in the
// pool at staking. The result is cached; on refresh failure a previously
// resolved set is returned instead of an error.
func (f *Filter) StakedMechs(ctx context.Context, staking common.Address) ([]common.Address, error) {
	f.mu.Lock()
	entry, cached := f.cache[staking]
	if cached && f.now().Sub(entry.fetchedAt) < f.ttl {
		f.mu.Unlock()
		return entry.mechs, nil
	}
	f.mu.Unlock()

	mechs, err := f.resolve(ctx, staking)
	if err != nil {
		if cached {
			f.logger.Warn("staked mech refresh failed, serving stale set",
				"stakingContract", staking.Hex(),
				"age", f.now().Sub(entry.fetchedAt).String(),
				"error", err)
			return entry.mechs, nil
		}
		return nil, err
	}

	f.mu.Lock()
	f.cache[staking] = cacheEntry{mechs: mechs, fetchedAt: f.now()}
	f.mu.Unlock()
	metrics.StakedMechs.Set(float64(len(mechs)))
	return mechs, nil
}

// RandomStakedMech picks one staked mech at random, or the fallback when
// the set is empty or cannot be resolved.
func (f *Filter) RandomStakedMech(ctx context.Context, staking, fallback common.Address) common.Address {
	mechs, err := f.StakedMechs(ctx, staking)
	if err != nil || len(mechs) == 0 {
		return fallback
	}
	return mechs[f.intn(len(mechs))]
}

func (f *Filter) resolve(ctx context.Context, staking common.Address) ([]common.Address, error) {
	services, err := f.index.StakedServices(ctx, staking.Hex())
	if err != nil {
		return nil, fmt.Errorf("failed to list staked services: %w", err)
	}

	ids := make([]string, 0, len(services))
	seenID := make(map[string]struct{}, len(services))
	for _, s := range services {
		if s.ServiceID == "" {
			continue
		}
		if _, dup := seenID[s.ServiceID]; dup {
			continue
		}
		seenID[s.ServiceID] = struct{}{}
		ids = append(ids, s.ServiceID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	mappings, err := f.index.MechServiceMappings(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to map staked services to mechs: %w", err)
	}

	mechs := make([]common.Address, 0, len(mappings))
	seenMech := make(map[common.Address]struct{}, len(mappings))
	for _, m := range mappings {
		if m.Mech == "" {
			continue
		}
		addr := common.HexToAddress(m.Mech)
		if _, dup := seenMech[addr]; dup {
			continue
		}
		seenMech[addr] = struct{}{}
		mechs = append(mechs, addr)
	}
	return mechs, nil
}
