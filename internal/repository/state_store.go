package repository

import (
	"context"
	"errors"
	"time"

	"UpDownTrader/internal/domain/models"
	domrepo "UpDownTrader/internal/domain/repository"
	"UpDownTrader/pkg/cache"
)

const riskStateKey = "risk:state"

// CacheStateStore keeps the risk snapshot and short-lived locks in a cache.Service,
// Redis in production and the in-memory cache otherwise.
type CacheStateStore struct {
	c cache.Service
}

var (
	_ domrepo.StateStore = (*CacheStateStore)(nil)
	_ domrepo.Locker     = (*CacheStateStore)(nil)
)

func NewCacheStateStore(c cache.Service) *CacheStateStore {
	return &CacheStateStore{c: c}
}

func (s *CacheStateStore) SaveRiskState(ctx context.Context, st models.RiskState) error {
	return s.c.Set(ctx, riskStateKey, st, 0)
}

// LoadRiskState returns nil without error when nothing was saved yet.
func (s *CacheStateStore) LoadRiskState(ctx context.Context) (*models.RiskState, error) {
	var st models.RiskState
	if err := s.c.Get(ctx, riskStateKey, &st); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

func (s *CacheStateStore) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.c.TryLock(ctx, cache.Key("lock", key), ttl)
}

// Unlock treats an already expired lock as released.
func (s *CacheStateStore) Unlock(ctx context.Context, key string) error {
	err := s.c.Unlock(ctx, cache.Key("lock", key))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
