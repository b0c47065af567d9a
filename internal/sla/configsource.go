package sla

import (
	"context"
	"time"

	"careops-workflow-core/internal/models"
	"careops-workflow-core/internal/repos"
	"careops-workflow-core/shared/cachex"
)

const configCacheKey = "sla:active_configs"

// CachedConfigSource serves active SLA configs through a short-TTL redis
// cache so the transition hook stays cheap on the request path. A cache
// failure falls back to the repo read.
type CachedConfigSource struct {
	Repo  *repos.SLARepo
	Cache *cachex.Client
	TTL   time.Duration
}

func (s *CachedConfigSource) ActiveConfigs(ctx context.Context) ([]models.SLAConfig, error) {
	if s.Cache != nil {
		var cached []models.SLAConfig
		if ok, err := s.Cache.GetJSON(ctx, configCacheKey, &cached); err == nil && ok {
			return cached, nil
		}
	}

	configs, err := s.Repo.ActiveConfigs(ctx)
	if err != nil {
		return nil, err
	}
	if s.Cache != nil {
		ttl := s.TTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		_ = s.Cache.SetJSON(ctx, configCacheKey, configs, ttl)
	}
	return configs, nil
}

// Invalidate drops the cached config list after an admin update.
func (s *CachedConfigSource) Invalidate(ctx context.Context) {
	if s.Cache != nil {
		_ = s.Cache.Delete(ctx, configCacheKey)
	}
}
