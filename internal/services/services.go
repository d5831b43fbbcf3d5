// Package services manages the tracked-service registry. Beacon handlers
// resolve tracking ids on every request, so lookups run through a bounded
// TTL cache in front of the store.
package services

import (
	"context"
	"log/slog"
	"time"

	"pagetrace/internal/cache"
	"pagetrace/internal/config"
	"pagetrace/internal/store"
)

// Registry resolves and mutates services, keeping the lookup cache coherent
// on writes.
type Registry struct {
	store  store.Store
	cache  *cache.Cache[store.Service]
	logger *slog.Logger
}

// NewRegistry creates a service registry.
func NewRegistry(st store.Store, cfg *config.Config, logger *slog.Logger) *Registry {
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	return &Registry{
		store:  st,
		cache:  cache.New[store.Service](cfg.CacheMaxEntries, ttl),
		logger: logger,
	}
}

func trackingKey(trackingID string) string {
	return "service_" + trackingID
}

// ByTrackingID resolves a tracking id to its service, via the cache.
func (r *Registry) ByTrackingID(ctx context.Context, trackingID string) (*store.Service, error) {
	svc, err := r.cache.GetOrCompute(trackingKey(trackingID), func() (store.Service, error) {
		svc, err := r.store.GetServiceByTrackingID(ctx, trackingID)
		if err != nil {
			return store.Service{}, err
		}
		return *svc, nil
	})
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// ByID resolves a service by primary key, uncached.
func (r *Registry) ByID(ctx context.Context, id uint) (*store.Service, error) {
	return r.store.GetServiceByID(ctx, id)
}

// List returns all services.
func (r *Registry) List(ctx context.Context) ([]store.Service, error) {
	return r.store.ListServices(ctx)
}

// Create registers a new service, generating its tracking id when absent.
func (r *Registry) Create(ctx context.Context, svc *store.Service) error {
	if err := r.store.CreateService(ctx, svc); err != nil {
		return err
	}
	r.logger.Info("Created service",
		slog.Uint64("service_id", uint64(svc.ID)),
		slog.String("tracking_id", svc.TrackingID))
	return nil
}

// Update persists service changes and drops the stale cache entry.
func (r *Registry) Update(ctx context.Context, svc *store.Service) error {
	if err := r.store.UpdateService(ctx, svc); err != nil {
		return err
	}
	r.cache.Invalidate(trackingKey(svc.TrackingID))
	return nil
}

// Delete removes a service and all its sessions and hits.
func (r *Registry) Delete(ctx context.Context, id uint) error {
	svc, err := r.store.GetServiceByID(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.DeleteService(ctx, id); err != nil {
		return err
	}
	r.cache.Invalidate(trackingKey(svc.TrackingID))
	r.logger.Info("Deleted service", slog.Uint64("service_id", uint64(id)))
	return nil
}
