// Package ingest turns admitted beacons into sessions and hits. Identity
// resolution and hit deduplication both run through bounded TTL caches with
// the store's uniqueness constraints as the correctness backstop.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pagetrace/internal/cache"
	"pagetrace/internal/config"
	"pagetrace/internal/pkg/async"
	"pagetrace/internal/pkg/geoip"
	"pagetrace/internal/pkg/useragent"
	"pagetrace/internal/store"
	"pagetrace/internal/visitors"
)

// Caches bundles the identity and idempotency caches. They have independent
// key spaces but share the configured capacity and TTL.
type Caches struct {
	Sessions *cache.Cache[uint]
	Hits     *cache.Cache[uint]
}

// NewCaches builds the cache bundle from configuration.
func NewCaches(cfg *config.Config) *Caches {
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	return &Caches{
		Sessions: cache.New[uint](cfg.CacheMaxEntries, ttl),
		Hits:     cache.New[uint](cfg.CacheMaxEntries, ttl),
	}
}

// Beacon is one admitted tracking request.
type Beacon struct {
	Tracker     string
	Time        time.Time
	Idempotency string
	Location    string
	Referrer    string
	LoadTime    *float64
	IP          string
	UserAgent   string
	Identifier  string
}

// Background worker pool sizing for fire-and-forget beacons.
const (
	backgroundWorkers = 4
	backgroundQueue   = 1024
)

// Processor resolves beacons into persisted sessions and hits.
type Processor struct {
	store   store.Store
	caches  *Caches
	cfg     *config.Config
	logger  *slog.Logger
	workers *async.Pool
}

// NewProcessor creates a beacon processor.
func NewProcessor(st store.Store, caches *Caches, cfg *config.Config, logger *slog.Logger) *Processor {
	return &Processor{
		store:   st,
		caches:  caches,
		cfg:     cfg,
		logger:  logger,
		workers: async.NewPool(backgroundWorkers, backgroundQueue),
	}
}

// ProcessAsync queues a beacon for background processing. Pixel responses
// must not wait on the store, so failures are logged rather than returned,
// and a full queue drops the beacon.
func (p *Processor) ProcessAsync(svc *store.Service, b Beacon) {
	service := *svc
	accepted := p.workers.Submit(func() {
		if err := p.Process(context.Background(), &service, b); err != nil {
			p.logger.Error("Failed to process background beacon",
				slog.Uint64("service_id", uint64(service.ID)),
				slog.Any("error", err))
		}
	})
	if !accepted {
		p.logger.Warn("Beacon queue full, dropping beacon",
			slog.Uint64("service_id", uint64(svc.ID)))
	}
}

// Close drains the background beacon queue.
func (p *Processor) Close() {
	p.workers.Close()
}

// Process records one beacon: the session is resolved through the identity
// cache (created on first sight), then the hit is deduplicated through the
// idempotency cache (created on miss, heartbeat-incremented on repeat).
func (p *Processor) Process(ctx context.Context, svc *store.Service, b Beacon) error {
	// Sub-zero load times are client clock noise, drop them.
	loadTime := b.LoadTime
	if loadTime != nil && *loadTime <= 0 {
		loadTime = nil
	}

	sessionID, sessionCreated, err := p.resolveSession(ctx, svc, b)
	if err != nil {
		return fmt.Errorf("failed to resolve session: %w", err)
	}

	if err := p.recordHit(ctx, svc, sessionID, sessionCreated, b, loadTime); err != nil {
		return fmt.Errorf("failed to record hit: %w", err)
	}
	return nil
}

// resolveSession returns the persisted session id for the beacon's identity
// hash, creating the session row when the identity is seen for the first
// time. The bool result reports whether this resolution created the session.
func (p *Processor) resolveSession(ctx context.Context, svc *store.Service, b Beacon) (uint, bool, error) {
	hashIP := b.IP
	if !svc.CollectIPs || p.cfg.BlockAllIPs {
		hashIP = ""
	}

	salt := ""
	if svc.AggressiveSalting || p.cfg.AggressiveHashSalting {
		salt = visitors.AggressiveSalt(svc.ID, b.Time)
	}

	signature := visitors.Signature(hashIP, b.UserAgent, salt)
	key := cache.SessionKey(svc.ID, signature)

	// The compute closure only runs on a cache miss, and even then the
	// store may report the row as pre-existing (cache expiry, restart, or
	// a racing writer). Creation is whatever the store said, never inferred
	// from which path ran.
	created := false
	sessionID, err := p.caches.Sessions.GetOrCompute(key, func() (uint, error) {
		id, isNew, err := p.createSession(ctx, svc, signature, b)
		if err != nil {
			return 0, err
		}
		created = isNew
		return id, nil
	})
	if err != nil {
		return 0, false, err
	}

	if !created {
		p.caches.Sessions.Touch(key)

		if err := p.store.TouchSession(ctx, sessionID, b.Time); err != nil {
			return 0, false, err
		}
		if identifier := strings.TrimSpace(b.Identifier); identifier != "" {
			if err := p.store.SetSessionIdentifier(ctx, sessionID, identifier); err != nil {
				return 0, false, err
			}
		}
	}
	return sessionID, created, nil
}

func (p *Processor) createSession(ctx context.Context, svc *store.Service, signature string, b Beacon) (uint, bool, error) {
	ua := useragent.Parse(b.UserAgent)
	geo := geoip.Lookup(b.IP)

	storedIP := ""
	if svc.CollectIPs && !p.cfg.BlockAllIPs {
		storedIP = b.IP
	}

	session := &store.Session{
		ServiceID:  svc.ID,
		Signature:  signature,
		Identifier: strings.TrimSpace(b.Identifier),
		StartTime:  b.Time,
		LastSeen:   b.Time,
		UserAgent:  b.UserAgent,
		Browser:    ua.Browser,
		Device:     ua.Device,
		DeviceType: ua.DeviceType(),
		OS:         ua.OS,
		IP:         storedIP,
		Country:    geo.CountryName,
		TimeZone:   geo.TimeZone,
		ASN:        geo.ASN,
		Latitude:   geo.Latitude,
		Longitude:  geo.Longitude,
		IsBounce:   true,
	}

	persisted, created, err := p.store.UpsertSession(ctx, session)
	if err != nil {
		return 0, false, err
	}

	if created {
		p.logger.Debug("Created session",
			slog.Uint64("session_id", uint64(persisted.ID)),
			slog.Uint64("service_id", uint64(svc.ID)))
	}
	return persisted.ID, created, nil
}

// recordHit deduplicates the beacon against the idempotency cache. A repeat
// of a cached key is a heartbeat: the counter increments, last_seen moves
// forward, load_time is left untouched.
func (p *Processor) recordHit(ctx context.Context, svc *store.Service, sessionID uint, initial bool, b Beacon, loadTime *float64) error {
	if b.Idempotency == "" {
		_, err := p.createHit(ctx, svc, sessionID, initial, b, loadTime)
		return err
	}

	key := cache.HitKey(sessionID, b.Idempotency)
	if hitID, ok := p.caches.Hits.Get(key); ok {
		p.caches.Hits.Touch(key)
		return p.store.IncrementHitHeartbeat(ctx, hitID, b.Time)
	}

	hitID, err := p.caches.Hits.GetOrCompute(key, func() (uint, error) {
		return p.createHit(ctx, svc, sessionID, initial, b, loadTime)
	})
	if err != nil {
		return err
	}

	p.logger.Debug("Recorded hit",
		slog.Uint64("hit_id", uint64(hitID)),
		slog.Uint64("session_id", uint64(sessionID)))
	return nil
}

func (p *Processor) createHit(ctx context.Context, svc *store.Service, sessionID uint, initial bool, b Beacon, loadTime *float64) (uint, error) {
	hit := &store.Hit{
		SessionID:   sessionID,
		ServiceID:   svc.ID,
		Idempotency: b.Idempotency,
		Initial:     initial,
		StartTime:   b.Time,
		LastSeen:    b.Time,
		Heartbeats:  0,
		Tracker:     b.Tracker,
		Location:    b.Location,
		Referrer:    b.Referrer,
		LoadTime:    loadTime,
	}
	if err := p.store.CreateHit(ctx, hit); err != nil {
		return 0, err
	}

	if err := p.store.RecalculateBounce(ctx, sessionID); err != nil {
		return 0, err
	}
	return hit.ID, nil
}
