// Package store persists services, sessions and hits. The Store interface is
// backend-agnostic; gorm-backed SQLite and Postgres implementations are
// selected at startup.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ServiceNotFoundError is returned when no service matches the lookup key.
type ServiceNotFoundError struct {
	Key string
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("service not found: %s", e.Key)
}

// SessionNotFoundError is returned when a session id does not exist.
type SessionNotFoundError struct {
	ID uint
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %d", e.ID)
}

// HitNotFoundError is returned when a hit id does not exist.
type HitNotFoundError struct {
	ID uint
}

func (e *HitNotFoundError) Error() string {
	return fmt.Sprintf("hit not found: %d", e.ID)
}

// IsNotFound reports whether err is any of the typed not-found errors.
func IsNotFound(err error) bool {
	var service *ServiceNotFoundError
	var session *SessionNotFoundError
	var hit *HitNotFoundError
	return errors.As(err, &service) || errors.As(err, &session) || errors.As(err, &hit)
}

// CountField identifies a groupable column for top-N breakdowns.
type CountField string

// Groupable fields. Location and Referrer group over hits, the rest over
// sessions; Referrer counts initial hits only so heartbeats don't inflate it.
const (
	FieldLocation   CountField = "location"
	FieldReferrer   CountField = "referrer"
	FieldCountry    CountField = "country"
	FieldOS         CountField = "os"
	FieldBrowser    CountField = "browser"
	FieldDevice     CountField = "device"
	FieldDeviceType CountField = "device_type"
)

// CountedItem is one row of a top-N breakdown.
type CountedItem struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Bucket is one time bucket of a series. Hourly labels are formatted
// "2006-01-02 15:00", daily labels "2006-01-02".
type Bucket struct {
	Label string
	Count int64
}

// HitSummary is the slim hit projection used for location-filtered stats,
// where the filter runs in memory over the range's hits.
type HitSummary struct {
	ID        uint
	SessionID uint
	Location  string
	LoadTime  *float64
	Initial   bool
	Referrer  string
	StartTime time.Time
}

// Store is the persistence interface shared by the SQLite and Postgres
// backends. All writes are row-atomic; range queries treat start as
// inclusive and end as exclusive.
type Store interface {
	// Services
	CreateService(ctx context.Context, svc *Service) error
	UpdateService(ctx context.Context, svc *Service) error
	DeleteService(ctx context.Context, id uint) error
	ListServices(ctx context.Context) ([]Service, error)
	GetServiceByID(ctx context.Context, id uint) (*Service, error)
	GetServiceByTrackingID(ctx context.Context, trackingID string) (*Service, error)

	// Sessions
	UpsertSession(ctx context.Context, session *Session) (*Session, bool, error)
	GetSessionByID(ctx context.Context, id uint) (*Session, error)
	GetSessionsByIDs(ctx context.Context, ids []uint) ([]Session, error)
	TouchSession(ctx context.Context, id uint, lastSeen time.Time) error
	SetSessionIdentifier(ctx context.Context, id uint, identifier string) error
	RecalculateBounce(ctx context.Context, id uint) error
	ListSessions(ctx context.Context, serviceID uint, start, end time.Time, limit, offset int) ([]Session, error)

	// Hits
	CreateHit(ctx context.Context, hit *Hit) error
	GetHitByID(ctx context.Context, id uint) (*Hit, error)
	IncrementHitHeartbeat(ctx context.Context, id uint, lastSeen time.Time) error
	ListSessionHits(ctx context.Context, sessionID uint) ([]Hit, error)

	// Aggregates
	CountSessions(ctx context.Context, serviceID uint, start, end time.Time) (int64, error)
	CountBouncedSessions(ctx context.Context, serviceID uint, start, end time.Time) (int64, error)
	CountHits(ctx context.Context, serviceID uint, start, end time.Time) (int64, error)
	CountActiveSessions(ctx context.Context, serviceID uint, activeSince time.Time) (int64, error)
	HasHits(ctx context.Context, serviceID uint) (bool, error)
	AverageLoadTime(ctx context.Context, serviceID uint, start, end time.Time) (*float64, error)
	AverageSessionDuration(ctx context.Context, serviceID uint, start, end time.Time) (*float64, error)
	TopFieldCounts(ctx context.Context, serviceID uint, field CountField, start, end time.Time, limit int) ([]CountedItem, error)
	SessionBuckets(ctx context.Context, serviceID uint, start, end time.Time, hourly bool) ([]Bucket, error)
	HitBuckets(ctx context.Context, serviceID uint, start, end time.Time, hourly bool) ([]Bucket, error)
	ListHitSummaries(ctx context.Context, serviceID uint, start, end time.Time) ([]HitSummary, error)

	Close() error
}
