package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// dialect isolates the SQL fragments that differ between backends.
type dialect interface {
	// HourBucketExpr renders column as a "2006-01-02 15:00" bucket label.
	HourBucketExpr(column string) string
	// DayBucketExpr renders column as a "2006-01-02" bucket label.
	DayBucketExpr(column string) string
	// EpochDiffExpr yields the difference later-earlier in seconds.
	EpochDiffExpr(later, earlier string) string
}

// SQLStore implements Store on top of gorm. The backend-specific pieces are
// provided by the dialect.
type SQLStore struct {
	db      *gorm.DB
	dialect dialect
	logger  *slog.Logger
}

// DB exposes the underlying gorm handle for migrations and tests.
func (s *SQLStore) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates the schema.
func (s *SQLStore) Migrate() error {
	if err := s.db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	s.logger.Info("Database migration completed")
	return nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Services ---

func (s *SQLStore) CreateService(ctx context.Context, svc *Service) error {
	if svc.TrackingID == "" {
		svc.TrackingID = NewTrackingID()
	}
	if svc.Status == "" {
		svc.Status = ServiceStatusActive
	}
	if err := s.db.WithContext(ctx).Create(svc).Error; err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateService(ctx context.Context, svc *Service) error {
	if err := s.db.WithContext(ctx).Save(svc).Error; err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteService(ctx context.Context, id uint) error {
	// Hits first so the session cascade cannot leave orphans on backends
	// where the FK constraints were created without ON DELETE.
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("service_id = ?", id).Delete(&Hit{}).Error; err != nil {
			return fmt.Errorf("failed to delete service hits: %w", err)
		}
		if err := tx.Where("service_id = ?", id).Delete(&Session{}).Error; err != nil {
			return fmt.Errorf("failed to delete service sessions: %w", err)
		}
		if err := tx.Delete(&Service{}, id).Error; err != nil {
			return fmt.Errorf("failed to delete service: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) ListServices(ctx context.Context) ([]Service, error) {
	var services []Service
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&services).Error; err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	return services, nil
}

func (s *SQLStore) GetServiceByID(ctx context.Context, id uint) (*Service, error) {
	var svc Service
	if err := s.db.WithContext(ctx).First(&svc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ServiceNotFoundError{Key: fmt.Sprintf("id=%d", id)}
		}
		return nil, fmt.Errorf("failed to query service: %w", err)
	}
	return &svc, nil
}

func (s *SQLStore) GetServiceByTrackingID(ctx context.Context, trackingID string) (*Service, error) {
	var svc Service
	if err := s.db.WithContext(ctx).Where("tracking_id = ?", trackingID).First(&svc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ServiceNotFoundError{Key: trackingID}
		}
		return nil, fmt.Errorf("failed to query service: %w", err)
	}
	return &svc, nil
}

// --- Sessions ---

// UpsertSession inserts the session or, when the (service_id, signature) row
// already exists, refreshes its last_seen. The returned session always
// carries the persisted row's id; the bool reports whether this call created
// the row.
func (s *SQLStore) UpsertSession(ctx context.Context, session *Session) (*Session, bool, error) {
	var existing Session
	err := s.db.WithContext(ctx).
		Where("service_id = ? AND signature = ?", session.ServiceID, session.Signature).
		First(&existing).Error
	if err == nil {
		if err := s.TouchSession(ctx, existing.ID, session.LastSeen); err != nil {
			return nil, false, err
		}
		existing.LastSeen = session.LastSeen
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("failed to query session: %w", err)
	}

	// The unique index backstops racing writers that both miss the lookup.
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service_id"}, {Name: "signature"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_seen": session.LastSeen}),
	}).Create(session).Error
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert session: %w", err)
	}

	// On conflict some backends do not report the surviving row's id; fetch
	// it so cache entries always point at the persisted row. A race loser's
	// readback finds the winner's row, which it did not create.
	var persisted Session
	err = s.db.WithContext(ctx).
		Where("service_id = ? AND signature = ?", session.ServiceID, session.Signature).
		First(&persisted).Error
	if err != nil {
		return nil, false, fmt.Errorf("failed to read back session: %w", err)
	}
	created := persisted.ID == session.ID && session.ID != 0
	return &persisted, created, nil
}

func (s *SQLStore) GetSessionByID(ctx context.Context, id uint) (*Session, error) {
	var session Session
	if err := s.db.WithContext(ctx).First(&session, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &SessionNotFoundError{ID: id}
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return &session, nil
}

func (s *SQLStore) GetSessionsByIDs(ctx context.Context, ids []uint) ([]Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var sessions []Session
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLStore) TouchSession(ctx context.Context, id uint, lastSeen time.Time) error {
	err := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).
		Update("last_seen", lastSeen).Error
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// SetSessionIdentifier records the caller-supplied identifier, first
// non-empty value wins.
func (s *SQLStore) SetSessionIdentifier(ctx context.Context, id uint, identifier string) error {
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND (identifier = '' OR identifier IS NULL)", id).
		Update("identifier", identifier).Error
	if err != nil {
		return fmt.Errorf("failed to set session identifier: %w", err)
	}
	return nil
}

// RecalculateBounce marks the session bounced while it has at most one hit.
func (s *SQLStore) RecalculateBounce(ctx context.Context, id uint) error {
	var hitCount int64
	if err := s.db.WithContext(ctx).Model(&Hit{}).Where("session_id = ?", id).Count(&hitCount).Error; err != nil {
		return fmt.Errorf("failed to count session hits: %w", err)
	}
	err := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).
		Update("is_bounce", hitCount <= 1).Error
	if err != nil {
		return fmt.Errorf("failed to update bounce status: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSessions(ctx context.Context, serviceID uint, start, end time.Time, limit, offset int) ([]Session, error) {
	var sessions []Session
	err := s.db.WithContext(ctx).
		Where("service_id = ? AND start_time >= ? AND start_time < ?", serviceID, start, end).
		Order("start_time desc").
		Limit(limit).Offset(offset).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// --- Hits ---

func (s *SQLStore) CreateHit(ctx context.Context, hit *Hit) error {
	if err := s.db.WithContext(ctx).Create(hit).Error; err != nil {
		return fmt.Errorf("failed to create hit: %w", err)
	}
	return nil
}

func (s *SQLStore) GetHitByID(ctx context.Context, id uint) (*Hit, error) {
	var hit Hit
	if err := s.db.WithContext(ctx).First(&hit, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &HitNotFoundError{ID: id}
		}
		return nil, fmt.Errorf("failed to query hit: %w", err)
	}
	return &hit, nil
}

func (s *SQLStore) IncrementHitHeartbeat(ctx context.Context, id uint, lastSeen time.Time) error {
	err := s.db.WithContext(ctx).Model(&Hit{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"heartbeats": gorm.Expr("heartbeats + 1"),
			"last_seen":  lastSeen,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to increment heartbeat: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSessionHits(ctx context.Context, sessionID uint) ([]Hit, error) {
	var hits []Hit
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("start_time asc").
		Find(&hits).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list session hits: %w", err)
	}
	return hits, nil
}

// --- Aggregates ---

func (s *SQLStore) CountSessions(ctx context.Context, serviceID uint, start, end time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("service_id = ? AND start_time >= ? AND start_time < ?", serviceID, start, end).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

func (s *SQLStore) CountBouncedSessions(ctx context.Context, serviceID uint, start, end time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("service_id = ? AND start_time >= ? AND start_time < ? AND is_bounce = ?", serviceID, start, end, true).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count bounced sessions: %w", err)
	}
	return count, nil
}

func (s *SQLStore) CountHits(ctx context.Context, serviceID uint, start, end time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Hit{}).
		Where("service_id = ? AND start_time >= ? AND start_time < ?", serviceID, start, end).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count hits: %w", err)
	}
	return count, nil
}

func (s *SQLStore) CountActiveSessions(ctx context.Context, serviceID uint, activeSince time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("service_id = ? AND last_seen > ?", serviceID, activeSince).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

func (s *SQLStore) HasHits(ctx context.Context, serviceID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Hit{}).
		Where("service_id = ?", serviceID).
		Limit(1).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check for hits: %w", err)
	}
	return count > 0, nil
}

func (s *SQLStore) AverageLoadTime(ctx context.Context, serviceID uint, start, end time.Time) (*float64, error) {
	var avg *float64
	err := s.db.WithContext(ctx).Model(&Hit{}).
		Where("service_id = ? AND start_time >= ? AND start_time < ? AND load_time IS NOT NULL", serviceID, start, end).
		Select("AVG(load_time)").
		Scan(&avg).Error
	if err != nil {
		return nil, fmt.Errorf("failed to average load time: %w", err)
	}
	return avg, nil
}

func (s *SQLStore) AverageSessionDuration(ctx context.Context, serviceID uint, start, end time.Time) (*float64, error) {
	var avg *float64
	expr := fmt.Sprintf("AVG(%s)", s.dialect.EpochDiffExpr("last_seen", "start_time"))
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("service_id = ? AND start_time >= ? AND start_time < ?", serviceID, start, end).
		Select(expr).
		Scan(&avg).Error
	if err != nil {
		return nil, fmt.Errorf("failed to average session duration: %w", err)
	}
	return avg, nil
}

func (f CountField) table() (string, bool) {
	switch f {
	case FieldLocation, FieldReferrer:
		return "hits", f == FieldReferrer
	default:
		return "sessions", false
	}
}

func (s *SQLStore) TopFieldCounts(ctx context.Context, serviceID uint, field CountField, start, end time.Time, limit int) ([]CountedItem, error) {
	table, initialOnly := field.table()

	query := fmt.Sprintf(
		"SELECT %s AS value, COUNT(*) AS count FROM %s WHERE service_id = ? AND start_time >= ? AND start_time < ?",
		field, table)
	if initialOnly {
		query += " AND initial = ?"
	}
	query += fmt.Sprintf(" GROUP BY %s ORDER BY count DESC LIMIT %d", field, limit)

	args := []interface{}{serviceID, start, end}
	if initialOnly {
		args = append(args, true)
	}

	var items []CountedItem
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", field, err)
	}
	return items, nil
}

func (s *SQLStore) SessionBuckets(ctx context.Context, serviceID uint, start, end time.Time, hourly bool) ([]Bucket, error) {
	return s.timeBuckets(ctx, "sessions", serviceID, start, end, hourly)
}

func (s *SQLStore) HitBuckets(ctx context.Context, serviceID uint, start, end time.Time, hourly bool) ([]Bucket, error) {
	return s.timeBuckets(ctx, "hits", serviceID, start, end, hourly)
}

func (s *SQLStore) timeBuckets(ctx context.Context, table string, serviceID uint, start, end time.Time, hourly bool) ([]Bucket, error) {
	expr := s.dialect.DayBucketExpr("start_time")
	if hourly {
		expr = s.dialect.HourBucketExpr("start_time")
	}

	query := fmt.Sprintf(
		"SELECT %s AS label, COUNT(*) AS count FROM %s WHERE service_id = ? AND start_time >= ? AND start_time < ? GROUP BY label ORDER BY label",
		expr, table)

	var buckets []Bucket
	if err := s.db.WithContext(ctx).Raw(query, serviceID, start, end).Scan(&buckets).Error; err != nil {
		return nil, fmt.Errorf("failed to bucket %s: %w", table, err)
	}
	return buckets, nil
}

func (s *SQLStore) ListHitSummaries(ctx context.Context, serviceID uint, start, end time.Time) ([]HitSummary, error) {
	var summaries []HitSummary
	err := s.db.WithContext(ctx).Model(&Hit{}).
		Select("id", "session_id", "location", "load_time", "initial", "referrer", "start_time").
		Where("service_id = ? AND start_time >= ? AND start_time < ?", serviceID, start, end).
		Scan(&summaries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list hit summaries: %w", err)
	}
	return summaries, nil
}
