package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
)

// Repository persists sessions. Every status write is conditional on the
// status the caller observed.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Session, error)
	FindByCode(ctx context.Context, code string) (*models.Session, error)
	UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to enums.SessionStatus, extra map[string]any) (bool, error)
	ClaimMOQ(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	ClaimIf(ctx context.Context, id uuid.UUID, from []enums.SessionStatus, to enums.SessionStatus, now, leaseCutoff time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id uuid.UUID) error
	FindExpiredCandidates(ctx context.Context, now, leaseCutoff time.Time, limit int) ([]models.Session, error)
	FindDueForActivation(ctx context.Context, now time.Time, limit int) ([]models.Session, error)
	FindClaimableByStatus(ctx context.Context, status enums.SessionStatus, leaseCutoff time.Time, limit int) ([]models.Session, error)
	RecordWarehouseCheck(ctx context.Context, id uuid.UUID, at time.Time, unitsNeeded int) error
	MarkProductionStarted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	DeleteIfEmpty(ctx context.Context, id uuid.UUID) (bool, error)
	CountParticipants(ctx context.Context, id uuid.UUID) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository binds a session repository to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, session *models.Session) error {
	return r.db.WithContext(ctx).Create(session).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var session models.Session
	if err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var session models.Session
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&session, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *repository) FindByCode(ctx context.Context, code string) (*models.Session, error) {
	var session models.Session
	if err := r.db.WithContext(ctx).First(&session, "session_code = ?", code).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *repository) UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to enums.SessionStatus, extra map[string]any) (bool, error) {
	updates := map[string]any{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClaimMOQ moves a forming/active session to moq_reached once, and only when
// its participant count meets the target.
func (r *repository) ClaimMOQ(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND status IN ? AND moq_reached_at IS NULL", id,
			[]enums.SessionStatus{enums.SessionStatusForming, enums.SessionStatusActive}).
		Where("(SELECT COUNT(*) FROM session_participants sp WHERE sp.session_id = group_buying_sessions.id) >= target_moq").
		Updates(map[string]any{
			"status":         enums.SessionStatusMOQReached,
			"moq_reached_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClaimIf sets status and a processing lease when the session is in one of
// from and no live lease exists.
func (r *repository) ClaimIf(ctx context.Context, id uuid.UUID, from []enums.SessionStatus, to enums.SessionStatus, now, leaseCutoff time.Time) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"claimed_at": now,
	}
	if to == enums.SessionStatusMOQReached {
		updates["moq_reached_at"] = gorm.Expr("COALESCE(moq_reached_at, ?)", now)
	}
	res := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND status IN ?", id, from).
		Where("(claimed_at IS NULL OR claimed_at < ?)", leaseCutoff).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", id).
		Update("claimed_at", nil).Error
}

func (r *repository) FindExpiredCandidates(ctx context.Context, now, leaseCutoff time.Time, limit int) ([]models.Session, error) {
	query := r.db.WithContext(ctx).
		Where("end_time <= ? AND status IN ?", now, []enums.SessionStatus{
			enums.SessionStatusForming,
			enums.SessionStatusActive,
			enums.SessionStatusMOQReached,
		}).
		Where("(claimed_at IS NULL OR claimed_at < ?)", leaseCutoff).
		Order("end_time ASC")
	return findSessions(query, limit)
}

func (r *repository) FindDueForActivation(ctx context.Context, now time.Time, limit int) ([]models.Session, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND start_time <= ? AND end_time > ?", enums.SessionStatusForming, now, now).
		Order("start_time ASC")
	return findSessions(query, limit)
}

func (r *repository) FindClaimableByStatus(ctx context.Context, status enums.SessionStatus, leaseCutoff time.Time, limit int) ([]models.Session, error) {
	query := r.db.WithContext(ctx).
		Where("status = ?", status).
		Where("(claimed_at IS NULL OR claimed_at < ?)", leaseCutoff).
		Order("updated_at ASC")
	return findSessions(query, limit)
}

func findSessions(query *gorm.DB, limit int) ([]models.Session, error) {
	if limit > 0 {
		query = query.Limit(limit)
	}
	var sessions []models.Session
	if err := query.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *repository) RecordWarehouseCheck(ctx context.Context, id uuid.UUID, at time.Time, unitsNeeded int) error {
	return r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"warehouse_check_at":  at,
			"grosir_units_needed": unitsNeeded,
		}).Error
}

func (r *repository) MarkProductionStarted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND status = ? AND production_started_at IS NULL", id, enums.SessionStatusOrdersCreated).
		Update("production_started_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteIfEmpty removes a forming or active session that has no participants.
func (r *repository) DeleteIfEmpty(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("id = ? AND status IN ?", id, []enums.SessionStatus{enums.SessionStatusForming, enums.SessionStatusActive}).
		Where("NOT EXISTS (SELECT 1 FROM session_participants sp WHERE sp.session_id = group_buying_sessions.id)").
		Delete(&models.Session{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) CountParticipants(ctx context.Context, id uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Participant{}).
		Where("session_id = ?", id).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
