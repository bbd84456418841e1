package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"rankdelivery/internal/domain"
	"rankdelivery/internal/repository/delivery_repo"
)

const deliveryColumns = `id, username, platform, package, status, created_at, executed_at, error_message,
	notified_created, notified_completed, notified_failed`

type pgDeliveryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewDeliveryRepository(db *sql.DB, l *zap.Logger) delivery_repo.DeliveryRepository {
	return &pgDeliveryRepository{db: db, logger: l}
}

func (r *pgDeliveryRepository) Create(ctx context.Context, d *domain.Delivery) error {
	query := `
		INSERT INTO deliveries (id, username, platform, package, status, created_at, executed_at, error_message,
			notified_created, notified_completed, notified_failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		d.ID,
		d.Username,
		string(d.Platform),
		d.Package,
		string(d.Status),
		d.CreatedAt,
		nullTime(d.ExecutedAt),
		nullString(d.ErrorMessage),
		d.Notifications.Created,
		d.Notifications.Completed,
		d.Notifications.Failed,
	)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("delivery %s: %w", d.ID, domain.ErrDuplicateID)
		}
		r.logger.Error("Failed to create delivery", zap.String("delivery_id", d.ID), zap.Error(err))
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	r.logger.Debug("Delivery created", zap.String("delivery_id", d.ID))
	return nil
}

func (r *pgDeliveryRepository) GetByID(ctx context.Context, id string) (*domain.Delivery, error) {
	return getByID(ctx, r.db, id)
}

func getByID(ctx context.Context, q domain.Querier, id string) (*domain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`
	d, err := scanDelivery(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("delivery %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get delivery by id %s: %w", id, err)
	}
	return d, nil
}

func (r *pgDeliveryRepository) ListPending(ctx context.Context, limit int) ([]*domain.Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`
	return r.list(ctx, "pending", query, string(domain.DeliveryStatusPending), limit)
}

func (r *pgDeliveryRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliveries WHERE status = $1`,
		string(domain.DeliveryStatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending deliveries: %w", err)
	}
	return n, nil
}

func (r *pgDeliveryRepository) ListHistory(ctx context.Context, offset, limit int) ([]*domain.Delivery, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliveries`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count deliveries: %w", err)
	}
	query := `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`
	deliveries, err := r.list(ctx, "history", query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return deliveries, total, nil
}

func (r *pgDeliveryRepository) ListByUsername(ctx context.Context, username string) ([]*domain.Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE username = $1
		ORDER BY created_at DESC, id DESC
	`
	return r.list(ctx, "by_username", query, username)
}

// Transition relies on the row lock taken by UPDATE: a concurrent writer
// re-evaluates "status = 'pending'" after the first commits and matches nothing.
func (r *pgDeliveryRepository) Transition(ctx context.Context, t domain.Transition) (*domain.Delivery, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	query := `
		UPDATE deliveries
		SET status = $2, executed_at = $3, error_message = $4
		WHERE id = $1 AND status = $5
		RETURNING ` + deliveryColumns

	d, err := scanDelivery(r.db.QueryRowContext(ctx, query,
		t.ID,
		string(t.To),
		t.ExecutedAt,
		nullString(t.ErrorMessage),
		string(domain.DeliveryStatusPending),
	))
	if err == nil {
		r.logger.Debug("Delivery transitioned", zap.String("delivery_id", t.ID), zap.String("new_status", string(t.To)))
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		r.logger.Error("Failed to transition delivery", zap.String("delivery_id", t.ID), zap.Error(err))
		return nil, fmt.Errorf("failed to update delivery %s: %w", t.ID, err)
	}

	current, err := getByID(ctx, r.db, t.ID)
	if err != nil {
		return nil, err
	}
	return nil, &domain.InvalidStateError{ID: t.ID, Current: current.Status}
}

func (r *pgDeliveryRepository) MarkNotified(ctx context.Context, id string, event domain.DeliveryEvent) error {
	column, err := notifiedColumn(event)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE deliveries SET `+column+` = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery %s notified: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for notification flag: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("delivery %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *pgDeliveryRepository) list(ctx context.Context, name, query string, args ...any) ([]*domain.Delivery, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query deliveries", zap.String("query", name), zap.Error(err))
		return nil, fmt.Errorf("failed to list %s deliveries: %w", name, err)
	}
	defer rows.Close()

	var deliveries []*domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery row: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return deliveries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDelivery(s scanner) (*domain.Delivery, error) {
	d := &domain.Delivery{}
	var (
		platform, status string
		executedAt       sql.NullTime
		errorMessage     sql.NullString
	)
	err := s.Scan(
		&d.ID,
		&d.Username,
		&platform,
		&d.Package,
		&status,
		&d.CreatedAt,
		&executedAt,
		&errorMessage,
		&d.Notifications.Created,
		&d.Notifications.Completed,
		&d.Notifications.Failed,
	)
	if err != nil {
		return nil, err
	}
	d.Platform = domain.Platform(platform)
	d.Status = domain.DeliveryStatus(status)
	d.CreatedAt = d.CreatedAt.UTC()
	if executedAt.Valid {
		t := executedAt.Time.UTC()
		d.ExecutedAt = &t
	}
	if errorMessage.Valid {
		d.ErrorMessage = &errorMessage.String
	}
	return d, nil
}

func notifiedColumn(event domain.DeliveryEvent) (string, error) {
	switch event {
	case domain.DeliveryEventCreated:
		return "notified_created", nil
	case domain.DeliveryEventCompleted:
		return "notified_completed", nil
	case domain.DeliveryEventFailed:
		return "notified_failed", nil
	}
	return "", fmt.Errorf("%w: unknown delivery event %q", domain.ErrValidation, event)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
