package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"rankdelivery/internal/domain"
	"rankdelivery/internal/repository/delivery_repo"
)

// timeLayout is fixed width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const deliveryColumns = `id, username, platform, package, status, created_at, executed_at, error_message,
	notified_created, notified_completed, notified_failed`

type sqliteDeliveryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewDeliveryRepository(db *sql.DB, l *zap.Logger) delivery_repo.DeliveryRepository {
	return &sqliteDeliveryRepository{db: db, logger: l}
}

func (r *sqliteDeliveryRepository) Create(ctx context.Context, d *domain.Delivery) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO deliveries (`+deliveryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Username, string(d.Platform), d.Package, string(d.Status),
		formatTime(d.CreatedAt), formatTimePtr(d.ExecutedAt), d.ErrorMessage,
		d.Notifications.Created, d.Notifications.Completed, d.Notifications.Failed,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("delivery %s: %w", d.ID, domain.ErrDuplicateID)
		}
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (r *sqliteDeliveryRepository) GetByID(ctx context.Context, id string) (*domain.Delivery, error) {
	return getByID(ctx, r.db, id)
}

func getByID(ctx context.Context, q domain.Querier, id string) (*domain.Delivery, error) {
	row := q.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id)
	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("delivery %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return d, nil
}

func (r *sqliteDeliveryRepository) ListPending(ctx context.Context, limit int) ([]*domain.Delivery, error) {
	return r.list(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries
		 WHERE status = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		string(domain.DeliveryStatusPending), limit,
	)
}

func (r *sqliteDeliveryRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliveries WHERE status = ?`,
		string(domain.DeliveryStatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending deliveries: %w", err)
	}
	return n, nil
}

func (r *sqliteDeliveryRepository) ListHistory(ctx context.Context, offset, limit int) ([]*domain.Delivery, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliveries`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count deliveries: %w", err)
	}
	ds, err := r.list(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	return ds, total, nil
}

func (r *sqliteDeliveryRepository) ListByUsername(ctx context.Context, username string) ([]*domain.Delivery, error) {
	return r.list(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries
		 WHERE username = ?
		 ORDER BY created_at DESC, id DESC`,
		username,
	)
}

// Transition reads the row and applies the domain rule inside one
// transaction; the UPDATE keeps the pending guard for writers outside this
// process sharing the file.
func (r *sqliteDeliveryRepository) Transition(ctx context.Context, t domain.Transition) (*domain.Delivery, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	d, err := getByID(ctx, tx, t.ID)
	if err != nil {
		return nil, err
	}
	if err := t.Apply(d); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE deliveries
		 SET status = ?, executed_at = ?, error_message = ?
		 WHERE id = ? AND status = ?`,
		string(d.Status), formatTime(*d.ExecutedAt), d.ErrorMessage,
		d.ID, string(domain.DeliveryStatusPending),
	)
	if err != nil {
		r.logger.Error("Failed to transition delivery", zap.String("delivery_id", t.ID), zap.Error(err))
		return nil, fmt.Errorf("update delivery %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		current, err := getByID(ctx, tx, t.ID)
		if err != nil {
			return nil, err
		}
		return nil, &domain.InvalidStateError{ID: t.ID, Current: current.Status}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return d, nil
}

func (r *sqliteDeliveryRepository) MarkNotified(ctx context.Context, id string, event domain.DeliveryEvent) error {
	var column string
	switch event {
	case domain.DeliveryEventCreated:
		column = "notified_created"
	case domain.DeliveryEventCompleted:
		column = "notified_completed"
	case domain.DeliveryEventFailed:
		column = "notified_failed"
	default:
		return fmt.Errorf("%w: unknown delivery event %q", domain.ErrValidation, event)
	}

	res, err := r.db.ExecContext(ctx, `UPDATE deliveries SET `+column+` = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark delivery notified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delivery %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *sqliteDeliveryRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Delivery, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var ds []*domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		ds = append(ds, d)
	}
	return ds, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDelivery(s scanner) (*domain.Delivery, error) {
	var (
		d                    domain.Delivery
		platform, status     string
		createdAt            string
		executedAt, errorMsg sql.NullString
	)
	err := s.Scan(&d.ID, &d.Username, &platform, &d.Package, &status,
		&createdAt, &executedAt, &errorMsg,
		&d.Notifications.Created, &d.Notifications.Completed, &d.Notifications.Failed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan delivery: %w", err)
	}
	d.Platform = domain.Platform(platform)
	d.Status = domain.DeliveryStatus(status)

	if d.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if executedAt.Valid {
		t, err := time.Parse(timeLayout, executedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse executed_at: %w", err)
		}
		d.ExecutedAt = &t
	}
	if errorMsg.Valid {
		d.ErrorMessage = &errorMsg.String
	}
	return &d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
