package deliveries

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"rankdelivery/internal/domain"
	"rankdelivery/internal/notification"
	"rankdelivery/internal/repository/delivery_repo"
	"rankdelivery/internal/util"
)

const (
	DefaultMaxBatchSize  = 10
	DefaultHistoryLimit  = 50
	MaxHistoryLimit      = 100
	DefaultNotifyTimeout = 5 * time.Second
)

type DeliveryService interface {
	CreateDelivery(ctx context.Context, role domain.Role, username, platform, packageName string) (*domain.Delivery, error)
	ListPending(ctx context.Context, role domain.Role, limit int) ([]*domain.Delivery, error)
	CompleteDelivery(ctx context.Context, role domain.Role, id string) (*domain.Delivery, error)
	FailDelivery(ctx context.Context, role domain.Role, id, errorMessage string) (*domain.Delivery, error)
	CountPending(ctx context.Context, role domain.Role) (int, error)
	ListHistory(ctx context.Context, role domain.Role, page, limit int) (*HistoryPage, error)
	ListByUsername(ctx context.Context, role domain.Role, username string) ([]*domain.Delivery, error)
	GetDelivery(ctx context.Context, role domain.Role, id string) (*domain.Delivery, error)
}

type Options struct {
	// MaxBatchSize caps ListPending. Zero means DefaultMaxBatchSize.
	MaxBatchSize int
	// NotifyTimeout bounds each notification call. Zero means DefaultNotifyTimeout.
	NotifyTimeout time.Duration
	Now           func() time.Time
	NewID         func() string
}

type deliveryService struct {
	repo          delivery_repo.DeliveryRepository
	notifier      notification.Notifier
	logger        *zap.Logger
	maxBatchSize  int
	notifyTimeout time.Duration
	now           func() time.Time
	newID         func() string
}

func NewDeliveryService(
	repo delivery_repo.DeliveryRepository,
	notifier notification.Notifier,
	logger *zap.Logger,
	opts Options,
) DeliveryService {
	s := &deliveryService{
		repo:          repo,
		notifier:      notifier,
		logger:        logger,
		maxBatchSize:  opts.MaxBatchSize,
		notifyTimeout: opts.NotifyTimeout,
		now:           opts.Now,
		newID:         opts.NewID,
	}
	if s.notifier == nil {
		s.notifier = notification.Nop{}
	}
	if s.maxBatchSize <= 0 {
		s.maxBatchSize = DefaultMaxBatchSize
	}
	if s.notifyTimeout <= 0 {
		s.notifyTimeout = DefaultNotifyTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = util.GenerateUUID
	}
	return s
}

func (s *deliveryService) authorize(role domain.Role, op domain.Operation) error {
	if !role.Can(op) {
		s.logger.Warn("Operation not permitted for role", zap.String("role", string(role)), zap.String("operation", string(op)))
		return fmt.Errorf("%w: %s cannot %s", domain.ErrForbidden, role, op)
	}
	return nil
}

func (s *deliveryService) CreateDelivery(ctx context.Context, role domain.Role, username, platform, packageName string) (*domain.Delivery, error) {
	if err := s.authorize(role, domain.OpCreate); err != nil {
		return nil, err
	}

	d, err := domain.NewDelivery(s.newID(), username, platform, packageName, s.now())
	if err != nil {
		s.logger.Warn("Rejected delivery request", zap.Error(err))
		return nil, err
	}

	if err := s.repo.Create(ctx, d); err != nil {
		s.logger.Error("Failed to save delivery", zap.String("delivery_id", d.ID), zap.Error(err))
		return nil, storeError(err)
	}
	s.logger.Info("Delivery created",
		zap.String("delivery_id", d.ID),
		zap.String("username", d.Username),
		zap.String("platform", string(d.Platform)),
		zap.String("package", d.Package),
	)

	s.notify(ctx, domain.DeliveryEventCreated, d)
	return d, nil
}

func (s *deliveryService) ListPending(ctx context.Context, role domain.Role, limit int) ([]*domain.Delivery, error) {
	if err := s.authorize(role, domain.OpListPending); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.maxBatchSize {
		limit = s.maxBatchSize
	}

	ds, err := s.repo.ListPending(ctx, limit)
	if err != nil {
		s.logger.Error("Failed to list pending deliveries", zap.Error(err))
		return nil, storeError(err)
	}
	if ds == nil {
		ds = []*domain.Delivery{}
	}
	return ds, nil
}

func (s *deliveryService) CompleteDelivery(ctx context.Context, role domain.Role, id string) (*domain.Delivery, error) {
	if err := s.authorize(role, domain.OpComplete); err != nil {
		return nil, err
	}
	return s.transition(ctx, domain.CompleteTransition(strings.TrimSpace(id), s.now()), domain.DeliveryEventCompleted)
}

func (s *deliveryService) FailDelivery(ctx context.Context, role domain.Role, id, errorMessage string) (*domain.Delivery, error) {
	if err := s.authorize(role, domain.OpFail); err != nil {
		return nil, err
	}
	return s.transition(ctx, domain.FailTransition(strings.TrimSpace(id), errorMessage, s.now()), domain.DeliveryEventFailed)
}

func (s *deliveryService) transition(ctx context.Context, t domain.Transition, event domain.DeliveryEvent) (*domain.Delivery, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	d, err := s.repo.Transition(ctx, t)
	if err != nil {
		var stateErr *domain.InvalidStateError
		switch {
		case errors.As(err, &stateErr):
			s.logger.Info("Delivery already handled",
				zap.String("delivery_id", t.ID),
				zap.String("current_status", string(stateErr.Current)),
				zap.String("requested_status", string(t.To)),
			)
		case errors.Is(err, domain.ErrNotFound):
			s.logger.Info("Delivery not found", zap.String("delivery_id", t.ID))
		default:
			s.logger.Error("Failed to transition delivery", zap.String("delivery_id", t.ID), zap.Error(err))
		}
		return nil, storeError(err)
	}

	s.logger.Info("Delivery status updated",
		zap.String("delivery_id", d.ID),
		zap.String("new_status", string(d.Status)),
	)
	s.notify(ctx, event, d)
	return d, nil
}

func (s *deliveryService) CountPending(ctx context.Context, role domain.Role) (int, error) {
	if err := s.authorize(role, domain.OpCountPending); err != nil {
		return 0, err
	}
	n, err := s.repo.CountPending(ctx)
	if err != nil {
		s.logger.Error("Failed to count pending deliveries", zap.Error(err))
		return 0, storeError(err)
	}
	return n, nil
}

func (s *deliveryService) ListHistory(ctx context.Context, role domain.Role, page, limit int) (*HistoryPage, error) {
	if err := s.authorize(role, domain.OpListHistory); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	ds, total, err := s.repo.ListHistory(ctx, historyOffset(page, limit), limit)
	if err != nil {
		s.logger.Error("Failed to list delivery history", zap.Int("page", page), zap.Error(err))
		return nil, storeError(err)
	}
	if ds == nil {
		ds = []*domain.Delivery{}
	}
	return &HistoryPage{
		Deliveries: ds,
		Total:      total,
		Page:       page,
		Limit:      limit,
		Pages:      (total + limit - 1) / limit,
	}, nil
}

// historyOffset saturates at math.MaxInt so a page past the end yields an
// empty result instead of wrapping around.
func historyOffset(page, limit int) int {
	if page-1 > math.MaxInt/limit {
		return math.MaxInt
	}
	return (page - 1) * limit
}

func (s *deliveryService) ListByUsername(ctx context.Context, role domain.Role, username string) ([]*domain.Delivery, error) {
	if err := s.authorize(role, domain.OpListByUsername); err != nil {
		return nil, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", domain.ErrValidation)
	}

	ds, err := s.repo.ListByUsername(ctx, username)
	if err != nil {
		s.logger.Error("Failed to list deliveries for user", zap.String("username", username), zap.Error(err))
		return nil, storeError(err)
	}
	if ds == nil {
		ds = []*domain.Delivery{}
	}
	return ds, nil
}

func (s *deliveryService) GetDelivery(ctx context.Context, role domain.Role, id string) (*domain.Delivery, error) {
	if err := s.authorize(role, domain.OpGet); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: delivery ID is required", domain.ErrValidation)
	}
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Error("Failed to get delivery", zap.String("delivery_id", id), zap.Error(err))
		}
		return nil, storeError(err)
	}
	return d, nil
}

// notify runs the sink on a context detached from the request so a client
// disconnect does not cut the alert short. The outcome is recorded on d and in
// the store; neither failure reaches the caller.
func (s *deliveryService) notify(ctx context.Context, event domain.DeliveryEvent, d *domain.Delivery) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()

	if !notification.Notify(notifyCtx, s.notifier, event, *d) {
		return
	}
	d.Notifications.Mark(event)
	if err := s.repo.MarkNotified(notifyCtx, d.ID, event); err != nil {
		s.logger.Warn("Failed to record notification flag",
			zap.String("delivery_id", d.ID),
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}

// storeError passes domain outcomes through and marks everything else as a
// store failure.
func storeError(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrDuplicateID):
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
