package deliveries_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"rankdelivery/internal/app/deliveries"
	"rankdelivery/internal/domain"
	"rankdelivery/internal/repository/delivery_repo"
	"rankdelivery/internal/repository/delivery_repo/sqlite"
)

const (
	operator = domain.RoleOperator
	worker   = domain.RoleWorker
)

// clock advances one second per reading so records get distinct timestamps.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type recordingNotifier struct {
	mu     sync.Mutex
	ok     bool
	events []domain.DeliveryEvent
	ctxErr error
}

func (n *recordingNotifier) record(ctx context.Context, e domain.DeliveryEvent) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	n.ctxErr = ctx.Err()
	return n.ok
}

func (n *recordingNotifier) NotifyCreated(ctx context.Context, _ domain.Delivery) bool {
	return n.record(ctx, domain.DeliveryEventCreated)
}

func (n *recordingNotifier) NotifyCompleted(ctx context.Context, _ domain.Delivery) bool {
	return n.record(ctx, domain.DeliveryEventCompleted)
}

func (n *recordingNotifier) NotifyFailed(ctx context.Context, _ domain.Delivery) bool {
	return n.record(ctx, domain.DeliveryEventFailed)
}

func (n *recordingNotifier) Events() []domain.DeliveryEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.DeliveryEvent(nil), n.events...)
}

type fixture struct {
	svc      deliveries.DeliveryService
	repo     delivery_repo.DeliveryRepository
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts deliveries.Options) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	repo := sqlite.NewDeliveryRepository(sqlite.OpenTestDB(t), logger)
	notifier := &recordingNotifier{ok: true}
	if opts.Now == nil {
		c := &clock{t: time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC)}
		opts.Now = c.Now
	}
	return &fixture{
		svc:      deliveries.NewDeliveryService(repo, notifier, logger, opts),
		repo:     repo,
		notifier: notifier,
	}
}

func (f *fixture) create(t *testing.T, username string) *domain.Delivery {
	t.Helper()
	d, err := f.svc.CreateDelivery(context.Background(), operator, username, "java", "VIP")
	if err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	return d
}

func TestCreateAndCompleteLifecycle(t *testing.T) {
	f := newFixture(t, deliveries.Options{})
	ctx := context.Background()

	d1 := f.create(t, "Steve")
	if d1.Status != domain.DeliveryStatusPending || d1.ExecutedAt != nil {
		t.Fatalf("created delivery = %+v", d1)
	}

	pending, err := f.svc.ListPending(ctx, worker, 10)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != d1.ID {
		t.Fatalf("ListPending = %v, want [%s]", pending, d1.ID)
	}

	done, err := f.svc.CompleteDelivery(ctx, worker, d1.ID)
	if err != nil {
		t.Fatalf("CompleteDelivery: %v", err)
	}
	if done.Status != domain.DeliveryStatusCompleted || done.ExecutedAt == nil {
		t.Fatalf("completed delivery = %+v", done)
	}

	_, err = f.svc.CompleteDelivery(ctx, worker, d1.ID)
	var stateErr *domain.InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("second CompleteDelivery: got %v, want InvalidStateError", err)
	}
	if stateErr.Current != domain.DeliveryStatusCompleted {
		t.Errorf("Current = %q, want completed", stateErr.Current)
	}
}

func TestFailDelivery(t *testing.T) {
	f := newFixture(t, deliveries.Options{})
	ctx := context.Background()

	t.Run("WithMessage", func(t *testing.T) {
		d := f.create(t, "Alex")
		got, err := f.svc.FailDelivery(ctx, worker, d.ID, "command timeout")
		if err != nil {
			t.Fatalf("FailDelivery: %v", err)
		}
		if got.Status != domain.DeliveryStatusFailed || got.ErrorMessage == nil || *got.ErrorMessage != "command timeout" {
			t.Fatalf("failed delivery = %+v", got)
		}
	})

	t.Run("DefaultMessage", func(t *testing.T) {
		d := f.create(t, "Herobrine")
		got, err := f.svc.FailDelivery(ctx, worker, d.ID, "   ")
		if err != nil {
			t.Fatalf("FailDelivery: %v", err)
		}
		if got.ErrorMessage == nil || *got.ErrorMessage != domain.DefaultFailureMessage {
			t.Fatalf("ErrorMessage = %v, want %q", got.ErrorMessage, domain.DefaultFailureMessage)
		}
	})

	t.Run("StrictAfterCompletion", func(t *testing.T) {
		d := f.create(t, "Notch")
		if _, err := f.svc.CompleteDelivery(ctx, worker, d.ID); err != nil {
			t.Fatalf("CompleteDelivery: %v", err)
		}
		if _, err := f.svc.FailDelivery(ctx, worker, d.ID, "late"); !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("FailDelivery on completed: got %v, want ErrInvalidState", err)
		}
		got, err := f.svc.GetDelivery(ctx, operator, d.ID)
		if err != nil {
			t.Fatalf("GetDelivery: %v", err)
		}
		if got.Status != domain.DeliveryStatusCompleted || got.ErrorMessage != nil {
			t.Fatalf("rejected failure changed record: %+v", got)
		}
	})
}

func TestListPendingClampsToBatchSize(t *testing.T) {
	f := newFixture(t, deliveries.Options{MaxBatchSize: 10})
	ctx := context.Background()

	var created []*domain.Delivery
	for i := 0; i < 15; i++ {
		created = append(created, f.create(t, fmt.Sprintf("player%02d", i)))
	}

	for _, limit := range []int{100, 0, -3} {
		got, err := f.svc.ListPending(ctx, worker, limit)
		if err != nil {
			t.Fatalf("ListPending(%d): %v", limit, err)
		}
		if len(got) != 10 {
			t.Fatalf("ListPending(%d) returned %d, want 10", limit, len(got))
		}
		for i, d := range got {
			if d.ID != created[i].ID {
				t.Fatalf("ListPending(%d)[%d] = %s, want %s", limit, i, d.ID, created[i].ID)
			}
		}
	}

	got, err := f.svc.ListPending(ctx, worker, 3)
	if err != nil {
		t.Fatalf("ListPending(3): %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListPending(3) returned %d", len(got))
	}
}

func TestConcurrentCompletion(t *testing.T) {
	f := newFixture(t, deliveries.Options{})
	ctx := context.Background()
	d := f.create(t, "Steve")

	var (
		wg      sync.WaitGroup
		results = make([]error, 2)
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.CompleteDelivery(ctx, worker, d.ID)
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrInvalidState):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins=%d conflicts=%d, want 1 and 1", wins, conflicts)
	}

	got, err := f.svc.GetDelivery(ctx, operator, d.ID)
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if got.Status != domain.DeliveryStatusCompleted || got.ExecutedAt == nil {
		t.Fatalf("final record = %+v", got)
	}
}

func TestTransitionErrors(t *testing.T) {
	f := newFixture(t, deliveries.Options{})
	ctx := context.Background()

	if _, err := f.svc.CompleteDelivery(ctx, worker, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("CompleteDelivery(missing): got %v, want ErrNotFound", err)
	}
	if _, err := f.svc.FailDelivery(ctx, worker, "", "x"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("FailDelivery(blank): got %v, want ErrValidation", err)
	}
}

func TestCreateDeliveryValidation(t *testing.T) {
	f := newFixture(t, deliveries.Options{})
	ctx := context.Background()

	tests := []struct {
		name                        string
		username, platform, pkgName string
	}{
		{"MissingUsername", "  ", "java", "VIP"},
		{"MissingPackage", "Steve", "java", ""},
		{"BadPlatform", "Steve", "pocket", "VIP"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateDelivery(ctx, operator, tc.username, tc.platform, tc.pkgName)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("got %v, want ErrValidation", err)
			}
		})
	}

	n, err := f.svc.CountPending(ctx, operator)
	if err != nil {
		t.Fatalf("CountPending: %v", err)
	}
	if n != 0 {
		t.Fatalf("rejected creates persisted %d records", n)
	}
	if events := f.notifier.Events(); len(events) != 0 {
		t.Fatalf("rejected creates notified: %v", events)
	}
}

func TestRoleChecks(t *testing.T) {
	f := newFixture(t, deliveries.Options{})
	ctx := context.Background()

	if _, err := f.svc.CreateDelivery(ctx, worker, "Steve", "java", "VIP"); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("worker CreateDelivery: got %v, want ErrForbidden", err)
	}
	if _, err := f.svc.ListPending(ctx, operator, 10); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("operator ListPending: got %v, want ErrForbidden", err)
	}
	if _, err := f.svc.CompleteDelivery(ctx, domain.Role("guest"), "x"); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("guest CompleteDelivery: got %v, want ErrForbidden", err)
	}
}

func TestNotificationFlags(t *testing.T) {
	f := newFixture(t, deliveries.Options{})
	ctx := context.Background()

	d := f.create(t, "Steve")
	if !d.Notifications.Created {
		t.Error("returned delivery not marked notified")
	}
	stored, err := f.repo.GetByID(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !stored.Notifications.Created {
		t.Error("stored delivery not marked notified")
	}

	f.notifier.ok = false
	d2 := f.create(t, "Alex")
	if _, err := f.svc.FailDelivery(ctx, worker, d2.ID, "boom"); err != nil {
		t.Fatalf("FailDelivery with failing sink: %v", err)
	}
	stored, err = f.repo.GetByID(ctx, d2.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Notifications.Created || stored.Notifications.Failed {
		t.Errorf("failed sink recorded as sent: %+v", stored.Notifications)
	}

	want := []domain.DeliveryEvent{domain.DeliveryEventCreated, domain.DeliveryEventCreated, domain.DeliveryEventFailed}
	got := f.notifier.Events()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestNotificationSurvivesCancelledRequest(t *testing.T) {
	f := newFixture(t, deliveries.Options{})
	d := f.create(t, "Steve")

	ctx, cancel := context.WithCancel(context.Background())
	done, err := f.svc.CompleteDelivery(ctx, worker, d.ID)
	cancel()
	if err != nil {
		t.Fatalf("CompleteDelivery: %v", err)
	}
	if f.notifier.ctxErr != nil {
		t.Fatalf("notifier saw cancelled context: %v", f.notifier.ctxErr)
	}
	if !done.Notifications.Completed {
		t.Fatal("completion notification not recorded")
	}
}

func TestListHistoryAndUsername(t *testing.T) {
	f := newFixture(t, deliveries.Options{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.create(t, "Steve")
	}
	alex := f.create(t, "Alex")

	page, err := f.svc.ListHistory(ctx, operator, 0, 4)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if page.Page != 1 || page.Limit != 4 || page.Total != 6 || page.Pages != 2 {
		t.Fatalf("page meta = %+v", page)
	}
	if len(page.Deliveries) != 4 || page.Deliveries[0].ID != alex.ID {
		t.Fatalf("first history entry = %s, want newest %s", page.Deliveries[0].ID, alex.ID)
	}

	page, err = f.svc.ListHistory(ctx, operator, 1, 0)
	if err != nil {
		t.Fatalf("ListHistory default limit: %v", err)
	}
	if page.Limit != deliveries.DefaultHistoryLimit {
		t.Errorf("default limit = %d, want %d", page.Limit, deliveries.DefaultHistoryLimit)
	}
	page, err = f.svc.ListHistory(ctx, operator, 1, 1000)
	if err != nil {
		t.Fatalf("ListHistory capped limit: %v", err)
	}
	if page.Limit != deliveries.MaxHistoryLimit {
		t.Errorf("capped limit = %d, want %d", page.Limit, deliveries.MaxHistoryLimit)
	}

	steve, err := f.svc.ListByUsername(ctx, operator, " Steve ")
	if err != nil {
		t.Fatalf("ListByUsername: %v", err)
	}
	if len(steve) != 5 {
		t.Fatalf("ListByUsername returned %d, want 5", len(steve))
	}
	if _, err := f.svc.ListByUsername(ctx, operator, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("ListByUsername blank: got %v, want ErrValidation", err)
	}

	if _, err := f.svc.GetDelivery(ctx, operator, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetDelivery missing: got %v, want ErrNotFound", err)
	}
}

func TestListHistoryPastLastPage(t *testing.T) {
	f := newFixture(t, deliveries.Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.create(t, "Steve")
	}

	for _, tc := range []struct{ page, limit int }{
		{math.MaxInt / 50, 100},
		{math.MaxInt, 100},
		{math.MaxInt, 1},
		{4, 1},
	} {
		t.Run(fmt.Sprintf("page=%d,limit=%d", tc.page, tc.limit), func(t *testing.T) {
			page, err := f.svc.ListHistory(ctx, operator, tc.page, tc.limit)
			if err != nil {
				t.Fatalf("ListHistory: %v", err)
			}
			if len(page.Deliveries) != 0 {
				t.Fatalf("got %d deliveries past the last page, want 0", len(page.Deliveries))
			}
			if page.Total != 3 || page.Page != tc.page {
				t.Fatalf("page meta = %+v", page)
			}
		})
	}
}
