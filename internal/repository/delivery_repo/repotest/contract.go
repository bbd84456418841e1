// Package repotest provides contract tests for
// [delivery_repo.DeliveryRepository] implementations.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"rankdelivery/internal/domain"
	"rankdelivery/internal/repository/delivery_repo"
)

// Factory creates a fresh, empty repository for each test.
type Factory func(t *testing.T) delivery_repo.DeliveryRepository

var base = time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC)

func newDelivery(t *testing.T, id, username string, createdAt time.Time) *domain.Delivery {
	t.Helper()
	d, err := domain.NewDelivery(id, username, "java", "VIP", createdAt)
	if err != nil {
		t.Fatalf("NewDelivery: %v", err)
	}
	return d
}

func seed(t *testing.T, repo delivery_repo.DeliveryRepository, ds ...*domain.Delivery) {
	t.Helper()
	for _, d := range ds {
		if err := repo.Create(context.Background(), d); err != nil {
			t.Fatalf("Create(%s): %v", d.ID, err)
		}
	}
}

// Run exercises the [delivery_repo.DeliveryRepository] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		seed(t, repo, newDelivery(t, "d1", "Steve", base))

		got, err := repo.GetByID(ctx, "d1")
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.Username != "Steve" || got.Platform != domain.PlatformJava || got.Package != "VIP" {
			t.Errorf("got %+v", got)
		}
		if got.Status != domain.DeliveryStatusPending {
			t.Errorf("Status = %q, want pending", got.Status)
		}
		if !got.CreatedAt.Equal(base) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
		}
		if got.ExecutedAt != nil || got.ErrorMessage != nil {
			t.Errorf("pending delivery has ExecutedAt=%v ErrorMessage=%v", got.ExecutedAt, got.ErrorMessage)
		}
	})

	t.Run("CreateDuplicateID", func(t *testing.T) {
		repo := factory(t)
		seed(t, repo, newDelivery(t, "d1", "Steve", base))
		err := repo.Create(context.Background(), newDelivery(t, "d1", "Alex", base))
		if !errors.Is(err, domain.ErrDuplicateID) {
			t.Fatalf("Create duplicate: got %v, want ErrDuplicateID", err)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.GetByID(context.Background(), "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("GetByID: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ListPendingOldestFirstAndLimited", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		// Inserted newest first so ordering comes from created_at, not insertion.
		for i := 14; i >= 0; i-- {
			seed(t, repo, newDelivery(t, fmt.Sprintf("d%02d", i), "Steve", base.Add(time.Duration(i)*time.Second)))
		}
		if _, err := repo.Transition(ctx, domain.CompleteTransition("d00", base.Add(time.Hour))); err != nil {
			t.Fatalf("Transition: %v", err)
		}

		got, err := repo.ListPending(ctx, 10)
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		if len(got) != 10 {
			t.Fatalf("ListPending: got %d, want 10", len(got))
		}
		for i, d := range got {
			want := fmt.Sprintf("d%02d", i+1)
			if d.ID != want {
				t.Errorf("ListPending[%d] = %s, want %s", i, d.ID, want)
			}
			if d.Status != domain.DeliveryStatusPending {
				t.Errorf("ListPending[%d] status = %q", i, d.Status)
			}
		}
	})

	t.Run("CountPending", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		seed(t, repo,
			newDelivery(t, "d1", "Steve", base),
			newDelivery(t, "d2", "Alex", base.Add(time.Second)),
			newDelivery(t, "d3", "Alex", base.Add(2*time.Second)),
		)
		if _, err := repo.Transition(ctx, domain.FailTransition("d2", "boom", base)); err != nil {
			t.Fatalf("Transition: %v", err)
		}
		n, err := repo.CountPending(ctx)
		if err != nil {
			t.Fatalf("CountPending: %v", err)
		}
		if n != 2 {
			t.Fatalf("CountPending = %d, want 2", n)
		}
	})

	t.Run("ListHistoryNewestFirstPaged", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			seed(t, repo, newDelivery(t, fmt.Sprintf("d%d", i), "Steve", base.Add(time.Duration(i)*time.Minute)))
		}

		page, total, err := repo.ListHistory(ctx, 2, 2)
		if err != nil {
			t.Fatalf("ListHistory: %v", err)
		}
		if total != 5 {
			t.Errorf("total = %d, want 5", total)
		}
		if len(page) != 2 || page[0].ID != "d2" || page[1].ID != "d1" {
			t.Fatalf("page = %v, want [d2 d1]", ids(page))
		}

		last, _, err := repo.ListHistory(ctx, 4, 2)
		if err != nil {
			t.Fatalf("ListHistory last page: %v", err)
		}
		if len(last) != 1 || last[0].ID != "d0" {
			t.Fatalf("last page = %v, want [d0]", ids(last))
		}
	})

	t.Run("ListHistoryOffsetPastEnd", func(t *testing.T) {
		repo := factory(t)
		seed(t, repo, newDelivery(t, "d1", "Steve", base))
		for _, offset := range []int{1, 1000, math.MaxInt} {
			page, total, err := repo.ListHistory(context.Background(), offset, 100)
			if err != nil {
				t.Fatalf("ListHistory(offset=%d): %v", offset, err)
			}
			if total != 1 || len(page) != 0 {
				t.Fatalf("ListHistory(offset=%d) = %v total %d, want empty page total 1", offset, ids(page), total)
			}
		}
	})

	t.Run("ListByUsername", func(t *testing.T) {
		repo := factory(t)
		seed(t, repo,
			newDelivery(t, "d1", "Steve", base),
			newDelivery(t, "d2", "Alex", base.Add(time.Second)),
			newDelivery(t, "d3", "Steve", base.Add(2*time.Second)),
		)
		got, err := repo.ListByUsername(context.Background(), "Steve")
		if err != nil {
			t.Fatalf("ListByUsername: %v", err)
		}
		if len(got) != 2 || got[0].ID != "d3" || got[1].ID != "d1" {
			t.Fatalf("ListByUsername = %v, want [d3 d1]", ids(got))
		}
	})

	t.Run("TransitionComplete", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		seed(t, repo, newDelivery(t, "d1", "Steve", base))
		executed := base.Add(time.Minute)

		got, err := repo.Transition(ctx, domain.CompleteTransition("d1", executed))
		if err != nil {
			t.Fatalf("Transition: %v", err)
		}
		if got.Status != domain.DeliveryStatusCompleted {
			t.Errorf("Status = %q, want completed", got.Status)
		}
		if got.ExecutedAt == nil || !got.ExecutedAt.Equal(executed) {
			t.Errorf("ExecutedAt = %v, want %v", got.ExecutedAt, executed)
		}
		if got.ErrorMessage != nil {
			t.Errorf("ErrorMessage = %q, want nil", *got.ErrorMessage)
		}
	})

	t.Run("TransitionFail", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		seed(t, repo, newDelivery(t, "d1", "Steve", base))

		got, err := repo.Transition(ctx, domain.FailTransition("d1", "command timeout", base.Add(time.Minute)))
		if err != nil {
			t.Fatalf("Transition: %v", err)
		}
		if got.Status != domain.DeliveryStatusFailed {
			t.Errorf("Status = %q, want failed", got.Status)
		}
		if got.ErrorMessage == nil || *got.ErrorMessage != "command timeout" {
			t.Errorf("ErrorMessage = %v, want %q", got.ErrorMessage, "command timeout")
		}
	})

	t.Run("TransitionRejectsTerminal", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		seed(t, repo, newDelivery(t, "d1", "Steve", base))
		first := base.Add(time.Minute)
		if _, err := repo.Transition(ctx, domain.CompleteTransition("d1", first)); err != nil {
			t.Fatalf("first Transition: %v", err)
		}

		for _, tr := range []domain.Transition{
			domain.CompleteTransition("d1", base.Add(time.Hour)),
			domain.FailTransition("d1", "late", base.Add(time.Hour)),
		} {
			_, err := repo.Transition(ctx, tr)
			var stateErr *domain.InvalidStateError
			if !errors.As(err, &stateErr) {
				t.Fatalf("Transition to %s: got %v, want InvalidStateError", tr.To, err)
			}
			if stateErr.Current != domain.DeliveryStatusCompleted {
				t.Errorf("Current = %q, want completed", stateErr.Current)
			}
		}

		got, _ := repo.GetByID(ctx, "d1")
		if got.Status != domain.DeliveryStatusCompleted || !got.ExecutedAt.Equal(first) || got.ErrorMessage != nil {
			t.Fatalf("record changed by rejected transition: %+v", got)
		}
	})

	t.Run("TransitionRejectsNonTerminalTarget", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		seed(t, repo, newDelivery(t, "d1", "Steve", base))

		for _, to := range []domain.DeliveryStatus{domain.DeliveryStatusPending, "shipped"} {
			_, err := repo.Transition(ctx, domain.Transition{ID: "d1", To: to, ExecutedAt: base.Add(time.Minute)})
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("Transition to %q: got %v, want ErrValidation", to, err)
			}
		}
		got, err := repo.GetByID(ctx, "d1")
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.Status != domain.DeliveryStatusPending || got.ExecutedAt != nil {
			t.Fatalf("record changed by rejected transition: %+v", got)
		}
	})

	t.Run("TransitionNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Transition(context.Background(), domain.CompleteTransition("missing", base))
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Transition: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ConcurrentTransitionSingleWinner", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		seed(t, repo, newDelivery(t, "d1", "Steve", base))

		const racers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
			winnerAt  time.Time
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				at := base.Add(time.Duration(i+1) * time.Second)
				_, err := repo.Transition(ctx, domain.CompleteTransition("d1", at))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
					winnerAt = at
				case errors.Is(err, domain.ErrInvalidState):
					conflicts++
				default:
					t.Errorf("racer %d: unexpected error %v", i, err)
				}
			}(i)
		}
		wg.Wait()

		if wins != 1 || conflicts != racers-1 {
			t.Fatalf("wins=%d conflicts=%d, want 1 and %d", wins, conflicts, racers-1)
		}
		got, _ := repo.GetByID(ctx, "d1")
		if got.ExecutedAt == nil || !got.ExecutedAt.Equal(winnerAt) {
			t.Fatalf("ExecutedAt = %v, want winner's %v", got.ExecutedAt, winnerAt)
		}
	})

	t.Run("MarkNotified", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		seed(t, repo, newDelivery(t, "d1", "Steve", base))

		if err := repo.MarkNotified(ctx, "d1", domain.DeliveryEventCreated); err != nil {
			t.Fatalf("MarkNotified: %v", err)
		}
		got, _ := repo.GetByID(ctx, "d1")
		if !got.Notifications.Created || got.Notifications.Completed || got.Notifications.Failed {
			t.Fatalf("Notifications = %+v, want only Created", got.Notifications)
		}
		if got.Status != domain.DeliveryStatusPending {
			t.Fatalf("MarkNotified changed status to %q", got.Status)
		}

		if err := repo.MarkNotified(ctx, "missing", domain.DeliveryEventCreated); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("MarkNotified missing: got %v, want ErrNotFound", err)
		}
	})
}

func ids(ds []*domain.Delivery) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}
