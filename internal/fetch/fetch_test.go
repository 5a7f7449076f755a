package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketsync/internal/models"
)

func TestDo(t *testing.T) {
	transient := errors.New("connection reset")

	tests := []struct {
		name      string
		results   []error
		wantCalls int
		wantErr   error
	}{
		{"first try", []error{nil}, 1, nil},
		{"recovers on retry", []error{transient, nil}, 2, nil},
		{"exhausted", []error{transient, transient, transient}, 3, models.ErrTimeout},
		{"not found is final", []error{models.ErrNotFound}, 1, models.ErrNotFound},
		{"conflict is final", []error{transient, models.ErrConflict}, 2, models.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			p := Policy{Timeout: time.Second, Retries: 2}
			v, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
				err := tt.results[calls]
				calls++
				if err != nil {
					return 0, err
				}
				return 42, nil
			})

			if calls != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, calls)
			}
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if v != 42 {
					t.Errorf("expected 42, got %d", v)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDo_AttemptTimeout(t *testing.T) {
	p := Policy{Timeout: 10 * time.Millisecond, Retries: 1}
	calls := 0
	_, err := Do(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		<-ctx.Done()
		return "", ctx.Err()
	})

	if !errors.Is(err, models.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if err.Error()[:len("connection timeout")] != "connection timeout" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, DefaultPolicy(), func(ctx context.Context) (int, error) {
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
