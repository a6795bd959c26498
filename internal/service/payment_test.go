package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/ararat-backend/internal/lease"
	"github.com/mmeshcher/ararat-backend/internal/model"
	"github.com/mmeshcher/ararat-backend/internal/repository"
)

func seededStore() *memStore {
	store := newMemStore()
	store.addPayment(model.Payment{
		ID:      "p1",
		OrderID: "o1",
		Amount:  100.00,
		Status:  model.PaymentStatusPending,
	})
	store.addOrder(model.Order{ID: "o1", Status: "новый", PaymentStatus: model.PaymentStatusPending})
	return store
}

func newTestPaymentService(store *memStore, locker lease.Locker, delay time.Duration) *PaymentService {
	return NewPaymentService(store, locker, delay, zap.NewNop())
}

func TestConfirm_FirstScanThenCompletion(t *testing.T) {
	store := seededStore()
	svc := newTestPaymentService(store, nil, 0)

	res, err := svc.Confirm(context.Background(), model.ConfirmRequest{PaymentID: "p1", OrderID: "o1", Amount: 100.00})
	require.NoError(t, err)
	assert.Equal(t, model.ConfirmCompleted, res)

	assert.Equal(t, []string{"scan:p1", "complete:p1", "order:o1"}, store.writeLog())

	p := store.payment("p1")
	assert.Equal(t, model.PaymentStatusCompleted, p.Status)
	assert.True(t, p.IsScanned)
	assert.NotNil(t, p.ScanTime)

	o := store.order("o1")
	assert.Equal(t, model.PaymentStatusCompleted, o.PaymentStatus)
	assert.Equal(t, model.OrderStatusPaid, o.Status)
}

func TestConfirm_Idempotent(t *testing.T) {
	store := seededStore()
	svc := newTestPaymentService(store, nil, 0)
	req := model.ConfirmRequest{PaymentID: "p1", OrderID: "o1", Amount: 100.00}

	first, err := svc.Confirm(context.Background(), req)
	require.NoError(t, err)
	afterFirst := store.payment("p1")
	writes := store.writeLog()

	second, err := svc.Confirm(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.ConfirmCompleted, first)
	assert.Equal(t, model.ConfirmAlreadyCompleted, second)
	assert.Equal(t, writes, store.writeLog())
	assert.Equal(t, afterFirst, store.payment("p1"))
}

func TestConfirm_AlreadyCompletedMakesNoWrites(t *testing.T) {
	store := newMemStore()
	store.addPayment(model.Payment{ID: "p1", OrderID: "o1", Amount: 100, Status: model.PaymentStatusCompleted, IsScanned: true})
	store.addOrder(model.Order{ID: "o1"})
	svc := newTestPaymentService(store, nil, 0)

	res, err := svc.Confirm(context.Background(), model.ConfirmRequest{PaymentID: "p1", OrderID: "o1", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, model.ConfirmAlreadyCompleted, res)
	assert.Empty(t, store.writeLog())
}

func TestConfirm_AlreadyScannedSkipsFirstScan(t *testing.T) {
	store := seededStore()
	scanTime := time.Now().Add(-time.Minute)
	store.addPayment(model.Payment{
		ID: "p1", OrderID: "o1", Amount: 100,
		Status: model.PaymentStatusProcessing, IsScanned: true, ScanTime: &scanTime,
	})
	svc := newTestPaymentService(store, nil, time.Hour)

	res, err := svc.Confirm(context.Background(), model.ConfirmRequest{PaymentID: "p1", OrderID: "o1", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, model.ConfirmCompleted, res)
	assert.Equal(t, []string{"complete:p1", "order:o1"}, store.writeLog())
	assert.Equal(t, scanTime, *store.payment("p1").ScanTime)
}

func TestConfirm_InvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		req  model.ConfirmRequest
	}{
		{name: "empty payment id", req: model.ConfirmRequest{OrderID: "o1", Amount: 1}},
		{name: "empty order id", req: model.ConfirmRequest{PaymentID: "p1", Amount: 1}},
		{name: "nan amount", req: model.ConfirmRequest{PaymentID: "p1", OrderID: "o1", Amount: math.NaN()}},
		{name: "infinite amount", req: model.ConfirmRequest{PaymentID: "p1", OrderID: "o1", Amount: math.Inf(1)}},
		{name: "path in payment id", req: model.ConfirmRequest{PaymentID: "payments/p1", OrderID: "o1", Amount: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seededStore()
			store.getErr = errors.New("store must not be touched")
			svc := newTestPaymentService(store, nil, 0)

			_, err := svc.Confirm(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, store.writeLog())
		})
	}
}

func TestConfirm_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		req  model.ConfirmRequest
		want error
	}{
		{
			name: "payment not found",
			req:  model.ConfirmRequest{PaymentID: "missing", OrderID: "o1", Amount: 100},
			want: ErrPaymentNotFound,
		},
		{
			name: "order mismatch",
			req:  model.ConfirmRequest{PaymentID: "p1", OrderID: "o2", Amount: 100},
			want: ErrOrderMismatch,
		},
		{
			name: "order mismatch takes precedence over amount",
			req:  model.ConfirmRequest{PaymentID: "p1", OrderID: "o2", Amount: 5},
			want: ErrOrderMismatch,
		},
		{
			name: "amount mismatch",
			req:  model.ConfirmRequest{PaymentID: "p1", OrderID: "o1", Amount: 99},
			want: ErrAmountMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seededStore()
			svc := newTestPaymentService(store, nil, 0)

			_, err := svc.Confirm(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, store.writeLog())
			assert.Equal(t, model.PaymentStatusPending, store.payment("p1").Status)
		})
	}
}

func TestAmountMatches(t *testing.T) {
	tests := []struct {
		stored    float64
		requested float64
		want      bool
	}{
		{stored: 100.00, requested: 100.00, want: true},
		{stored: 100.00, requested: 100.01, want: true},
		{stored: 100.00, requested: 99.99, want: true},
		{stored: 100.00, requested: 100.0100001, want: false},
		{stored: 100.00, requested: 99.9899999, want: false},
		{stored: 0.1, requested: 0.11, want: true},
		{stored: math.NaN(), requested: 1, want: false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v vs %v", tt.stored, tt.requested), func(t *testing.T) {
			assert.Equal(t, tt.want, amountMatches(tt.stored, tt.requested))
		})
	}
}

func TestConfirm_AmountBoundary(t *testing.T) {
	store := seededStore()
	svc := newTestPaymentService(store, nil, 0)

	_, err := svc.Confirm(context.Background(), model.ConfirmRequest{PaymentID: "p1", OrderID: "o1", Amount: 100.0100001})
	assert.ErrorIs(t, err, ErrAmountMismatch)

	res, err := svc.Confirm(context.Background(), model.ConfirmRequest{PaymentID: "p1", OrderID: "o1", Amount: 100.01})
	require.NoError(t, err)
	assert.Equal(t, model.ConfirmCompleted, res)
}

func TestConfirm_ConcurrentCalls(t *testing.T) {
	lockers := map[string]lease.Locker{
		"conditional write only": nil,
		"with local lease":       lease.NewLocal(),
	}

	for name, locker := range lockers {
		t.Run(name, func(t *testing.T) {
			store := seededStore()
			svc := newTestPaymentService(store, locker, 10*time.Millisecond)
			req := model.ConfirmRequest{PaymentID: "p1", OrderID: "o1", Amount: 100}

			const callers = 20
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				results []model.ConfirmResult
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := svc.Confirm(context.Background(), req)
					if err != nil {
						t.Errorf("confirm: %v", err)
						return
					}
					mu.Lock()
					results = append(results, res)
					mu.Unlock()
				}()
			}
			wg.Wait()

			require.Len(t, results, callers)
			assert.Contains(t, results, model.ConfirmCompleted)

			store.mu.Lock()
			scans := store.scanCount
			store.mu.Unlock()
			assert.Equal(t, 1, scans)

			p := store.payment("p1")
			assert.Equal(t, model.PaymentStatusCompleted, p.Status)
			assert.True(t, p.IsScanned)
			assert.Equal(t, model.PaymentStatusCompleted, store.order("o1").PaymentStatus)

			if locker != nil {
				completed := 0
				for _, r := range results {
					if r == model.ConfirmCompleted {
						completed++
					}
				}
				assert.Equal(t, 1, completed)
			}
		})
	}
}

func TestConfirm_ProcessingDelayCancelled(t *testing.T) {
	store := seededStore()
	svc := newTestPaymentService(store, nil, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.Confirm(ctx, model.ConfirmRequest{PaymentID: "p1", OrderID: "o1", Amount: 100})
	assert.ErrorIs(t, err, ErrInternal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, model.PaymentStatusProcessing, store.payment("p1").Status)

	// повторный вызов завершает платёж без второго первого сканирования
	res, err := svc.Confirm(context.Background(), model.ConfirmRequest{PaymentID: "p1", OrderID: "o1", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, model.ConfirmCompleted, res)
	assert.Equal(t, []string{"scan:p1", "complete:p1", "order:o1"}, store.writeLog())
}

func TestConfirm_StoreFailures(t *testing.T) {
	transient := fmt.Errorf("%w: connection reset by peer", repository.ErrTransient)

	t.Run("load payment", func(t *testing.T) {
		store := seededStore()
		store.getErr = transient
		svc := newTestPaymentService(store, nil, 0)

		_, err := svc.Confirm(context.Background(), model.ConfirmRequest{PaymentID: "p1", OrderID: "o1", Amount: 100})
		assert.ErrorIs(t, err, ErrInternal)
		assert.ErrorIs(t, err, repository.ErrTransient)
	})

	t.Run("first scan", func(t *testing.T) {
		store := seededStore()
		store.scanErr = errors.New("write failed")
		svc := newTestPaymentService(store, nil, 0)

		_, err := svc.Confirm(context.Background(), model.ConfirmRequest{PaymentID: "p1", OrderID: "o1", Amount: 100})
		assert.ErrorIs(t, err, ErrInternal)
		assert.Empty(t, store.writeLog())
	})

	t.Run("complete payment", func(t *testing.T) {
		store := seededStore()
		store.completeErr = errors.New("write failed")
		svc := newTestPaymentService(store, nil, 0)

		_, err := svc.Confirm(context.Background(), model.ConfirmRequest{PaymentID: "p1", OrderID: "o1", Amount: 100})
		assert.ErrorIs(t, err, ErrInternal)
	})

	t.Run("order missing", func(t *testing.T) {
		store := newMemStore()
		store.addPayment(model.Payment{ID: "p1", OrderID: "o1", Amount: 100, Status: model.PaymentStatusPending})
		svc := newTestPaymentService(store, nil, 0)

		_, err := svc.Confirm(context.Background(), model.ConfirmRequest{PaymentID: "p1", OrderID: "o1", Amount: 100})
		assert.ErrorIs(t, err, ErrInternal)
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.NotErrorIs(t, err, ErrPaymentNotFound)
	})
}
