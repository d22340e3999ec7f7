package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock is an in-memory gateway for tests. Each call delegates to the
// corresponding function field when set; the default behavior approves
// charges and remembers them for reconciliation.
type Mock struct {
	mu sync.Mutex

	ChargeFunc           func(ctx context.Context, req ChargeRequest) (Result, error)
	ReconcileFunc        func(ctx context.Context, uniqueID string) (Result, error)
	VoidFunc             func(ctx context.Context, uniqueID string) (bool, error)
	PageFunc             func(ctx context.Context, from, to time.Time, page int) (PageResult, error)
	ChargebackDetailFunc func(ctx context.Context, uniqueID string) (ChargebackDetail, error)

	charges map[string]Result
	counter int
}

var _ Client = &Mock{}

// NewMock builds a mock gateway that approves everything.
func NewMock() *Mock {
	return &Mock{charges: make(map[string]Result)}
}

// Charges returns how many charges the mock has seen.
func (m *Mock) Charges() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter
}

func (m *Mock) Charge(ctx context.Context, req ChargeRequest) (Result, error) {
	if m.ChargeFunc != nil {
		return m.ChargeFunc(ctx, req)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	result := Result{
		UniqueID: fmt.Sprintf("mock-%06d", m.counter),
		Status:   StatusApproved,
		Amount:   req.Amount,
		Currency: req.Currency,
	}
	m.charges[result.UniqueID] = result
	return result, nil
}

func (m *Mock) Reconcile(ctx context.Context, uniqueID string) (Result, error) {
	if m.ReconcileFunc != nil {
		return m.ReconcileFunc(ctx, uniqueID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if result, ok := m.charges[uniqueID]; ok {
		return result, nil
	}
	return Result{}, NewPermanent("not_found", "unknown unique_id "+uniqueID)
}

func (m *Mock) Void(ctx context.Context, uniqueID string) (bool, error) {
	if m.VoidFunc != nil {
		return m.VoidFunc(ctx, uniqueID)
	}
	return true, nil
}

func (m *Mock) Page(ctx context.Context, from, to time.Time, page int) (PageResult, error) {
	if m.PageFunc != nil {
		return m.PageFunc(ctx, from, to, page)
	}
	return PageResult{}, nil
}

func (m *Mock) ChargebackDetail(ctx context.Context, uniqueID string) (ChargebackDetail, error) {
	if m.ChargebackDetailFunc != nil {
		return m.ChargebackDetailFunc(ctx, uniqueID)
	}
	return ChargebackDetail{UniqueID: uniqueID}, nil
}
