// Package memory is an in-process order store implementing the remote
// source and sink contracts. It backs dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/declara/internal/order/domain"
	"github.com/smallbiznis/declara/pkg/db/pagination"
)

const defaultPageSize = 50

type Options struct {
	QueryCost    float64
	MutationCost float64
	// Budget, when set, is drained by every call and reported back as the
	// remaining server credits.
	Budget *float64
}

type Store struct {
	mu     sync.Mutex
	opts   Options
	orders []domain.Order
	fields map[string][]domain.FieldUpdate
	calls  Calls

	queryErr       error
	queryErrAfter  int
	mutationErrs   map[string]error
	rejectedOrders map[string]bool
}

// Calls counts requests received by the store.
type Calls struct {
	Queries      int
	FieldUpdates int
	Tags         int
}

func New(opts Options, orders ...domain.Order) *Store {
	s := &Store{
		opts:           opts,
		fields:         map[string][]domain.FieldUpdate{},
		mutationErrs:   map[string]error{},
		rejectedOrders: map[string]bool{},
	}
	s.Add(orders...)
	return s
}

// Add inserts orders keeping creation order.
func (s *Store) Add(orders ...domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range orders {
		o.Tags = append([]string(nil), o.Tags...)
		s.orders = append(s.orders, o)
	}
	sort.SliceStable(s.orders, func(i, j int) bool {
		if s.orders[i].CreatedAt.Equal(s.orders[j].CreatedAt) {
			return s.orders[i].ID < s.orders[j].ID
		}
		return s.orders[i].CreatedAt.Before(s.orders[j].CreatedAt)
	})
}

// FailQueries makes every query after the first afterPages pages fail with err.
func (s *Store) FailQueries(err error, afterPages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryErr = err
	s.queryErrAfter = afterPages
}

// FailMutations makes mutations of orderID fail with err.
func (s *Store) FailMutations(orderID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutationErrs[orderID] = err
}

// RejectMutations makes field updates of orderID come back with a field error.
func (s *Store) RejectMutations(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectedOrders[orderID] = true
}

func (s *Store) Query(ctx context.Context, filter domain.Filter, cursor string) (domain.Page, error) {
	if err := ctx.Err(); err != nil {
		return domain.Page{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls.Queries++
	if s.queryErr != nil && s.calls.Queries > s.queryErrAfter {
		return domain.Page{}, s.queryErr
	}

	start := 0
	if cursor != "" {
		c, err := pagination.DecodeCursor(cursor)
		if err != nil {
			return domain.Page{}, fmt.Errorf("decode cursor: %w", err)
		}
		start = len(s.orders)
		for i, o := range s.orders {
			if o.ID == c.ID {
				start = i + 1
				break
			}
		}
	}

	size := filter.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	page := domain.Page{}
	for i := start; i < len(s.orders); i++ {
		o := s.orders[i]
		if !matches(o, filter) {
			continue
		}
		if len(page.Orders) == size {
			page.HasMore = true
			break
		}
		page.Orders = append(page.Orders, cloneOrder(o))
	}
	if n := len(page.Orders); n > 0 {
		last := page.Orders[n-1]
		next, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        last.ID,
			CreatedAt: last.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return domain.Page{}, err
		}
		page.NextCursor = next
	}
	page.Cost = s.charge(s.opts.QueryCost)
	return page, nil
}

func (s *Store) ApplyFieldUpdates(ctx context.Context, orderID string, fields []domain.FieldUpdate) (domain.Cost, error) {
	if err := ctx.Err(); err != nil {
		return domain.Cost{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls.FieldUpdates++
	if err := s.mutationErrs[orderID]; err != nil {
		return domain.Cost{}, err
	}
	cost := s.charge(s.opts.MutationCost)
	if s.rejectedOrders[orderID] {
		fe := make([]domain.FieldError, 0, len(fields))
		for _, f := range fields {
			fe = append(fe, domain.FieldError{Field: f.Key, Message: "value is invalid"})
		}
		return cost, &domain.MutationError{OrderID: orderID, Errors: fe}
	}
	if s.find(orderID) < 0 {
		return cost, &domain.MutationError{OrderID: orderID, Errors: []domain.FieldError{{Field: "id", Message: "order not found"}}}
	}
	s.fields[orderID] = append(s.fields[orderID], fields...)
	return cost, nil
}

func (s *Store) ApplyTag(ctx context.Context, orderID, tag string) (domain.Cost, error) {
	if err := ctx.Err(); err != nil {
		return domain.Cost{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls.Tags++
	if err := s.mutationErrs[orderID]; err != nil {
		return domain.Cost{}, err
	}
	cost := s.charge(s.opts.MutationCost)
	i := s.find(orderID)
	if i < 0 {
		return cost, &domain.MutationError{OrderID: orderID, Errors: []domain.FieldError{{Field: "id", Message: "order not found"}}}
	}
	if !s.orders[i].HasTag(tag) {
		s.orders[i].Tags = append(s.orders[i].Tags, tag)
	}
	return cost, nil
}

// Order returns a copy of the stored order.
func (s *Store) Order(id string) (domain.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(id)
	if i < 0 {
		return domain.Order{}, false
	}
	return cloneOrder(s.orders[i]), true
}

// Fields returns the field updates applied to an order.
func (s *Store) Fields(orderID string) []domain.FieldUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.FieldUpdate(nil), s.fields[orderID]...)
}

func (s *Store) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Store) charge(amount float64) domain.Cost {
	cost := domain.Cost{Requested: amount, Actual: amount}
	if s.opts.Budget != nil {
		left := *s.opts.Budget - amount
		if left < 0 {
			left = 0
		}
		*s.opts.Budget = left
		remaining := left
		cost.Remaining = &remaining
	}
	return cost
}

func (s *Store) find(id string) int {
	for i := range s.orders {
		if s.orders[i].ID == id {
			return i
		}
	}
	return -1
}

func matches(o domain.Order, f domain.Filter) bool {
	if !f.Since.IsZero() && !o.CreatedAt.After(f.Since) {
		return false
	}
	if dest := strings.TrimSpace(f.Destination); dest != "" && !strings.EqualFold(dest, strings.TrimSpace(o.Destination)) {
		return false
	}
	return true
}

func cloneOrder(o domain.Order) domain.Order {
	o.Tags = append([]string(nil), o.Tags...)
	o.LineItems = append([]domain.LineItem(nil), o.LineItems...)
	return o
}
