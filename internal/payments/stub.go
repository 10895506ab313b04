package payments

import (
	"context"
	"fmt"
	"sync"
)

// Operation names used by the stub's failure script and call counters.
const (
	OpCreateCustomer = "create_customer"
	OpAttachMethod   = "attach_payment_method"
	OpAuthorize      = "authorize"
	OpCapture        = "capture"
	OpRefund         = "refund"
)

// StubProcessor is an in-memory ProcessorAPI used by tests and RUN_LOCAL
// mode. It honors idempotency tokens (a repeated token replays the stored
// result instead of creating a new side effect) and can be scripted to fail.
type StubProcessor struct {
	mu       sync.Mutex
	seq      int
	failures map[string][]error
	results  map[string]any // idempotency key -> stored result
	counts   map[string]int
}

// NewStubProcessor returns an empty stub.
func NewStubProcessor() *StubProcessor {
	return &StubProcessor{
		failures: map[string][]error{},
		results:  map[string]any{},
		counts:   map[string]int{},
	}
}

// FailNext queues errors to be returned by the next calls to op, in order.
func (s *StubProcessor) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// Calls reports how many times op reached the stub (replays included).
func (s *StubProcessor) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

// SideEffects reports how many distinct side effects were created for op,
// i.e. calls that were not idempotent replays.
func (s *StubProcessor) SideEffects(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for key := range s.results {
		if len(key) > len(op)+1 && key[:len(op)+1] == op+"|" {
			count++
		}
	}
	return count
}

func stubKey(op, token string) string { return op + "|" + token }

func (s *StubProcessor) begin(op, token string) (any, error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[op]++
	if q := s.failures[op]; len(q) > 0 {
		err := q[0]
		s.failures[op] = q[1:]
		return nil, err, true
	}
	if res, ok := s.results[stubKey(op, token)]; ok {
		return res, nil, true
	}
	return nil, nil, false
}

func (s *StubProcessor) commit(op, token string, res any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[stubKey(op, token)] = res
}

func (s *StubProcessor) nextID(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("%s_%06d", prefix, s.seq)
}

func (s *StubProcessor) CreateCustomer(_ context.Context, in CreateCustomerInput) (*Customer, error) {
	if res, err, done := s.begin(OpCreateCustomer, in.IdempotencyKey); done {
		if err != nil {
			return nil, err
		}
		return res.(*Customer), nil
	}
	c := &Customer{ID: s.nextID("cus")}
	s.commit(OpCreateCustomer, in.IdempotencyKey, c)
	return c, nil
}

func (s *StubProcessor) AttachPaymentMethod(_ context.Context, in AttachPaymentMethodInput) (*PaymentMethod, error) {
	if res, err, done := s.begin(OpAttachMethod, in.IdempotencyKey); done {
		if err != nil {
			return nil, err
		}
		return res.(*PaymentMethod), nil
	}
	pm := &PaymentMethod{Token: in.MethodToken, CustomerID: in.CustomerID}
	s.commit(OpAttachMethod, in.IdempotencyKey, pm)
	return pm, nil
}

func (s *StubProcessor) Authorize(_ context.Context, in AuthorizeInput) (*Authorization, error) {
	if res, err, done := s.begin(OpAuthorize, in.IdempotencyKey); done {
		if err != nil {
			return nil, err
		}
		return res.(*Authorization), nil
	}
	a := &Authorization{ID: s.nextID("auth"), AmountMinor: in.AmountMinor}
	s.commit(OpAuthorize, in.IdempotencyKey, a)
	return a, nil
}

func (s *StubProcessor) Capture(_ context.Context, in CaptureInput) (*Charge, error) {
	if res, err, done := s.begin(OpCapture, in.IdempotencyKey); done {
		if err != nil {
			return nil, err
		}
		return res.(*Charge), nil
	}
	ch := &Charge{ID: s.nextID("ch"), AmountMinor: in.AmountMinor}
	s.commit(OpCapture, in.IdempotencyKey, ch)
	return ch, nil
}

func (s *StubProcessor) Refund(_ context.Context, in RefundInput) (*Refund, error) {
	if res, err, done := s.begin(OpRefund, in.IdempotencyKey); done {
		if err != nil {
			return nil, err
		}
		return res.(*Refund), nil
	}
	r := &Refund{ID: s.nextID("re")}
	s.commit(OpRefund, in.IdempotencyKey, r)
	return r, nil
}
