package service

import (
	"context"
	"sync"
	"time"

	"github.com/mmeshcher/ararat-backend/internal/model"
	"github.com/mmeshcher/ararat-backend/internal/repository"
)

// memStore хранит записи в памяти и выполняет условную запись первого сканирования под мьютексом.
type memStore struct {
	mu       sync.Mutex
	payments map[string]model.Payment
	orders   map[string]model.Order
	tokens   map[string][]string

	writes      []string
	scanCount   int
	getErr      error
	scanErr     error
	completeErr error
	deleteErrs  map[string]error
	tokensErr   error
}

func newMemStore() *memStore {
	return &memStore{
		payments:   make(map[string]model.Payment),
		orders:     make(map[string]model.Order),
		tokens:     make(map[string][]string),
		deleteErrs: make(map[string]error),
	}
}

func (s *memStore) addPayment(p model.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p
}

func (s *memStore) addOrder(o model.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
}

func (s *memStore) payment(id string) model.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payments[id]
}

func (s *memStore) order(id string) model.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

func (s *memStore) writeLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func (s *memStore) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return nil, s.getErr
	}
	p, ok := s.payments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *memStore) MarkPaymentScanned(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanErr != nil {
		return false, s.scanErr
	}
	p, ok := s.payments[id]
	if !ok || p.IsScanned || p.Status == model.PaymentStatusCompleted {
		return false, nil
	}

	now := time.Now()
	p.IsScanned = true
	p.Status = model.PaymentStatusProcessing
	p.ScanTime = &now
	p.UpdatedAt = now
	s.payments[id] = p
	s.scanCount++
	s.writes = append(s.writes, "scan:"+id)

	return true, nil
}

func (s *memStore) CompletePayment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completeErr != nil {
		return s.completeErr
	}
	p, ok := s.payments[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = model.PaymentStatusCompleted
	p.UpdatedAt = time.Now()
	s.payments[id] = p
	s.writes = append(s.writes, "complete:"+id)

	return nil
}

func (s *memStore) MarkOrderPaid(ctx context.Context, orderID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return repository.ErrNotFound
	}
	o.Status = status
	o.PaymentStatus = model.PaymentStatusCompleted
	o.UpdatedAt = time.Now()
	s.orders[orderID] = o
	s.writes = append(s.writes, "order:"+orderID)

	return nil
}

func (s *memStore) GetUserTokens(ctx context.Context, userID string) ([]model.DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tokensErr != nil {
		return nil, s.tokensErr
	}
	var res []model.DeviceToken
	for _, t := range s.tokens[userID] {
		res = append(res, model.DeviceToken{UserID: userID, Token: t})
	}
	return res, nil
}

func (s *memStore) DeleteUserToken(ctx context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.deleteErrs[token]; err != nil {
		return err
	}
	list := s.tokens[userID]
	for i, t := range list {
		if t == token {
			s.tokens[userID] = append(list[:i:i], list[i+1:]...)
			s.writes = append(s.writes, "delete:"+token)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *memStore) userTokens(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens[userID]...)
}

type multicastCall struct {
	tokens []string
	msg    model.PushMessage
}

// stubPush возвращает заранее заданные причины отказа по токенам.
type stubPush struct {
	mu       sync.Mutex
	calls    []multicastCall
	failures map[string]string
	codes    map[string]string
	err      error
	block    bool
}

func (p *stubPush) SendMulticast(ctx context.Context, tokens []string, msg model.PushMessage) ([]model.SendResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, multicastCall{tokens: append([]string(nil), tokens...), msg: msg})
	p.mu.Unlock()

	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}

	results := make([]model.SendResult, 0, len(tokens))
	for _, t := range tokens {
		reason, failed := p.failures[t]
		results = append(results, model.SendResult{Token: t, Success: !failed, Reason: reason, Code: p.codes[t]})
	}
	return results, nil
}

func (p *stubPush) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
