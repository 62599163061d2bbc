// Package provider holds the outbound side of a payment or vending rail:
// initiating a debit-backed operation and asking for its status later.
package provider

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusPending = "pending"
)

var ErrTimeout = errors.New("provider did not answer in time")

type Request struct {
	Reference   string
	Category    string
	Amount      decimal.Decimal
	Currency    string
	Destination string // phone number, meter number, bank account...
	Metadata    map[string]string
}

type Response struct {
	Status            string
	ExternalReference string
	Message           string
	// Amount is what the provider says it processed, zero when not echoed.
	Amount decimal.Decimal
	Raw    []byte
}

func (r *Response) IsFinal() bool {
	return r != nil && (r.Status == StatusSuccess || r.Status == StatusFailed)
}

type Client interface {
	Name() string
	Execute(ctx context.Context, req Request) (*Response, error)
	QueryStatus(ctx context.Context, reference string) (*Response, error)
}

// ============================================================================
// Registry
// ============================================================================

type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client)}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

func (r *Registry) Get(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ============================================================================
// StubClient
// ============================================================================

// StubClient is a programmable provider for development and tests.
// A nil func answers success immediately.
type StubClient struct {
	ProviderName string
	ExecuteFunc  func(ctx context.Context, req Request) (*Response, error)
	QueryFunc    func(ctx context.Context, reference string) (*Response, error)
}

func (s *StubClient) Name() string { return s.ProviderName }

func (s *StubClient) Execute(ctx context.Context, req Request) (*Response, error) {
	if s.ExecuteFunc != nil {
		return s.ExecuteFunc(ctx, req)
	}
	return &Response{Status: StatusSuccess, ExternalReference: "stub_" + req.Reference, Amount: req.Amount}, nil
}

func (s *StubClient) QueryStatus(ctx context.Context, reference string) (*Response, error) {
	if s.QueryFunc != nil {
		return s.QueryFunc(ctx, reference)
	}
	return &Response{Status: StatusPending}, nil
}
