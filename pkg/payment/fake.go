package payment

import (
	"context"
	"fmt"
	"sync"
)

// FakeGateway records checkouts and answers status checks from a table.
type FakeGateway struct {
	mu        sync.Mutex
	statuses  map[string]string
	checkouts []CheckoutRequest
	CheckErr  error
}

var _ Gateway = (*FakeGateway)(nil)

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{statuses: make(map[string]string)}
}

// SetStatus sets the provider transaction status reported for orderID.
func (f *FakeGateway) SetStatus(orderID, transactionStatus string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[orderID] = transactionStatus
}

func (f *FakeGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, req)
	if _, ok := f.statuses[req.OrderID]; !ok {
		f.statuses[req.OrderID] = "pending"
	}
	return &Checkout{
		OrderID:     req.OrderID,
		Token:       "snap-" + req.OrderID,
		RedirectURL: fmt.Sprintf("https://pay.example/%s", req.OrderID),
	}, nil
}

func (f *FakeGateway) CheckTransaction(ctx context.Context, orderID string) (*TransactionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CheckErr != nil {
		return nil, f.CheckErr
	}
	st, ok := f.statuses[orderID]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", orderID)
	}
	return &TransactionStatus{OrderID: orderID, TransactionStatus: st, StatusCode: "200", Outcome: Classify(st, "accept")}, nil
}

// Checkouts returns the checkout requests seen so far.
func (f *FakeGateway) Checkouts() []CheckoutRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CheckoutRequest(nil), f.checkouts...)
}
