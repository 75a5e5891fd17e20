package payment

import (
	"context"
	"fmt"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
	"go.uber.org/zap"
)

type MidtransConfig struct {
	ServerKey    string
	IsProduction bool
}

// MidtransGateway uses Snap for checkout and the Core API for status checks.
type MidtransGateway struct {
	cfg    MidtransConfig
	snap   snap.Client
	core   coreapi.Client
	logger *zap.Logger
}

var _ Gateway = (*MidtransGateway)(nil)

func NewMidtransGateway(cfg MidtransConfig, logger *zap.Logger) *MidtransGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	env := midtrans.Sandbox
	if cfg.IsProduction {
		env = midtrans.Production
	}
	g := &MidtransGateway{cfg: cfg, logger: logger}
	g.snap.New(cfg.ServerKey, env)
	g.core.New(cfg.ServerKey, env)
	return g
}

func (g *MidtransGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if g.cfg.ServerKey == "" {
		return nil, ErrNotConfigured
	}
	snapReq := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.OrderID,
			GrossAmt: req.Amount,
		},
		CreditCard: &snap.CreditCardDetails{
			Secure: true,
		},
		CustomerDetail: &midtrans.CustomerDetails{
			FName: req.FirstName,
			Email: req.Email,
		},
		Items: &[]midtrans.ItemDetails{
			{
				ID:    req.ItemID,
				Price: req.Amount,
				Qty:   1,
				Name:  req.ItemName,
			},
		},
		EnabledPayments: snap.AllSnapPaymentType,
	}
	if req.FinishURL != "" {
		snapReq.Callbacks = &snap.Callbacks{Finish: req.FinishURL}
	}

	resp, midErr := g.snap.CreateTransaction(snapReq)
	if midErr != nil {
		g.logger.Error("snap transaction failed", zap.String("order_id", req.OrderID), zap.String("error", midErr.GetMessage()))
		return nil, fmt.Errorf("%w: snap: %s", ErrGateway, midErr.GetMessage())
	}
	return &Checkout{OrderID: req.OrderID, Token: resp.Token, RedirectURL: resp.RedirectURL}, nil
}

func (g *MidtransGateway) CheckTransaction(ctx context.Context, orderID string) (*TransactionStatus, error) {
	if g.cfg.ServerKey == "" {
		return nil, ErrNotConfigured
	}
	resp, midErr := g.core.CheckTransaction(orderID)
	if midErr != nil {
		return nil, fmt.Errorf("%w: status check: %s", ErrGateway, midErr.GetMessage())
	}
	return &TransactionStatus{
		OrderID:           resp.OrderID,
		TransactionStatus: resp.TransactionStatus,
		FraudStatus:       resp.FraudStatus,
		StatusCode:        resp.StatusCode,
		GrossAmount:       resp.GrossAmount,
		Outcome:           Classify(resp.TransactionStatus, resp.FraudStatus),
	}, nil
}
