package payment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		status, fraud string
		want          Outcome
	}{
		{"capture", "accept", OutcomeSettled},
		{"capture", "challenge", OutcomePending},
		{"settlement", "", OutcomeSettled},
		{"pending", "", OutcomePending},
		{"deny", "", OutcomeFailed},
		{"cancel", "", OutcomeFailed},
		{"expire", "", OutcomeFailed},
		{"refund", "", OutcomeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.status+"/"+tt.fraud, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.status, tt.fraud))
		})
	}
}

func TestVerifySignature(t *testing.T) {
	sig := Signature("order-1", "200", "99000.00", "secret")
	assert.Len(t, sig, 128)
	assert.True(t, VerifySignature("order-1", "200", "99000.00", "secret", sig))
	assert.False(t, VerifySignature("order-1", "200", "99000.00", "other", sig))
	assert.False(t, VerifySignature("order-2", "200", "99000.00", "secret", sig))
	assert.False(t, VerifySignature("order-1", "200", "99000.00", "", sig))
	assert.False(t, VerifySignature("order-1", "200", "99000.00", "secret", ""))
}

func TestMidtransGatewayRequiresServerKey(t *testing.T) {
	g := NewMidtransGateway(MidtransConfig{}, nil)
	_, err := g.CreateCheckout(context.Background(), CheckoutRequest{OrderID: "o"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = g.CheckTransaction(context.Background(), "o")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestFakeGateway(t *testing.T) {
	g := NewFakeGateway()
	co, err := g.CreateCheckout(context.Background(), CheckoutRequest{OrderID: "o1", Amount: 99000})
	require.NoError(t, err)
	assert.Equal(t, "snap-o1", co.Token)

	st, err := g.CheckTransaction(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, st.Outcome)

	g.SetStatus("o1", "settlement")
	st, err = g.CheckTransaction(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, st.Outcome)
	assert.Len(t, g.Checkouts(), 1)
}
