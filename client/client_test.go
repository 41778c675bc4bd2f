package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivxp-foundation/ivxp"
	"github.com/ivxp-foundation/ivxp/identity"
	"github.com/ivxp-foundation/ivxp/payment"
	"github.com/ivxp-foundation/ivxp/store"
)

type recordingPayments struct {
	txHash string
	err    error
	sentTo string
	amount decimal.Decimal
}

func (r *recordingPayments) Send(_ context.Context, to string, amount decimal.Decimal) (string, error) {
	r.sentTo = to
	r.amount = amount
	return r.txHash, r.err
}

func (r *recordingPayments) Verify(context.Context, string, payment.Expectation) (bool, error) {
	return true, nil
}

func (r *recordingPayments) GetBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (r *recordingPayments) GetTransactionStatus(context.Context, string) (*payment.TxStatus, error) {
	return &payment.TxStatus{Status: payment.TxPending}, nil
}

func newTestClient(t *testing.T, opts ...Option) (*Client, store.Store) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := identity.NewSigner(fmt.Sprintf("%x", crypto.FromECDSA(key)))
	require.NoError(t, err)

	orders := store.NewMemoryStore()
	c, err := New(ivxp.AgentInfo{Name: "client-agent"}, signer, &recordingPayments{txHash: "0xfeed"}, orders, opts...)
	require.NoError(t, err)
	return c, orders
}

func TestNewDefaultsWalletToSignerAddress(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Equal(t, c.signer.Address(), c.agent.WalletAddress)

	_, err := New(ivxp.AgentInfo{}, nil, &recordingPayments{}, store.NewMemoryStore())
	assert.Error(t, err)
}

func TestPayQuoteSendsQuotedAmount(t *testing.T) {
	payments := &recordingPayments{txHash: "0xbeef"}
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := identity.NewSigner(fmt.Sprintf("%x", crypto.FromECDSA(key)))
	require.NoError(t, err)
	c, err := New(ivxp.AgentInfo{Name: "a"}, signer, payments, store.NewMemoryStore())
	require.NoError(t, err)

	quote := &ivxp.ServiceQuote{
		OrderID:        ivxp.NewOrderID(),
		PriceUSDC:      "42.10",
		PaymentAddress: "0x0c0FEB248548e33571584809113891818D4B0805",
	}
	txHash, err := c.PayQuote(context.Background(), quote)
	require.NoError(t, err)
	assert.Equal(t, "0xbeef", txHash)
	assert.Equal(t, quote.PaymentAddress, payments.sentTo)
	assert.True(t, payments.amount.Equal(decimal.RequireFromString("42.10")))

	quote.PriceUSDC = "a lot"
	_, err = c.PayQuote(context.Background(), quote)
	assert.Error(t, err)
}

func TestRequestServiceMirrorsOrder(t *testing.T) {
	orderID := ivxp.NewOrderID()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ivxp/request", r.URL.Path)
		var req ivxp.ServiceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "research", req.ServiceType)
		assert.NotEmpty(t, req.Client.WalletAddress)

		json.NewEncoder(w).Encode(ivxp.ServiceQuote{
			OrderID:        orderID,
			PriceUSDC:      "50",
			PaymentAddress: "0x0c0FEB248548e33571584809113891818D4B0805",
			Network:        ivxp.NetworkBase,
			ExpiresAt:      time.Now().Add(time.Hour),
		})
	}))
	defer srv.Close()

	c, orders := newTestClient(t)
	quote, err := c.RequestService(context.Background(), srv.URL, "research", "survey", "75")
	require.NoError(t, err)
	assert.Equal(t, orderID, quote.OrderID)

	mirrored, err := orders.Get(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, ivxp.StatusQuoted, mirrored.Status)
	assert.Equal(t, "50", mirrored.PriceUSDC)
	assert.Equal(t, ivxp.NetworkBase, mirrored.Network)
}

func TestDownloadRejectsTamperedContent(t *testing.T) {
	orderID := ivxp.NewOrderID()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ivxp.DeliveryEnvelope{
			OrderID: orderID,
			Status:  "completed",
			Deliverable: ivxp.Deliverable{
				Type:    "report",
				Format:  "markdown",
				Content: map[string]interface{}{"summary": "tampered"},
			},
			ContentHash: ivxp.ContentHash(map[string]interface{}{"summary": "genuine"}),
		})
	}))
	defer srv.Close()

	c, _ := newTestClient(t)
	_, err := c.Download(context.Background(), srv.URL, orderID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content hash mismatch")
}

func TestDownloadSurfacesPendingResponse(t *testing.T) {
	orderID := ivxp.NewOrderID()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(ivxp.NewProtocolError(ivxp.ErrCodeDeliverableNotReady,
			"order is processing, deliverable not ready", nil))
	}))
	defer srv.Close()

	c, _ := newTestClient(t)
	envelope, err := c.Download(context.Background(), srv.URL, orderID)
	assert.Nil(t, envelope, "a pending response must never decode into an envelope")
	assert.True(t, ivxp.IsCode(err, ivxp.ErrCodeDeliverableNotReady))
}

func TestConfirmDelivery(t *testing.T) {
	c, orders := newTestClient(t)
	ctx := context.Background()

	content := map[string]interface{}{"summary": "done"}
	order := &ivxp.Order{
		OrderID:        ivxp.NewOrderID(),
		Status:         ivxp.StatusQuoted,
		PaymentAddress: "0x0c0FEB248548e33571584809113891818D4B0805",
		Network:        ivxp.NetworkBase,
		PriceUSDC:      "50",
	}
	_, err := orders.Create(ctx, order)
	require.NoError(t, err)

	// Not yet delivered.
	err = c.ConfirmDelivery(ctx, order.OrderID)
	assert.True(t, ivxp.IsCode(err, ivxp.ErrCodeDeliverableNotReady))

	// Walk to delivered with the deliverable attached.
	hash := ivxp.ContentHash(content)
	deliverable := &ivxp.Deliverable{Type: "report", Format: "markdown", Content: content}
	for _, status := range []ivxp.OrderStatus{ivxp.StatusPaid, ivxp.StatusProcessing, ivxp.StatusDelivered} {
		s := status
		_, err = orders.Update(ctx, order.OrderID, store.Fields{Status: &s, Deliverable: deliverable, ContentHash: &hash}, nil)
		require.NoError(t, err)
	}

	require.NoError(t, c.ConfirmDelivery(ctx, order.OrderID))

	confirmed, err := orders.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, ivxp.StatusConfirmed, confirmed.Status)

	// Confirming twice fails: confirmed is terminal.
	err = c.ConfirmDelivery(ctx, order.OrderID)
	assert.True(t, ivxp.IsCode(err, ivxp.ErrCodeInvalidOrderState))
}

func TestConfirmDeliveryRejectsCorruptedMirror(t *testing.T) {
	c, orders := newTestClient(t)
	ctx := context.Background()

	hash := ivxp.ContentHash(map[string]interface{}{"summary": "original"})
	order := &ivxp.Order{
		OrderID:        ivxp.NewOrderID(),
		Status:         ivxp.StatusQuoted,
		PaymentAddress: "0x0c0FEB248548e33571584809113891818D4B0805",
		Network:        ivxp.NetworkBase,
		PriceUSDC:      "50",
	}
	_, err := orders.Create(ctx, order)
	require.NoError(t, err)

	tampered := &ivxp.Deliverable{Type: "report", Format: "markdown",
		Content: map[string]interface{}{"summary": "swapped"}}
	for _, status := range []ivxp.OrderStatus{ivxp.StatusPaid, ivxp.StatusProcessing, ivxp.StatusDelivered} {
		s := status
		_, err = orders.Update(ctx, order.OrderID, store.Fields{Status: &s, Deliverable: tampered, ContentHash: &hash}, nil)
		require.NoError(t, err)
	}

	err = c.ConfirmDelivery(ctx, order.OrderID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content hash mismatch")
}

func TestDoJSONDecodesTypedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(ivxp.NewProtocolError(ivxp.ErrCodeOrderNotFound, "no such order", nil))
	}))
	defer srv.Close()

	c, _ := newTestClient(t)
	_, err := c.OrderStatus(context.Background(), srv.URL, ivxp.NewOrderID())
	assert.True(t, ivxp.IsCode(err, ivxp.ErrCodeOrderNotFound))

	var pe *ivxp.ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "no such order", pe.Message)
}

func TestDoJSONFallsBackToStatusText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot duty", http.StatusTeapot)
	}))
	defer srv.Close()

	c, _ := newTestClient(t)
	_, err := c.OrderStatus(context.Background(), srv.URL, ivxp.NewOrderID())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "418")
	assert.False(t, ivxp.IsCode(err, ivxp.ErrCodeOrderNotFound))
}
