// Package client implements the requesting side of the protocol: discovering
// services, obtaining quotes, paying on-chain, proving payment and identity,
// and receiving the deliverable by push, stream or polling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ivxp-foundation/ivxp"
	"github.com/ivxp-foundation/ivxp/identity"
	"github.com/ivxp-foundation/ivxp/logger"
	"github.com/ivxp-foundation/ivxp/metrics"
	"github.com/ivxp-foundation/ivxp/payment"
	"github.com/ivxp-foundation/ivxp/store"
	"github.com/ivxp-foundation/ivxp/stream"
)

// DefaultPollInterval paces the polling fallback when streaming is exhausted.
const DefaultPollInterval = 5 * time.Second

// Client is the requesting-side protocol engine. It keeps a local mirror of
// every order it opens so the lifecycle survives restarts when backed by a
// persistent store.
type Client struct {
	agent        ivxp.AgentInfo
	signer       *identity.Signer
	payments     payment.Service
	orders       store.Store
	httpClient   *http.Client
	streamOpts   []stream.Option
	pollInterval time.Duration
	log          logger.Logger
	metrics      metrics.Recorder
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for provider calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithStreamOptions forwards options to the streaming subscriber used by
// AwaitDelivery.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(c *Client) {
		c.streamOpts = append(c.streamOpts, opts...)
	}
}

// WithPollInterval sets the polling fallback cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithLogger sets the client's log sink.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics sets the client's metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(c *Client) {
		if rec != nil {
			c.metrics = rec
		}
	}
}

// New creates a client engine. The signer proves the agent's identity on
// delivery requests; payments funds quotes; orders mirrors lifecycle state
// locally.
func New(agent ivxp.AgentInfo, signer *identity.Signer, payments payment.Service, orders store.Store, opts ...Option) (*Client, error) {
	if signer == nil {
		return nil, fmt.Errorf("client needs an identity signer")
	}
	if payments == nil || orders == nil {
		return nil, fmt.Errorf("client needs a payment service and an order store")
	}
	if agent.WalletAddress == "" {
		agent.WalletAddress = signer.Address()
	}

	c := &Client{
		agent:        agent,
		signer:       signer,
		payments:     payments,
		orders:       orders,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: DefaultPollInterval,
		log:          logger.Noop{},
		metrics:      metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Catalog fetches a provider's advertised service list.
func (c *Client) Catalog(ctx context.Context, providerURL string) (*ivxp.Catalog, error) {
	var catalog ivxp.Catalog
	if err := c.doJSON(ctx, http.MethodGet, providerURL+"/ivxp/catalog", nil, &catalog); err != nil {
		return nil, err
	}
	return &catalog, nil
}

// RequestService asks a provider to quote a service and mirrors the quoted
// order locally.
func (c *Client) RequestService(ctx context.Context, providerURL, serviceType, description, budgetUSDC string) (*ivxp.ServiceQuote, error) {
	req := ivxp.ServiceRequest{
		ServiceType: serviceType,
		Description: description,
		BudgetUSDC:  budgetUSDC,
		Client:      c.agent,
	}

	var quote ivxp.ServiceQuote
	if err := c.doJSON(ctx, http.MethodPost, providerURL+"/ivxp/request", req, &quote); err != nil {
		return nil, err
	}

	_, err := c.orders.Create(ctx, &ivxp.Order{
		OrderID:        quote.OrderID,
		Status:         ivxp.StatusQuoted,
		ClientAddress:  c.agent.WalletAddress,
		PaymentAddress: quote.PaymentAddress,
		ServiceType:    serviceType,
		Description:    description,
		PriceUSDC:      quote.PriceUSDC,
		Network:        quote.Network,
		QuoteExpiresAt: quote.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mirror quoted order: %w", err)
	}

	c.log.Info("quote received", "orderId", quote.OrderID, "priceUsdc", quote.PriceUSDC, "provider", quote.Provider.Name)
	return &quote, nil
}

// PayQuote settles a quote on-chain and returns the transaction hash.
func (c *Client) PayQuote(ctx context.Context, quote *ivxp.ServiceQuote) (string, error) {
	price, err := decimal.NewFromString(quote.PriceUSDC)
	if err != nil {
		return "", fmt.Errorf("quote price %q is not a decimal amount: %w", quote.PriceUSDC, err)
	}
	txHash, err := c.payments.Send(ctx, quote.PaymentAddress, price)
	if err != nil {
		return "", err
	}
	c.log.Info("quote paid", "orderId", quote.OrderID, "txHash", txHash, "amount", price.String())
	return txHash, nil
}

// RequestDelivery proves payment and identity to the provider and, on
// acceptance, marks the local order paid.
func (c *Client) RequestDelivery(ctx context.Context, providerURL, orderID, txHash, deliveryEndpoint string) (*ivxp.DeliveryAck, error) {
	order, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	signed, err := c.signer.SignOrderMessage(orderID, txHash, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to sign delivery request: %w", err)
	}

	req := ivxp.DeliveryRequest{
		OrderID: orderID,
		PaymentProof: ivxp.PaymentProof{
			TxHash:      txHash,
			Network:     order.Network,
			FromAddress: c.signer.Address(),
		},
		SignedEnvelope: ivxp.SignedEnvelope{
			Message:   signed.Message,
			Signature: signed.Signature,
			Signer:    c.signer.Address(),
		},
		DeliveryEndpoint: deliveryEndpoint,
	}

	var ack ivxp.DeliveryAck
	if err := c.doJSON(ctx, http.MethodPost, providerURL+"/ivxp/deliver", req, &ack); err != nil {
		return nil, err
	}

	status := ivxp.StatusPaid
	proof := req.PaymentProof
	if _, err := c.orders.Update(ctx, orderID, store.Fields{Status: &status, PaymentProof: &proof}, nil); err != nil {
		return nil, fmt.Errorf("failed to mirror paid order: %w", err)
	}
	c.log.Info("delivery request accepted", "orderId", orderID)
	return &ack, nil
}

// OrderStatus reads an order's status from the provider.
func (c *Client) OrderStatus(ctx context.Context, providerURL, orderID string) (*ivxp.OrderStatusInfo, error) {
	var info ivxp.OrderStatusInfo
	if err := c.doJSON(ctx, http.MethodGet, providerURL+"/ivxp/status/"+orderID, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Download fetches the delivery envelope, verifies its content hash, and
// mirrors the deliverable locally.
func (c *Client) Download(ctx context.Context, providerURL, orderID string) (*ivxp.DeliveryEnvelope, error) {
	var envelope ivxp.DeliveryEnvelope
	if err := c.doJSON(ctx, http.MethodGet, providerURL+"/ivxp/download/"+orderID, nil, &envelope); err != nil {
		return nil, err
	}

	if envelope.ContentHash != "" {
		if got := ivxp.ContentHash(envelope.Deliverable.Content); got != envelope.ContentHash {
			return nil, fmt.Errorf("deliverable content hash mismatch for %s: got %s, envelope says %s",
				orderID, got, envelope.ContentHash)
		}
	}

	c.mirrorDelivered(ctx, orderID, &envelope)
	return &envelope, nil
}

// mirrorDelivered advances the local order to delivered with the deliverable
// attached. Orders mirrored on another path are left as they are.
func (c *Client) mirrorDelivered(ctx context.Context, orderID string, envelope *ivxp.DeliveryEnvelope) {
	order, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return
	}

	deliverable := envelope.Deliverable.Clone()
	hash := envelope.ContentHash
	fields := store.Fields{Deliverable: deliverable, ContentHash: &hash}

	// Walk forward through the lifecycle to delivered.
	for _, status := range []ivxp.OrderStatus{ivxp.StatusProcessing, ivxp.StatusDelivered} {
		if order.Status.CanTransitionTo(status) {
			s := status
			fields.Status = &s
			updated, err := c.orders.Update(ctx, orderID, fields, nil)
			if err != nil {
				c.log.Warn("failed to mirror delivered order", "orderId", orderID, "error", err)
				return
			}
			order = updated
			fields = store.Fields{}
		}
	}
}

// AwaitDelivery blocks until the order reaches a terminal delivery state,
// preferring the provider's push stream and degrading to polling when the
// stream is exhausted. It returns the downloaded envelope; if fulfillment
// failed with nothing stored, the deliverable_not_ready error surfaces.
func (c *Client) AwaitDelivery(ctx context.Context, providerURL, orderID string) (*ivxp.DeliveryEnvelope, error) {
	terminal := make(chan struct{}, 1)
	exhausted := make(chan struct{}, 1)
	signal := func(ch chan struct{}) {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	streamClient := stream.NewClient(providerURL+"/ivxp/stream/"+orderID, stream.Handlers{
		OnCompleted: func(interface{}) { signal(terminal) },
		OnFailed:    func(interface{}) { signal(terminal) },
		OnExhausted: func(*stream.ExhaustedError) { signal(exhausted) },
	}, c.streamOpts...)

	cancel, err := streamClient.Connect(ctx)
	if err != nil {
		var ee *stream.ExhaustedError
		if !errors.As(err, &ee) {
			return nil, err
		}
		c.log.Warn("stream unavailable, polling instead", "orderId", orderID)
		return c.pollDelivery(ctx, providerURL, orderID)
	}
	defer cancel()

	select {
	case <-terminal:
		return c.Download(ctx, providerURL, orderID)
	case <-exhausted:
		c.log.Warn("stream exhausted, polling instead", "orderId", orderID)
		return c.pollDelivery(ctx, providerURL, orderID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pollDelivery checks the status endpoint until the order leaves the in-flight
// states.
func (c *Client) pollDelivery(ctx context.Context, providerURL, orderID string) (*ivxp.DeliveryEnvelope, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		info, err := c.OrderStatus(ctx, providerURL, orderID)
		if err != nil {
			return nil, err
		}
		switch info.Status {
		case ivxp.StatusDelivered, ivxp.StatusDeliveryFailed, ivxp.StatusConfirmed:
			return c.Download(ctx, providerURL, orderID)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ConfirmDelivery acknowledges a delivered order, completing the lifecycle in
// the local mirror.
func (c *Client) ConfirmDelivery(ctx context.Context, orderID string) error {
	order, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Deliverable == nil {
		return ivxp.NewProtocolError(ivxp.ErrCodeDeliverableNotReady,
			fmt.Sprintf("order %s has no deliverable to confirm", orderID), nil)
	}
	if order.ContentHash != "" && ivxp.ContentHash(order.Deliverable.Content) != order.ContentHash {
		return fmt.Errorf("deliverable content hash mismatch for %s", orderID)
	}

	status := ivxp.StatusConfirmed
	if _, err := c.orders.Update(ctx, orderID, store.Fields{Status: &status}, &order.UpdatedAt); err != nil {
		return err
	}
	c.metrics.IncCounter(metrics.EventOrderConfirmed, map[string]string{"service": order.ServiceType})
	c.log.Info("delivery confirmed", "orderId", orderID)
	return nil
}

// doJSON performs one provider call, decoding typed protocol errors from
// non-2xx responses.
func (c *Client) doJSON(ctx context.Context, method, url string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider call failed: %w", err)
	}
	defer resp.Body.Close()

	// 202 is the provider's "still in flight" answer; its body is a typed
	// pending error, not the requested document.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}

// decodeError maps an error response back to a typed protocol error when the
// body carries one.
func decodeError(resp *http.Response) error {
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err == nil {
		var pe ivxp.ProtocolError
		if json.Unmarshal(payload, &pe) == nil && pe.Code != "" {
			return &pe
		}
	}
	msg := strings.TrimSpace(string(payload))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, msg)
}
