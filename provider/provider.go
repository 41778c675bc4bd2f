// Package provider implements the hosting side of the protocol: quoting
// incoming service requests, verifying payment and identity on delivery
// requests, producing deliverables through a Fulfiller, and serving status,
// download and push-update reads.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ivxp-foundation/ivxp"
	"github.com/ivxp-foundation/ivxp/events"
	"github.com/ivxp-foundation/ivxp/identity"
	"github.com/ivxp-foundation/ivxp/logger"
	"github.com/ivxp-foundation/ivxp/metrics"
	"github.com/ivxp-foundation/ivxp/payment"
	"github.com/ivxp-foundation/ivxp/store"
	"github.com/ivxp-foundation/ivxp/stream"
)

// Fulfiller produces the deliverable for a paid order. Implementations run on
// a background goroutine per order; returning an error marks the order
// delivery_failed.
type Fulfiller interface {
	Fulfill(ctx context.Context, order *ivxp.Order) (*ivxp.Deliverable, error)
}

// FulfillerFunc adapts a function to the Fulfiller interface.
type FulfillerFunc func(ctx context.Context, order *ivxp.Order) (*ivxp.Deliverable, error)

func (f FulfillerFunc) Fulfill(ctx context.Context, order *ivxp.Order) (*ivxp.Deliverable, error) {
	return f(ctx, order)
}

// OrderEvent is one push update for a subscribed order. Type is one of the
// stream event kinds.
type OrderEvent struct {
	Type string
	Data interface{}
}

// Default commercial terms attached to quotes.
var defaultTerms = ivxp.QuoteTerms{
	PaymentTimeoutSeconds: 3600,
	RevisionPolicy:        "1 revision included",
	RefundPolicy:          "full refund if not delivered within 24 hours",
}

const transitionRetries = 3

// Provider is the hosting-side protocol engine.
type Provider struct {
	agent      ivxp.AgentInfo
	network    ivxp.Network
	catalog    []ivxp.CatalogEntry
	orders     store.Store
	payments   payment.Service
	fulfiller  Fulfiller
	emitter    *events.Emitter
	httpClient *http.Client
	terms      ivxp.QuoteTerms
	log        logger.Logger
	metrics    metrics.Recorder
	now        func() time.Time

	wg sync.WaitGroup
}

// Option configures a Provider.
type Option func(*Provider)

// WithTerms overrides the commercial terms attached to quotes.
func WithTerms(terms ivxp.QuoteTerms) Option {
	return func(p *Provider) {
		if terms.PaymentTimeoutSeconds > 0 {
			p.terms.PaymentTimeoutSeconds = terms.PaymentTimeoutSeconds
		}
		if terms.RevisionPolicy != "" {
			p.terms.RevisionPolicy = terms.RevisionPolicy
		}
		if terms.RefundPolicy != "" {
			p.terms.RefundPolicy = terms.RefundPolicy
		}
	}
}

// WithHTTPClient overrides the HTTP client used for push delivery.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		if hc != nil {
			p.httpClient = hc
		}
	}
}

// WithLogger sets the provider's log sink.
func WithLogger(log logger.Logger) Option {
	return func(p *Provider) {
		if log != nil {
			p.log = log
		}
	}
}

// WithMetrics sets the provider's metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(p *Provider) {
		if rec != nil {
			p.metrics = rec
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// New creates a provider engine.
//
// agent.WalletAddress is the payment address quoted to clients. Every catalog
// entry must carry a type, a base price and a positive delivery estimate.
func New(agent ivxp.AgentInfo, network ivxp.Network, catalog []ivxp.CatalogEntry, orders store.Store, payments payment.Service, fulfiller Fulfiller, opts ...Option) (*Provider, error) {
	if agent.WalletAddress == "" {
		return nil, fmt.Errorf("provider agent needs a wallet address")
	}
	if !network.Supported() {
		return nil, ivxp.NewProtocolError(ivxp.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("network %q is not supported", network), nil)
	}
	if orders == nil || payments == nil || fulfiller == nil {
		return nil, fmt.Errorf("provider needs an order store, a payment service and a fulfiller")
	}
	if len(catalog) == 0 {
		return nil, fmt.Errorf("provider needs at least one catalog entry")
	}

	validate := validator.New()
	for i, entry := range catalog {
		if err := validate.Struct(entry); err != nil {
			return nil, fmt.Errorf("invalid catalog entry %d (%s): %w", i, entry.Type, err)
		}
		if _, err := decimal.NewFromString(entry.BasePriceUSDC); err != nil {
			return nil, fmt.Errorf("invalid catalog entry %d (%s): bad base price %q", i, entry.Type, entry.BasePriceUSDC)
		}
	}

	p := &Provider{
		agent:      agent,
		network:    network,
		catalog:    catalog,
		orders:     orders,
		payments:   payments,
		fulfiller:  fulfiller,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		terms:      defaultTerms,
		log:        logger.Noop{},
		metrics:    metrics.NoopRecorder{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.emitter = events.New(events.WithLogger(p.log))
	return p, nil
}

// Catalog returns the advertised service list.
func (p *Provider) Catalog() ivxp.Catalog {
	services := make([]ivxp.CatalogEntry, len(p.catalog))
	copy(services, p.catalog)
	return ivxp.Catalog{
		Protocol: ivxp.ProtocolVersion,
		Provider: p.agent,
		Services: services,
	}
}

func (p *Provider) catalogEntry(serviceType string) (ivxp.CatalogEntry, bool) {
	for _, entry := range p.catalog {
		if entry.Type == serviceType {
			return entry, true
		}
	}
	return ivxp.CatalogEntry{}, false
}

// HandleServiceRequest prices a request against the catalog and creates a
// quoted order.
func (p *Provider) HandleServiceRequest(ctx context.Context, req ivxp.ServiceRequest) (*ivxp.ServiceQuote, error) {
	entry, ok := p.catalogEntry(req.ServiceType)
	if !ok {
		return nil, ivxp.NewProtocolError(ivxp.ErrCodeUnsupportedService,
			fmt.Sprintf("service type %q is not offered", req.ServiceType), nil)
	}

	price, err := decimal.NewFromString(entry.BasePriceUSDC)
	if err != nil {
		return nil, fmt.Errorf("catalog price for %s is corrupt: %w", entry.Type, err)
	}
	budget, err := decimal.NewFromString(req.BudgetUSDC)
	if err != nil {
		return nil, ivxp.NewProtocolError(ivxp.ErrCodeBudgetTooLow,
			fmt.Sprintf("budget %q is not a decimal amount", req.BudgetUSDC), nil)
	}
	if budget.LessThan(price) {
		return nil, ivxp.NewProtocolError(ivxp.ErrCodeBudgetTooLow,
			fmt.Sprintf("budget %s below price %s for %s", budget, price, entry.Type),
			map[string]interface{}{"budget": budget.String(), "price": price.String()})
	}

	now := p.now()
	order := &ivxp.Order{
		OrderID:        ivxp.NewOrderID(),
		Status:         ivxp.StatusQuoted,
		ClientAddress:  req.Client.WalletAddress,
		PaymentAddress: p.agent.WalletAddress,
		ServiceType:    entry.Type,
		Description:    req.Description,
		PriceUSDC:      price.String(),
		Network:        p.network,
		QuoteExpiresAt: now.Add(time.Duration(p.terms.PaymentTimeoutSeconds) * time.Second),
	}
	created, err := p.orders.Create(ctx, order)
	if err != nil {
		return nil, err
	}

	p.log.Info("quote issued",
		"orderId", created.OrderID, "serviceType", entry.Type, "priceUsdc", price.String(), "client", req.Client.Name)
	p.metrics.IncCounter(metrics.EventQuoteIssued,
		map[string]string{"service": entry.Type, "network": p.network.String()})

	return &ivxp.ServiceQuote{
		OrderID:           created.OrderID,
		PriceUSDC:         created.PriceUSDC,
		PaymentAddress:    created.PaymentAddress,
		Network:           created.Network,
		TokenContract:     created.Network.USDCContract(),
		EstimatedDelivery: now.Add(time.Duration(entry.DeliveryHours) * time.Hour),
		ExpiresAt:         created.QuoteExpiresAt,
		Provider:          p.agent,
		Terms:             p.terms,
	}, nil
}

// HandleDeliveryRequest verifies the client's identity signature and on-chain
// payment, marks the order paid, and starts fulfillment in the background.
func (p *Provider) HandleDeliveryRequest(ctx context.Context, req ivxp.DeliveryRequest) (*ivxp.DeliveryAck, error) {
	order, err := p.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != ivxp.StatusQuoted {
		return nil, ivxp.NewProtocolError(ivxp.ErrCodeInvalidOrderState,
			fmt.Sprintf("order %s is %s, expected quoted", order.OrderID, order.Status),
			map[string]interface{}{"status": order.Status.String()})
	}
	if !order.QuoteExpiresAt.IsZero() && p.now().After(order.QuoteExpiresAt) {
		return nil, ivxp.NewProtocolError(ivxp.ErrCodeQuoteExpired,
			fmt.Sprintf("quote for order %s expired at %s", order.OrderID, order.QuoteExpiresAt.Format(time.RFC3339)), nil)
	}
	if req.PaymentProof.Network != order.Network {
		return nil, ivxp.NewProtocolError(ivxp.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("payment on %q, order quoted on %q", req.PaymentProof.Network, order.Network), nil)
	}

	verified := identity.VerifyOrderMessage(req.SignedEnvelope.Message, req.SignedEnvelope.Signature, req.SignedEnvelope.Signer)
	if !verified.Valid ||
		ivxp.NormalizeOrderID(verified.OrderID) != ivxp.NormalizeOrderID(order.OrderID) ||
		verified.TxHash != req.PaymentProof.TxHash {
		p.log.Warn("delivery request signature rejected", "orderId", order.OrderID, "signer", req.SignedEnvelope.Signer)
		return nil, ivxp.NewProtocolError(ivxp.ErrCodeSignatureInvalid,
			"signature does not bind this order and payment to the claimed signer", nil)
	}

	price, err := decimal.NewFromString(order.PriceUSDC)
	if err != nil {
		return nil, fmt.Errorf("stored price for %s is corrupt: %w", order.OrderID, err)
	}
	paid, err := p.payments.Verify(ctx, req.PaymentProof.TxHash, payment.Expectation{
		From:   req.SignedEnvelope.Signer,
		To:     order.PaymentAddress,
		Amount: price,
	})
	if err != nil {
		return nil, err
	}
	if !paid {
		p.metrics.IncCounter(metrics.EventPaymentRejected,
			map[string]string{"service": order.ServiceType, "network": order.Network.String()})
		return nil, ivxp.NewProtocolError(ivxp.ErrCodePaymentRejected,
			fmt.Sprintf("transaction %s does not pay %s from the signer", req.PaymentProof.TxHash, order.PaymentAddress), nil)
	}

	status := ivxp.StatusPaid
	proof := req.PaymentProof
	proof.FromAddress = req.SignedEnvelope.Signer
	clientAddr := req.SignedEnvelope.Signer
	updated, err := p.orders.Update(ctx, order.OrderID, store.Fields{
		Status:           &status,
		PaymentProof:     &proof,
		ClientAddress:    &clientAddr,
		DeliveryEndpoint: &req.DeliveryEndpoint,
	}, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.log.Info("payment verified", "orderId", order.OrderID, "txHash", proof.TxHash)
	p.publish(updated.OrderID, stream.EventStatusUpdate, map[string]interface{}{"status": updated.Status.String()})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.fulfill(context.WithoutCancel(ctx), updated)
	}()

	return &ivxp.DeliveryAck{
		Status:  "accepted",
		OrderID: updated.OrderID,
		Message: "payment verified, fulfillment started",
	}, nil
}

// fulfill runs the paid -> processing -> delivered/delivery_failed leg. The
// deliverable is persisted before any push attempt, so a failed push still
// leaves it downloadable.
func (p *Provider) fulfill(ctx context.Context, order *ivxp.Order) {
	start := p.now()

	current, err := p.transition(ctx, order.OrderID, ivxp.StatusProcessing, store.Fields{})
	if err != nil {
		p.log.Error("failed to mark order processing", "orderId", order.OrderID, "error", err)
		return
	}
	p.publish(order.OrderID, stream.EventStatusUpdate, map[string]interface{}{"status": ivxp.StatusProcessing.String()})

	deliverable, err := p.fulfiller.Fulfill(ctx, current)
	if err != nil {
		p.log.Error("fulfillment failed", "orderId", order.OrderID, "error", err)
		p.fail(ctx, order.OrderID, fmt.Sprintf("fulfillment failed: %v", err))
		return
	}

	hash := ivxp.ContentHash(deliverable.Content)
	stored, err := p.transition(ctx, order.OrderID, "", store.Fields{
		Deliverable: deliverable,
		ContentHash: &hash,
	})
	if err != nil {
		p.log.Error("failed to persist deliverable", "orderId", order.OrderID, "error", err)
		p.fail(ctx, order.OrderID, "failed to persist deliverable")
		return
	}

	if stored.DeliveryEndpoint == "" || !p.pushDelivery(ctx, stored) {
		// Store and forward: the deliverable stays downloadable.
		p.fail(ctx, order.OrderID, "push delivery unavailable, deliverable ready for download")
		return
	}

	if _, err := p.transition(ctx, order.OrderID, ivxp.StatusDelivered, store.Fields{}); err != nil {
		p.log.Error("failed to mark order delivered", "orderId", order.OrderID, "error", err)
		return
	}
	p.log.Info("order delivered", "orderId", order.OrderID)
	p.metrics.IncCounter(metrics.EventDeliveryCompleted,
		map[string]string{"service": order.ServiceType, "network": order.Network.String()})
	p.metrics.ObserveLatency("fulfillment", p.now().Sub(start),
		map[string]string{"network": order.Network.String()})
	p.publish(order.OrderID, stream.EventCompleted, map[string]interface{}{
		"status":      ivxp.StatusDelivered.String(),
		"contentHash": hash,
	})
}

// fail moves an order to delivery_failed and notifies subscribers.
func (p *Provider) fail(ctx context.Context, orderID, reason string) {
	if _, err := p.transition(ctx, orderID, ivxp.StatusDeliveryFailed, store.Fields{}); err != nil {
		p.log.Error("failed to mark order delivery_failed", "orderId", orderID, "error", err)
		return
	}
	p.metrics.IncCounter(metrics.EventDeliveryFailed, map[string]string{"network": p.network.String()})
	p.publish(orderID, stream.EventFailed, map[string]interface{}{
		"status": ivxp.StatusDeliveryFailed.String(),
		"reason": reason,
	})
}

// transition applies a conditional update, re-reading and retrying when a
// concurrent writer got there first. An empty status only updates fields.
func (p *Provider) transition(ctx context.Context, orderID string, status ivxp.OrderStatus, fields store.Fields) (*ivxp.Order, error) {
	if status != "" {
		fields.Status = &status
	}
	var lastErr error
	for attempt := 0; attempt < transitionRetries; attempt++ {
		current, err := p.orders.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		updated, err := p.orders.Update(ctx, orderID, fields, &current.UpdatedAt)
		if err == nil {
			return updated, nil
		}
		if !ivxp.IsCode(err, ivxp.ErrCodeOrderConcurrentModification) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// pushDelivery POSTs the delivery envelope to the client's endpoint.
func (p *Provider) pushDelivery(ctx context.Context, order *ivxp.Order) bool {
	envelope := p.envelope(order)
	body, err := json.Marshal(envelope)
	if err != nil {
		p.log.Error("failed to encode delivery envelope", "orderId", order.OrderID, "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, order.DeliveryEndpoint, bytes.NewReader(body))
	if err != nil {
		p.log.Error("failed to build delivery push", "orderId", order.OrderID, "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.log.Warn("delivery push failed", "orderId", order.OrderID, "endpoint", order.DeliveryEndpoint, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.log.Warn("delivery push rejected", "orderId", order.OrderID, "status", resp.StatusCode)
		return false
	}
	return true
}

func (p *Provider) envelope(order *ivxp.Order) *ivxp.DeliveryEnvelope {
	now := p.now()
	return &ivxp.DeliveryEnvelope{
		Protocol:      ivxp.ProtocolVersion,
		MessageType:   ivxp.MessageTypeServiceDelivery,
		OrderID:       order.OrderID,
		Status:        "completed",
		ProviderAgent: p.agent,
		Deliverable:   *order.Deliverable.Clone(),
		ContentHash:   order.ContentHash,
		DeliveredAt:   &now,
	}
}

// OrderStatus returns the status read model for one order.
func (p *Provider) OrderStatus(ctx context.Context, orderID string) (*ivxp.OrderStatusInfo, error) {
	order, err := p.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &ivxp.OrderStatusInfo{
		OrderID:     order.OrderID,
		Status:      order.Status,
		ServiceType: order.ServiceType,
		PriceUSDC:   order.PriceUSDC,
		CreatedAt:   order.CreatedAt,
	}, nil
}

// Download returns the delivery envelope for a completed order. Orders still
// in flight report deliverable_not_ready; the envelope is served even after a
// failed push (store and forward).
func (p *Provider) Download(ctx context.Context, orderID string) (*ivxp.DeliveryEnvelope, error) {
	order, err := p.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case ivxp.StatusDelivered, ivxp.StatusDeliveryFailed, ivxp.StatusConfirmed:
		if order.Deliverable == nil {
			return nil, ivxp.NewProtocolError(ivxp.ErrCodeDeliverableNotReady,
				fmt.Sprintf("order %s has no stored deliverable", order.OrderID),
				map[string]interface{}{"status": order.Status.String()})
		}
		return p.envelope(order), nil
	default:
		return nil, ivxp.NewProtocolError(ivxp.ErrCodeDeliverableNotReady,
			fmt.Sprintf("order %s is %s, deliverable not ready", order.OrderID, order.Status),
			map[string]interface{}{"status": order.Status.String()})
	}
}

// publish fans one event out to the order's subscribers.
func (p *Provider) publish(orderID, eventType string, data interface{}) {
	p.emitter.Emit(ivxp.NormalizeOrderID(orderID), OrderEvent{Type: eventType, Data: data})
}

// SubscribeOrder registers for push updates on one order. Events are dropped
// rather than blocking a slow subscriber. The returned cancel removes the
// subscription; the channel is never closed, so subscribers should stop on a
// terminal event or their own context.
func (p *Provider) SubscribeOrder(orderID string) (<-chan OrderEvent, func()) {
	ch := make(chan OrderEvent, 16)
	key := ivxp.NormalizeOrderID(orderID)

	handler := func(payload interface{}) {
		event, ok := payload.(OrderEvent)
		if !ok {
			return
		}
		select {
		case ch <- event:
		default:
			p.log.Warn("dropping push update for slow subscriber", "orderId", orderID, "type", event.Type)
		}
	}
	p.emitter.On(key, handler)
	return ch, func() { p.emitter.Off(key, handler) }
}

// Wait blocks until all background fulfillments have finished. Intended for
// shutdown and tests.
func (p *Provider) Wait() {
	p.wg.Wait()
}
