package ivxp

import (
	"time"
)

// OrderStatus is the lifecycle state of an order. The set is closed; no other
// value is ever observable through the store or the engines.
type OrderStatus string

const (
	StatusQuoted         OrderStatus = "quoted"
	StatusPaid           OrderStatus = "paid"
	StatusProcessing     OrderStatus = "processing"
	StatusDelivered      OrderStatus = "delivered"
	StatusDeliveryFailed OrderStatus = "delivery_failed"
	StatusConfirmed      OrderStatus = "confirmed"
)

// transitions is the forward-only transition table. Absent source states are
// terminal.
var transitions = map[OrderStatus][]OrderStatus{
	StatusQuoted:     {StatusPaid},
	StatusPaid:       {StatusProcessing, StatusDeliveryFailed},
	StatusProcessing: {StatusDelivered, StatusDeliveryFailed},
	StatusDelivered:  {StatusConfirmed},
}

// Valid reports whether s is a member of the closed status set.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusQuoted, StatusPaid, StatusProcessing, StatusDelivered, StatusDeliveryFailed, StatusConfirmed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s OrderStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Transitions only move forward through the table, never backward.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

func (s OrderStatus) String() string { return string(s) }

// Network identifies a supported chain. The set is closed: the protocol
// settles on a single fungible token rail per network.
type Network string

const (
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia"
)

// Supported reports whether n is one of the supported networks.
func (n Network) Supported() bool {
	return n == NetworkBase || n == NetworkBaseSepolia
}

func (n Network) String() string { return string(n) }

// USDCContract returns the canonical USDC contract address for n.
func (n Network) USDCContract() string {
	switch n {
	case NetworkBase:
		return "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	case NetworkBaseSepolia:
		return "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	}
	return ""
}

// AgentInfo identifies a participating agent on either side of an order.
type AgentInfo struct {
	Name            string `json:"name"`
	WalletAddress   string `json:"walletAddress"`
	ContactEndpoint string `json:"contactEndpoint,omitempty"`
}

// Order is the central entity tracking one service purchase from quote to
// confirmation. OrderID is immutable once created; UpdatedAt strictly
// increases on every accepted mutation.
type Order struct {
	OrderID          string         `json:"orderId"`
	Status           OrderStatus    `json:"status"`
	ClientAddress    string         `json:"clientAddress,omitempty"`
	PaymentAddress   string         `json:"paymentAddress"`
	ServiceType      string         `json:"serviceType"`
	Description      string         `json:"description,omitempty"`
	PriceUSDC        string         `json:"priceUsdc"`
	Network          Network        `json:"network"`
	QuoteExpiresAt   time.Time      `json:"quoteExpiresAt,omitempty"`
	PaymentProof     *PaymentProof  `json:"paymentProof,omitempty"`
	DeliveryEndpoint string         `json:"deliveryEndpoint,omitempty"`
	Deliverable      *Deliverable   `json:"deliverable,omitempty"`
	ContentHash      string         `json:"contentHash,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Clone returns an independent deep copy. Store implementations hand out
// clones so callers can never reach the stored record.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	if o.PaymentProof != nil {
		proof := *o.PaymentProof
		cp.PaymentProof = &proof
	}
	if o.Deliverable != nil {
		cp.Deliverable = o.Deliverable.Clone()
	}
	return &cp
}

// QuoteTerms carries the commercial terms attached to a quote.
type QuoteTerms struct {
	PaymentTimeoutSeconds int    `json:"paymentTimeoutSeconds,omitempty"`
	RevisionPolicy        string `json:"revisionPolicy,omitempty"`
	RefundPolicy          string `json:"refundPolicy,omitempty"`
}

// ServiceQuote is an immutable snapshot of price and terms issued in response
// to a service request. It expires at ExpiresAt.
type ServiceQuote struct {
	OrderID           string     `json:"orderId"`
	PriceUSDC         string     `json:"priceUsdc"`
	PaymentAddress    string     `json:"paymentAddress"`
	Network           Network    `json:"network"`
	TokenContract     string     `json:"tokenContract,omitempty"`
	EstimatedDelivery time.Time  `json:"estimatedDelivery"`
	ExpiresAt         time.Time  `json:"expiry"`
	Provider          AgentInfo  `json:"providerAgent"`
	Terms             QuoteTerms `json:"terms"`
}

// PaymentProof is the client-submitted evidence of an on-chain payment.
type PaymentProof struct {
	TxHash      string  `json:"txHash"`
	Network     Network `json:"network"`
	FromAddress string  `json:"fromAddress,omitempty"`
}

// SignedEnvelope is a canonical message plus its signature and the claimed
// signer address. It is embedded in delivery and confirmation requests, never
// persisted on its own.
type SignedEnvelope struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
}

// Deliverable is the produced artifact returned to the client after payment.
type Deliverable struct {
	Type    string                 `json:"type"`
	Format  string                 `json:"format"`
	Content map[string]interface{} `json:"content"`
}

// Clone returns a deep copy of the deliverable.
func (d *Deliverable) Clone() *Deliverable {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Content != nil {
		cp.Content = make(map[string]interface{}, len(d.Content))
		for k, v := range d.Content {
			cp.Content[k] = v
		}
	}
	return &cp
}

// ServiceRequest is the client's opening message: a service selector, a
// free-text description and a budget ceiling.
type ServiceRequest struct {
	ServiceType    string    `json:"serviceType"`
	Description    string    `json:"description"`
	BudgetUSDC     string    `json:"budgetUsdc"`
	DeliveryFormat string    `json:"deliveryFormat,omitempty"`
	Client         AgentInfo `json:"clientAgent"`
}

// DeliveryRequest asks the provider to verify payment and begin fulfillment.
type DeliveryRequest struct {
	OrderID          string         `json:"orderId"`
	PaymentProof     PaymentProof   `json:"paymentProof"`
	SignedEnvelope   SignedEnvelope `json:"signedEnvelope"`
	DeliveryEndpoint string         `json:"deliveryEndpoint,omitempty"`
}

// DeliveryAck is the provider's acceptance of a delivery request.
type DeliveryAck struct {
	Status  string `json:"status"`
	OrderID string `json:"orderId"`
	Message string `json:"message"`
}

// OrderStatusInfo is the read model returned by the status operation.
type OrderStatusInfo struct {
	OrderID     string      `json:"orderId"`
	Status      OrderStatus `json:"status"`
	ServiceType string      `json:"serviceType"`
	PriceUSDC   string      `json:"priceUsdc"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// DeliveryEnvelope is the full delivery payload, served to polling clients and
// pushed to delivery endpoints. Status is always "completed": the deliverable
// exists even when the push leg failed (store and forward).
type DeliveryEnvelope struct {
	Protocol      string      `json:"protocol"`
	MessageType   string      `json:"messageType"`
	OrderID       string      `json:"orderId"`
	Status        string      `json:"status"`
	ProviderAgent AgentInfo   `json:"providerAgent"`
	Deliverable   Deliverable `json:"deliverable"`
	ContentHash   string      `json:"contentHash,omitempty"`
	DeliveredAt   *time.Time  `json:"deliveredAt,omitempty"`
}

// CatalogEntry advertises one service type a provider offers.
type CatalogEntry struct {
	Type          string `json:"type" validate:"required"`
	BasePriceUSDC string `json:"basePriceUsdc" validate:"required"`
	DeliveryHours int    `json:"estimatedDeliveryHours" validate:"gt=0"`
}

// Catalog is the provider's advertised service list.
type Catalog struct {
	Protocol string         `json:"protocol"`
	Provider AgentInfo      `json:"providerAgent"`
	Services []CatalogEntry `json:"services"`
}
