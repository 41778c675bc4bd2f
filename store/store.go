// Package store persists order records behind a single contract that holds
// identically for process-local and file-backed implementations: validated
// creation, independent copies on every read, and optimistic-locking updates
// keyed on the record's UpdatedAt.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ivxp-foundation/ivxp"
)

// Store is the order persistence contract consumed by both engine roles.
//
// Update with a nil expectedUpdatedAt is an unconditional last-writer-wins
// write; with a non-nil value it is a compare-and-swap that fails with
// order_concurrent_modification unless the stored UpdatedAt matches exactly.
// Contention is detected, not prevented: callers that need correctness under
// races read, then conditionally write, and retry on conflict.
type Store interface {
	Create(ctx context.Context, order *ivxp.Order) (*ivxp.Order, error)
	Get(ctx context.Context, orderID string) (*ivxp.Order, error)
	Update(ctx context.Context, orderID string, fields Fields, expectedUpdatedAt *time.Time) (*ivxp.Order, error)
	List(ctx context.Context, filter Filter) ([]*ivxp.Order, error)
	Delete(ctx context.Context, orderID string) error
}

// Fields is a partial order update. Nil members are left untouched.
type Fields struct {
	Status           *ivxp.OrderStatus
	ClientAddress    *string
	PaymentProof     *ivxp.PaymentProof
	DeliveryEndpoint *string
	Deliverable      *ivxp.Deliverable
	ContentHash      *string
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status      ivxp.OrderStatus
	ServiceType string
	Network     ivxp.Network
}

// Matches reports whether the order satisfies every set filter member.
func (f Filter) Matches(o *ivxp.Order) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.ServiceType != "" && o.ServiceType != f.ServiceType {
		return false
	}
	if f.Network != "" && o.Network != f.Network {
		return false
	}
	return true
}

// validateNew checks an order before insertion.
func validateNew(order *ivxp.Order) error {
	if order == nil {
		return ivxp.NewProtocolError(ivxp.ErrCodeInvalidOrderID, "order is nil", nil)
	}
	if !ivxp.ValidOrderID(order.OrderID) {
		return ivxp.NewProtocolError(ivxp.ErrCodeInvalidOrderID,
			fmt.Sprintf("malformed order id %q", order.OrderID), nil)
	}
	if order.Status != "" && !order.Status.Valid() {
		return ivxp.NewProtocolError(ivxp.ErrCodeInvalidOrderState,
			fmt.Sprintf("unknown order status %q", order.Status), nil)
	}
	return nil
}

// applyFields mutates a working copy of the record. A status change is
// checked against the transition table first; on violation the record is
// returned untouched.
func applyFields(o *ivxp.Order, fields Fields) error {
	if fields.Status != nil {
		next := *fields.Status
		if !next.Valid() {
			return ivxp.NewProtocolError(ivxp.ErrCodeInvalidOrderState,
				fmt.Sprintf("unknown order status %q", next), nil)
		}
		if !o.Status.CanTransitionTo(next) {
			return ivxp.NewProtocolError(ivxp.ErrCodeInvalidOrderState,
				fmt.Sprintf("cannot transition order %s from %s to %s", o.OrderID, o.Status, next),
				map[string]interface{}{"from": o.Status.String(), "to": next.String()})
		}
		o.Status = next
	}
	if fields.ClientAddress != nil {
		o.ClientAddress = *fields.ClientAddress
	}
	if fields.PaymentProof != nil {
		proof := *fields.PaymentProof
		o.PaymentProof = &proof
	}
	if fields.DeliveryEndpoint != nil {
		o.DeliveryEndpoint = *fields.DeliveryEndpoint
	}
	if fields.Deliverable != nil {
		o.Deliverable = fields.Deliverable.Clone()
	}
	if fields.ContentHash != nil {
		o.ContentHash = *fields.ContentHash
	}
	return nil
}

// nextStamp returns the new UpdatedAt for an accepted mutation. UpdatedAt
// must strictly increase even when the clock does not.
func nextStamp(now func() time.Time, previous time.Time) time.Time {
	stamp := now()
	if !stamp.After(previous) {
		stamp = previous.Add(time.Nanosecond)
	}
	return stamp
}

func errNotFound(orderID string) error {
	return ivxp.NewProtocolError(ivxp.ErrCodeOrderNotFound,
		fmt.Sprintf("order %s not found", orderID), nil)
}

func errConcurrent(orderID string, expected, actual time.Time) error {
	return ivxp.NewProtocolError(ivxp.ErrCodeOrderConcurrentModification,
		fmt.Sprintf("order %s was modified concurrently", orderID),
		map[string]interface{}{
			"expectedUpdatedAt": expected,
			"actualUpdatedAt":   actual,
		})
}
