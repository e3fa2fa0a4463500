package models

import (
	"fmt"

	"github.com/google/uuid"
)

// RefKind names the two owner variants a sale or payout can belong to.
type RefKind uint8

const (
	RefOrder RefKind = iota + 1
	RefCartOrder
)

func (k RefKind) String() string {
	switch k {
	case RefOrder:
		return "order"
	case RefCartOrder:
		return "cart_order"
	default:
		return "unknown"
	}
}

// Ref is a tagged reference to either an order or a cart order. Sale history
// and payout writes go through a Ref instead of a pair of nullable IDs so the
// either-or invariant holds by construction.
type Ref struct {
	kind RefKind
	id   uuid.UUID
}

// OrderRef returns a reference to a single-listing order.
func OrderRef(id uuid.UUID) Ref { return Ref{kind: RefOrder, id: id} }

// CartOrderRef returns a reference to a cart order.
func CartOrderRef(id uuid.UUID) Ref { return Ref{kind: RefCartOrder, id: id} }

// Kind reports which variant the reference carries.
func (r Ref) Kind() RefKind { return r.kind }

// ID returns the referenced identifier.
func (r Ref) ID() uuid.UUID { return r.id }

// Zero reports whether the reference was never initialised.
func (r Ref) Zero() bool { return r.kind == 0 || r.id == uuid.Nil }

func (r Ref) String() string { return fmt.Sprintf("%s/%s", r.kind, r.id) }

// SaleColumns returns the nullable column pair persisted on sale history rows.
func (r Ref) SaleColumns() (orderID, cartOrderID *uuid.UUID) {
	id := r.id
	switch r.kind {
	case RefOrder:
		return &id, nil
	case RefCartOrder:
		return nil, &id
	default:
		return nil, nil
	}
}
