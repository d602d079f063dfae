package trading

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrOrderNotFound is returned when an order id resolves to nothing.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidOrderState is returned when an operation is not legal for
	// the order's current status.
	ErrInvalidOrderState = errors.New("invalid order state for operation")
)

// OrderDirection is the side of an order.
type OrderDirection int32

const (
	DirectionUnspecified OrderDirection = iota
	DirectionBuy
	DirectionSell
)

// Sign is +1 for BUY, -1 for SELL.
func (d OrderDirection) Sign() int64 {
	switch d {
	case DirectionBuy:
		return 1
	case DirectionSell:
		return -1
	default:
		return 0
	}
}

func (d OrderDirection) String() string {
	switch d {
	case DirectionBuy:
		return "buy"
	case DirectionSell:
		return "sell"
	default:
		return "unspecified"
	}
}

// OrderType distinguishes limit and market orders.
type OrderType int32

const (
	OrderTypeUnspecified OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
	OrderTypeBestPrice
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "limit"
	case OrderTypeMarket:
		return "market"
	case OrderTypeBestPrice:
		return "bestprice"
	default:
		return "unspecified"
	}
}

// OrderStatus is the execution report status of an order.
type OrderStatus int32

const (
	StatusUnspecified OrderStatus = iota
	StatusFill
	StatusRejected
	StatusCancelled
	StatusNew
	StatusPartialFill
)

func (s OrderStatus) String() string {
	switch s {
	case StatusFill:
		return "fill"
	case StatusRejected:
		return "rejected"
	case StatusCancelled:
		return "cancelled"
	case StatusNew:
		return "new"
	case StatusPartialFill:
		return "partial_fill"
	default:
		return "unspecified"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFill, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// Order is one resting or executed order. Orders are never deleted; they
// stay in the transaction log for audit.
type Order struct {
	ID            uuid.UUID
	InstrumentUID uuid.UUID
	Price         decimal.Decimal
	Quantity      int64
	Direction     OrderDirection
	Type          OrderType
	Status        OrderStatus
	PostedAt      time.Time

	ExecutedPrice decimal.Decimal
	LotsExecuted  int64
	Commission    decimal.Decimal
	TotalAmount   decimal.Decimal
}

// SessionPhase is the per-instrument-class trading session state.
type SessionPhase int32

const (
	SessionClosed SessionPhase = iota
	SessionPremarket
	SessionMain
	SessionAfterhours
)

func (p SessionPhase) String() string {
	switch p {
	case SessionPremarket:
		return "premarket"
	case SessionMain:
		return "main"
	case SessionAfterhours:
		return "afterhours"
	default:
		return "closed"
	}
}

// AuctionPhase is the auction state within a session.
type AuctionPhase int32

const (
	AuctionClosed AuctionPhase = iota
	AuctionOpening
	AuctionClosing
	AuctionTwoSided
)

func (p AuctionPhase) String() string {
	switch p {
	case AuctionOpening:
		return "opening"
	case AuctionClosing:
		return "closing"
	case AuctionTwoSided:
		return "two_sided"
	default:
		return "closed"
	}
}
