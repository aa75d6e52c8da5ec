// Package auction implements the per-auction state machine: status
// transitions, player presentation, bidding and sale resolution.
package auction

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/cricket-auctiond/internal/store"
)

// Errors returned by auction operations. Callers add detail by wrapping.
var (
	ErrAuctionNotFound   = errors.New("auction not found")
	ErrPlayerNotFound    = errors.New("player not found in auction pool")
	ErrTeamNotFound      = errors.New("team not found in this auction")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotEnoughTeams    = errors.New("need at least 2 teams to start auction")
	ErrEmptyPool         = errors.New("need at least 1 player in the pool")
	ErrAuctionCompleted  = errors.New("auction is completed")
	ErrSpotlightActive   = errors.New("a player is still being auctioned")
	ErrPlayerUnavailable = errors.New("player is not available")
	ErrNoBids            = errors.New("no bids placed, cannot sell")

	ErrAuctionNotLive    = errors.New("auction is not live")
	ErrNoCurrentPlayer   = errors.New("no player is currently being auctioned")
	ErrNoActivePlayer    = errors.New("no active player auction")
	ErrInsufficientPurse = errors.New("insufficient purse")
	ErrBidTooLow         = errors.New("bid too low")
	ErrAlreadyHighest    = errors.New("you are already the highest bidder")
	ErrInvalidAmount     = errors.New("bid amount must be positive")
	ErrAmountPrecision   = errors.New("amount must have at most 2 decimal places")
)

// BidError is a rejected bid. It wraps the rule that failed.
type BidError struct {
	err error
}

func (e *BidError) Error() string { return e.err.Error() }
func (e *BidError) Unwrap() error { return e.err }

func rejectBid(err error) error { return &BidError{err: err} }

// Kind classifies operation failures for callers that reply to clients.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalidState
	KindInvalidBid
	KindBusy
)

// String returns the wire code for k.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindInvalidBid:
		return "invalid_bid"
	case KindBusy:
		return "busy"
	default:
		return "internal"
	}
}

// KindOf reports how err should be surfaced.
func KindOf(err error) Kind {
	var bidErr *BidError
	switch {
	case err == nil:
		return KindInternal
	case errors.As(err, &bidErr):
		return KindInvalidBid
	case errors.Is(err, store.ErrLockTimeout):
		return KindBusy
	case errors.Is(err, ErrAuctionNotFound),
		errors.Is(err, ErrPlayerNotFound),
		errors.Is(err, ErrTeamNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNotEnoughTeams),
		errors.Is(err, ErrEmptyPool),
		errors.Is(err, ErrAuctionCompleted),
		errors.Is(err, ErrSpotlightActive),
		errors.Is(err, ErrPlayerUnavailable),
		errors.Is(err, ErrNoBids),
		errors.Is(err, ErrNoCurrentPlayer),
		errors.Is(err, ErrNoActivePlayer):
		return KindInvalidState
	default:
		return KindInternal
	}
}

// Presented describes a player placed in the spotlight.
type Presented struct {
	PlayerID   int64
	PlayerName string
	BasePrice  decimal.Decimal
}

// BidResult describes an accepted bid.
type BidResult struct {
	PlayerID    int64
	PlayerName  string
	TeamID      int64
	TeamName    string
	Amount      decimal.Decimal
	NextMinimum decimal.Decimal
}

// SaleResult describes a settled sale.
type SaleResult struct {
	PlayerID   int64
	PlayerName string
	TeamID     int64
	TeamName   string
	SoldFor    decimal.Decimal
}

// UnsoldResult describes a player passed over.
type UnsoldResult struct {
	PlayerID   int64
	PlayerName string
}

// State is a read-only snapshot of one auction.
type State struct {
	AuctionID     int64
	Name          string
	Status        store.AuctionStatus
	CurrentPlayer *PlayerState
	Teams         []TeamState
	Available     int
	Sold          int
	Unsold        int
}

// PlayerState is the spotlight player with its live bid.
type PlayerState struct {
	ID                int64
	Name              string
	BasePrice         decimal.Decimal
	CurrentBid        decimal.NullDecimal
	CurrentBidderID   *int64
	CurrentBidderName string
	MinimumBid        decimal.Decimal
}

// TeamState is one team's purse and roster size.
type TeamState struct {
	ID             int64
	Name           string
	Code           string
	PurseRemaining decimal.Decimal
	PlayersCount   int
}
