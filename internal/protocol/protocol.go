// Package protocol defines the websocket message set. Every message is a
// JSON object with a "type" tag; inbound payloads sit under "data" or, for
// older clients, at the top level of the object.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Inbound message types.
const (
	TypeAuctionStart    = "auction:start"
	TypeAuctionPause    = "auction:pause"
	TypeAuctionResume   = "auction:resume"
	TypeAuctionComplete = "auction:complete"
	TypePlayerPresent   = "player:present"
	TypePlayerSell      = "player:sell"
	TypePlayerUnsold    = "player:unsold"
	TypeBidPlace        = "bid:place"
	TypeStateRequest    = "state:request"
)

// Outbound message types.
const (
	TypeConnected   = "connected"
	TypeStateUpdate = "state:update"
	TypeBidNew      = "bid:new"
	TypePlayerSold  = "player:sold"
	TypeError       = "error"
)

// Inbound is a decoded client message.
type Inbound interface {
	// Type returns the message's type tag.
	Type() string
	// AdminOnly reports whether only auction admins may send it.
	AdminOnly() bool
}

type (
	AuctionStart    struct{}
	AuctionPause    struct{}
	AuctionResume   struct{}
	AuctionComplete struct{}
	PlayerSell      struct{}
	PlayerUnsold    struct{}
	StateRequest    struct{}
)

// PlayerPresent puts a pool player in the spotlight.
type PlayerPresent struct {
	AuctionPlayerID int64 `json:"auction_player_id"`
}

// BidPlace is a bid. A nil TeamID means the sender's own team.
type BidPlace struct {
	TeamID *int64          `json:"team_id"`
	Amount decimal.Decimal `json:"amount"`
}

func (AuctionStart) Type() string    { return TypeAuctionStart }
func (AuctionPause) Type() string    { return TypeAuctionPause }
func (AuctionResume) Type() string   { return TypeAuctionResume }
func (AuctionComplete) Type() string { return TypeAuctionComplete }
func (PlayerPresent) Type() string   { return TypePlayerPresent }
func (PlayerSell) Type() string      { return TypePlayerSell }
func (PlayerUnsold) Type() string    { return TypePlayerUnsold }
func (BidPlace) Type() string        { return TypeBidPlace }
func (StateRequest) Type() string    { return TypeStateRequest }

func (AuctionStart) AdminOnly() bool    { return true }
func (AuctionPause) AdminOnly() bool    { return true }
func (AuctionResume) AdminOnly() bool   { return true }
func (AuctionComplete) AdminOnly() bool { return true }
func (PlayerPresent) AdminOnly() bool   { return true }
func (PlayerSell) AdminOnly() bool      { return true }
func (PlayerUnsold) AdminOnly() bool    { return true }
func (BidPlace) AdminOnly() bool        { return false }
func (StateRequest) AdminOnly() bool    { return false }

var (
	// ErrMalformed is returned for frames that are not a JSON object.
	ErrMalformed = errors.New("invalid JSON")
	// ErrMissingType is returned when the type tag is absent or empty.
	ErrMissingType = errors.New("missing message type")
	// ErrInvalidPayload is wrapped by payload validation failures.
	ErrInvalidPayload = errors.New("invalid payload")
)

// UnknownTypeError is returned for a type tag outside the message set.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type: %s", e.Type)
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses one client frame.
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrMalformed
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	payload := raw
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		payload = env.Data
	}

	switch env.Type {
	case TypeAuctionStart:
		return AuctionStart{}, nil
	case TypeAuctionPause:
		return AuctionPause{}, nil
	case TypeAuctionResume:
		return AuctionResume{}, nil
	case TypeAuctionComplete:
		return AuctionComplete{}, nil
	case TypePlayerSell:
		return PlayerSell{}, nil
	case TypePlayerUnsold:
		return PlayerUnsold{}, nil
	case TypeStateRequest:
		return StateRequest{}, nil
	case TypePlayerPresent:
		var m PlayerPresent
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
		}
		if m.AuctionPlayerID <= 0 {
			return nil, fmt.Errorf("%w: auction_player_id required", ErrInvalidPayload)
		}
		return m, nil
	case TypeBidPlace:
		var p struct {
			TeamID *int64           `json:"team_id"`
			Amount *decimal.Decimal `json:"amount"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
		}
		if p.Amount == nil {
			return nil, fmt.Errorf("%w: amount required", ErrInvalidPayload)
		}
		if p.TeamID != nil && *p.TeamID <= 0 {
			p.TeamID = nil
		}
		return BidPlace{TeamID: p.TeamID, Amount: *p.Amount}, nil
	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}
}
