package protocol

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/cricket-auctiond/internal/auction"
)

// Amount is a decimal encoded as a bare JSON number.
type Amount decimal.Decimal

// MarshalJSON implements json.Marshaler.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(a).String()), nil
}

// Decimal returns a as a decimal.
func (a Amount) Decimal() decimal.Decimal { return decimal.Decimal(a) }

func nullAmount(d decimal.NullDecimal) *Amount {
	if !d.Valid {
		return nil
	}
	a := Amount(d.Decimal)
	return &a
}

// Connected acknowledges a new connection.
type Connected struct {
	Type      string `json:"type"`
	AuctionID int64  `json:"auction_id"`
	UserID    int64  `json:"user_id"`
	Role      string `json:"role"`
	TeamID    *int64 `json:"team_id"`
}

// NewConnected builds the connection acknowledgement.
func NewConnected(auctionID, userID int64, role string, teamID *int64) Connected {
	return Connected{Type: TypeConnected, AuctionID: auctionID, UserID: userID, Role: role, TeamID: teamID}
}

// StateUpdate carries a full auction snapshot.
type StateUpdate struct {
	Type string       `json:"type"`
	Data AuctionState `json:"data"`
}

// AuctionState is the wire form of auction.State.
type AuctionState struct {
	AuctionID        int64        `json:"auction_id"`
	Name             string       `json:"name"`
	Status           string       `json:"status"`
	CurrentPlayer    *PlayerState `json:"current_player"`
	Teams            []TeamState  `json:"teams"`
	AvailablePlayers int          `json:"available_players"`
	SoldPlayers      int          `json:"sold_players"`
	UnsoldPlayers    int          `json:"unsold_players"`
}

// PlayerState is the spotlight player.
type PlayerState struct {
	ID                int64   `json:"id"`
	Name              string  `json:"name"`
	BasePrice         Amount  `json:"base_price"`
	CurrentBid        *Amount `json:"current_bid"`
	CurrentBidderID   *int64  `json:"current_bidder_id"`
	CurrentBidderName *string `json:"current_bidder_name"`
	MinimumBid        Amount  `json:"minimum_bid"`
}

// TeamState is one team's purse and roster size.
type TeamState struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Code         string `json:"code"`
	Purse        Amount `json:"purse"`
	PlayersCount int    `json:"players_count"`
}

// NewStateUpdate converts a snapshot to its wire form.
func NewStateUpdate(st *auction.State) StateUpdate {
	out := AuctionState{
		AuctionID:        st.AuctionID,
		Name:             st.Name,
		Status:           string(st.Status),
		Teams:            make([]TeamState, 0, len(st.Teams)),
		AvailablePlayers: st.Available,
		SoldPlayers:      st.Sold,
		UnsoldPlayers:    st.Unsold,
	}
	for _, t := range st.Teams {
		out.Teams = append(out.Teams, TeamState{
			ID:           t.ID,
			Name:         t.Name,
			Code:         t.Code,
			Purse:        Amount(t.PurseRemaining),
			PlayersCount: t.PlayersCount,
		})
	}
	if p := st.CurrentPlayer; p != nil {
		ps := &PlayerState{
			ID:              p.ID,
			Name:            p.Name,
			BasePrice:       Amount(p.BasePrice),
			CurrentBid:      nullAmount(p.CurrentBid),
			CurrentBidderID: p.CurrentBidderID,
			MinimumBid:      Amount(p.MinimumBid),
		}
		if p.CurrentBidderID != nil {
			name := p.CurrentBidderName
			ps.CurrentBidderName = &name
		}
		out.CurrentPlayer = ps
	}
	return StateUpdate{Type: TypeStateUpdate, Data: out}
}

// BidNew announces an accepted bid.
type BidNew struct {
	Type        string `json:"type"`
	PlayerID    int64  `json:"player_id"`
	PlayerName  string `json:"player_name"`
	TeamID      int64  `json:"team_id"`
	TeamName    string `json:"team_name"`
	Amount      Amount `json:"amount"`
	NextMinimum Amount `json:"next_minimum"`
}

// NewBidNew builds the announcement for an accepted bid.
func NewBidNew(r *auction.BidResult) BidNew {
	return BidNew{
		Type:        TypeBidNew,
		PlayerID:    r.PlayerID,
		PlayerName:  r.PlayerName,
		TeamID:      r.TeamID,
		TeamName:    r.TeamName,
		Amount:      Amount(r.Amount),
		NextMinimum: Amount(r.NextMinimum),
	}
}

// PlayerSold announces a completed sale.
type PlayerSold struct {
	Type       string `json:"type"`
	PlayerID   int64  `json:"player_id"`
	PlayerName string `json:"player_name"`
	TeamID     int64  `json:"team_id"`
	TeamName   string `json:"team_name"`
	SoldFor    Amount `json:"sold_for"`
}

// NewPlayerSold builds the announcement for a sale.
func NewPlayerSold(r *auction.SaleResult) PlayerSold {
	return PlayerSold{
		Type:       TypePlayerSold,
		PlayerID:   r.PlayerID,
		PlayerName: r.PlayerName,
		TeamID:     r.TeamID,
		TeamName:   r.TeamName,
		SoldFor:    Amount(r.SoldFor),
	}
}

// Error codes carried by error replies.
const (
	CodeForbidden    = "forbidden"
	CodeBadRequest   = "bad_request"
	CodeUnknownType  = "unknown_type"
	CodeNotFound     = "not_found"
	CodeInvalidState = "invalid_state"
	CodeInvalidBid   = "invalid_bid"
	CodeBusy         = "busy"
	CodeInternal     = "internal"
)

// Error is a reply to the sender of a failed message.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// NewError builds an error reply.
func NewError(message, code string) Error {
	return Error{Type: TypeError, Message: message, Code: code}
}

// Encode marshals an outbound message.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
