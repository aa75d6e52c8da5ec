// Package event defines the domain events emitted after auction commits.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type identifies an event kind.
type Type string

const (
	AuctionStatusChanged Type = "auction.status_changed"
	PlayerPresented      Type = "player.presented"
	BidPlaced            Type = "bid.placed"
	PlayerSold           Type = "player.sold"
	PlayerUnsold         Type = "player.unsold"
)

// Event represents a single domain event.
type Event struct {
	ID        string          `json:"id"`
	AuctionID int64           `json:"auction_id"`
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// New builds an Event with a fresh ID and data encoded as JSON.
func New(auctionID int64, typ Type, data any, at time.Time) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	return Event{
		ID:        uuid.NewString(),
		AuctionID: auctionID,
		Type:      typ,
		Data:      raw,
		CreatedAt: at,
	}, nil
}

// RoutingKey is the topic under which the event is published.
func (e Event) RoutingKey() string {
	return fmt.Sprintf("auction.%d.%s", e.AuctionID, e.Type)
}

// StatusChangedData is the payload for AuctionStatusChanged events.
type StatusChangedData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// PlayerPresentedData is the payload for PlayerPresented events.
type PlayerPresentedData struct {
	AuctionPlayerID int64           `json:"auction_player_id"`
	PlayerName      string          `json:"player_name"`
	BasePrice       decimal.Decimal `json:"base_price"`
}

// BidPlacedData is the payload for BidPlaced events.
type BidPlacedData struct {
	AuctionPlayerID int64           `json:"auction_player_id"`
	TeamID          int64           `json:"team_id"`
	Amount          decimal.Decimal `json:"amount"`
}

// PlayerSoldData is the payload for PlayerSold events.
type PlayerSoldData struct {
	AuctionPlayerID int64           `json:"auction_player_id"`
	TeamID          int64           `json:"team_id"`
	Amount          decimal.Decimal `json:"amount"`
}

// PlayerUnsoldData is the payload for PlayerUnsold events.
type PlayerUnsoldData struct {
	AuctionPlayerID int64 `json:"auction_player_id"`
}

// Publisher delivers events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Nop is a Publisher that drops every event.
type Nop struct{}

// Publish discards events.
func (Nop) Publish(context.Context, ...Event) error { return nil }
