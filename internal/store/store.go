// Package store defines the auction ledger records and the transactional
// interfaces every storage driver implements.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLockTimeout is returned when a row lock cannot be acquired within
	// the configured bound. Callers may resubmit.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrInsufficientPurse is returned when a purse debit would go negative.
	ErrInsufficientPurse = errors.New("insufficient purse")
	// ErrConflict is returned when a write violates a uniqueness rule.
	ErrConflict = errors.New("conflict")
)

// MoneyScale is the number of decimal places every money column keeps.
const MoneyScale = 2

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	StatusDraft     AuctionStatus = "draft"
	StatusLive      AuctionStatus = "live"
	StatusPaused    AuctionStatus = "paused"
	StatusCompleted AuctionStatus = "completed"
)

// PlayerStatus is the state of one entry in an auction's pool.
type PlayerStatus string

const (
	PlayerAvailable PlayerStatus = "available"
	PlayerCurrent   PlayerStatus = "current"
	PlayerSold      PlayerStatus = "sold"
	PlayerUnsold    PlayerStatus = "unsold"
)

// Auction is one auction event.
type Auction struct {
	ID               int64               `db:"id"`
	Name             string              `db:"name"`
	Status           AuctionStatus       `db:"status"`
	OwnerID          int64               `db:"owner_id"`
	InitialPurse     decimal.Decimal     `db:"initial_purse"`
	MinBidIncrement  decimal.Decimal     `db:"min_bid_increment"`
	BasePriceDefault decimal.Decimal     `db:"base_price_default"`
	MaxTeamSize      int                 `db:"max_team_size"`
	BidTiers         []byte              `db:"bid_tiers"`
	CurrentPlayerID  *int64              `db:"current_player_id"`
	CurrentBid       decimal.NullDecimal `db:"current_bid"`
	CurrentBidTeamID *int64              `db:"current_bid_team_id"`
	CreatedAt        time.Time           `db:"created_at"`
	StartedAt        *time.Time          `db:"started_at"`
	EndedAt          *time.Time          `db:"ended_at"`
}

// ApplyDefaults fills unset settings with the standard auction defaults.
func (a *Auction) ApplyDefaults() {
	if a.Status == "" {
		a.Status = StatusDraft
	}
	if a.InitialPurse.IsZero() {
		a.InitialPurse = decimal.NewFromInt(100)
	}
	if a.MinBidIncrement.IsZero() {
		a.MinBidIncrement = decimal.RequireFromString("0.5")
	}
	if a.BasePriceDefault.IsZero() {
		a.BasePriceDefault = decimal.NewFromInt(1)
	}
	if a.MaxTeamSize == 0 {
		a.MaxTeamSize = 25
	}
}

// Spotlight is what is actively being auctioned: a player and, once the
// first bid lands, the leading bid.
type Spotlight struct {
	PlayerID int64
	Bid      *SpotlightBid
}

// SpotlightBid is the leading bid on the spotlight player.
type SpotlightBid struct {
	TeamID int64
	Amount decimal.Decimal
}

// Spotlight returns the auction's spotlight, or nil when no player is presented.
func (a *Auction) Spotlight() *Spotlight {
	if a.CurrentPlayerID == nil {
		return nil
	}
	s := &Spotlight{PlayerID: *a.CurrentPlayerID}
	if a.CurrentBid.Valid && a.CurrentBidTeamID != nil {
		s.Bid = &SpotlightBid{TeamID: *a.CurrentBidTeamID, Amount: a.CurrentBid.Decimal}
	}
	return s
}

// ApplySpotlight writes s into the auction's spotlight columns. A nil s
// clears all three.
func (a *Auction) ApplySpotlight(s *Spotlight) {
	a.CurrentPlayerID, a.CurrentBid, a.CurrentBidTeamID = nil, decimal.NullDecimal{}, nil
	if s == nil {
		return
	}
	id := s.PlayerID
	a.CurrentPlayerID = &id
	if s.Bid != nil {
		team := s.Bid.TeamID
		a.CurrentBidTeamID = &team
		a.CurrentBid = decimal.NewNullDecimal(s.Bid.Amount)
	}
}

// PlayerIdentity names who an auction pool entry is: either a canonical
// player from the player data provider or a free-text custom name.
type PlayerIdentity interface {
	DisplayName() string
	isPlayerIdentity()
}

// CanonicalPlayer references a row in the player data provider.
type CanonicalPlayer struct {
	PlayerID int64
	Name     string
}

func (p CanonicalPlayer) DisplayName() string { return p.Name }
func (CanonicalPlayer) isPlayerIdentity()     {}

// CustomPlayer is a pool entry with no canonical player behind it.
type CustomPlayer struct {
	Name string
}

func (p CustomPlayer) DisplayName() string { return p.Name }
func (CustomPlayer) isPlayerIdentity()     {}

// AuctionPlayer is one entry in an auction's pool.
type AuctionPlayer struct {
	ID           int64
	AuctionID    int64
	Identity     PlayerIdentity
	BasePrice    decimal.Decimal
	Status       PlayerStatus
	SoldFor      decimal.NullDecimal
	SoldToTeamID *int64
	PoolOrder    int
}

// Team is a bidding team inside one auction.
type Team struct {
	ID             int64           `db:"id"`
	AuctionID      int64           `db:"auction_id"`
	OwnerID        int64           `db:"owner_id"`
	Name           string          `db:"team_name"`
	Code           string          `db:"team_code"`
	InitialPurse   decimal.Decimal `db:"initial_purse"`
	PurseRemaining decimal.Decimal `db:"purse_remaining"`
}

// TeamSummary is a team with its current roster size.
type TeamSummary struct {
	Team
	RosterSize int `db:"roster_size"`
}

// Bid is an entry in the append-only bid log.
type Bid struct {
	ID              int64           `db:"id"`
	AuctionID       int64           `db:"auction_id"`
	AuctionPlayerID int64           `db:"auction_player_id"`
	TeamID          int64           `db:"team_id"`
	Amount          decimal.Decimal `db:"bid_amount"`
	IsWinning       bool            `db:"is_winning_bid"`
	CreatedAt       time.Time       `db:"created_at"`
}

// Settlement describes a sale to record atomically.
type Settlement struct {
	AuctionID       int64
	AuctionPlayerID int64
	TeamID          int64
	Amount          decimal.Decimal
	At              time.Time
}

// RosterEntry is a player on a team's roster.
type RosterEntry struct {
	ID               int64           `db:"id"`
	TeamID           int64           `db:"team_id"`
	AuctionPlayerID  int64           `db:"auction_player_id"`
	PlayerID         *int64          `db:"player_id"`
	CustomPlayerName *string         `db:"custom_player_name"`
	BoughtFor        decimal.Decimal `db:"bought_for"`
	JoinedAtMatch    int             `db:"joined_at_match"`
	CreatedAt        time.Time       `db:"created_at"`
}

// Transfer is a transfer ledger entry.
type Transfer struct {
	ID              int64           `db:"id"`
	AuctionID       int64           `db:"auction_id"`
	AuctionPlayerID int64           `db:"auction_player_id"`
	ToTeamID        int64           `db:"to_team_id"`
	Amount          decimal.Decimal `db:"amount"`
	TransferType    string          `db:"transfer_type"`
	CreatedAt       time.Time       `db:"created_at"`
}

// PoolCounts counts an auction's pool by status.
type PoolCounts struct {
	Available int `db:"available"`
	Current   int `db:"current"`
	Sold      int `db:"sold"`
	Unsold    int `db:"unsold"`
}

// Total returns the pool size.
func (c PoolCounts) Total() int { return c.Available + c.Current + c.Sold + c.Unsold }

// Membership is what the ledger knows about one user's relation to an auction.
type Membership struct {
	AuctionOwnerID int64
	// TeamID is the team the user owns in the auction, if any.
	TeamID *int64
	// Granted reports an explicit access grant for the user.
	Granted bool
}

// Reader holds the read-only ledger queries.
type Reader interface {
	GetAuction(ctx context.Context, auctionID int64) (*Auction, error)
	GetAuctionPlayer(ctx context.Context, auctionID, auctionPlayerID int64) (*AuctionPlayer, error)
	FindCurrentAuctionPlayer(ctx context.Context, auctionID int64) (*AuctionPlayer, error)
	FindActiveBidder(ctx context.Context, auctionID, teamID int64) (*Team, error)
	ListTeams(ctx context.Context, auctionID int64) ([]TeamSummary, error)
	PoolCounts(ctx context.Context, auctionID int64) (PoolCounts, error)
	ListBids(ctx context.Context, auctionPlayerID int64) ([]Bid, error)
	ListRoster(ctx context.Context, teamID int64) ([]RosterEntry, error)
	ListTransfers(ctx context.Context, auctionID int64) ([]Transfer, error)
	Membership(ctx context.Context, auctionID, userID int64) (*Membership, error)
}

// Tx is a ledger transaction. Lock methods hold their row until the
// transaction ends.
type Tx interface {
	Reader
	LockAuction(ctx context.Context, auctionID int64) (*Auction, error)
	LockTeam(ctx context.Context, auctionID, teamID int64) (*Team, error)
	ResetCurrentPlayers(ctx context.Context, auctionID int64) error
	SetPlayerStatus(ctx context.Context, auctionPlayerID int64, status PlayerStatus) error
	SetSpotlight(ctx context.Context, auctionID int64, s *Spotlight) error
	SetStatus(ctx context.Context, auctionID int64, status AuctionStatus, at time.Time) error
	AppendBid(ctx context.Context, b *Bid) error
	MarkWinningBid(ctx context.Context, auctionPlayerID, teamID int64, amount decimal.Decimal) error
	SettleSale(ctx context.Context, s Settlement) error
	MarkUnsold(ctx context.Context, auctionID, auctionPlayerID int64) error
}

// Ledger is the transactional auction store.
type Ledger interface {
	Reader
	// WithinTx runs fn in a transaction, committing when fn returns nil
	// and rolling back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Seeder creates the rows that pool and team management normally own.
type Seeder interface {
	CreatePlayer(ctx context.Context, name string) (int64, error)
	CreateAuction(ctx context.Context, a *Auction) error
	CreateTeam(ctx context.Context, t *Team) error
	AddPoolPlayer(ctx context.Context, p *AuctionPlayer) error
	GrantAccess(ctx context.Context, auctionID, userID int64) error
}
