package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/cricket-auctiond/internal/store"
)

const (
	auctionColumns = `id, name, status, owner_id, initial_purse, min_bid_increment, base_price_default,
		max_team_size, bid_tiers, current_player_id, current_bid, current_bid_team_id,
		created_at, started_at, ended_at`
	teamColumns   = `id, auction_id, owner_id, team_name, team_code, initial_purse, purse_remaining`
	playerColumns = `ap.id, ap.auction_id, ap.player_id, ap.custom_name, p.player_name, ap.base_price,
		ap.status, ap.sold_for, ap.sold_to_team_id, ap.pool_order`
	playerFrom = `FROM auction_players ap LEFT JOIN players p ON p.id = ap.player_id`
)

// queries implements store.Reader over either the pool or a transaction.
type queries struct {
	q sqlx.ExtContext
}

type playerRow struct {
	ID           int64               `db:"id"`
	AuctionID    int64               `db:"auction_id"`
	PlayerID     sql.NullInt64       `db:"player_id"`
	CustomName   sql.NullString      `db:"custom_name"`
	PlayerName   sql.NullString      `db:"player_name"`
	BasePrice    decimal.Decimal     `db:"base_price"`
	Status       store.PlayerStatus  `db:"status"`
	SoldFor      decimal.NullDecimal `db:"sold_for"`
	SoldToTeamID *int64              `db:"sold_to_team_id"`
	PoolOrder    int                 `db:"pool_order"`
}

func (r playerRow) toPlayer() *store.AuctionPlayer {
	p := &store.AuctionPlayer{
		ID:           r.ID,
		AuctionID:    r.AuctionID,
		BasePrice:    r.BasePrice,
		Status:       r.Status,
		SoldFor:      r.SoldFor,
		SoldToTeamID: r.SoldToTeamID,
		PoolOrder:    r.PoolOrder,
	}
	if r.PlayerID.Valid {
		p.Identity = store.CanonicalPlayer{PlayerID: r.PlayerID.Int64, Name: r.PlayerName.String}
	} else {
		p.Identity = store.CustomPlayer{Name: r.CustomName.String}
	}
	return p
}

func (s queries) GetAuction(ctx context.Context, auctionID int64) (*store.Auction, error) {
	var a store.Auction
	err := sqlx.GetContext(ctx, s.q, &a, `SELECT `+auctionColumns+` FROM auction_events WHERE id = $1`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("getting auction %d: %w", auctionID, mapErr(err))
	}
	return &a, nil
}

func (s queries) GetAuctionPlayer(ctx context.Context, auctionID, auctionPlayerID int64) (*store.AuctionPlayer, error) {
	var r playerRow
	err := sqlx.GetContext(ctx, s.q, &r,
		`SELECT `+playerColumns+` `+playerFrom+` WHERE ap.id = $1 AND ap.auction_id = $2`,
		auctionPlayerID, auctionID,
	)
	if err != nil {
		return nil, fmt.Errorf("getting auction player %d: %w", auctionPlayerID, mapErr(err))
	}
	return r.toPlayer(), nil
}

func (s queries) FindCurrentAuctionPlayer(ctx context.Context, auctionID int64) (*store.AuctionPlayer, error) {
	var r playerRow
	err := sqlx.GetContext(ctx, s.q, &r,
		`SELECT `+playerColumns+` `+playerFrom+` WHERE ap.auction_id = $1 AND ap.status = 'current'
		 ORDER BY ap.id LIMIT 1`,
		auctionID,
	)
	if err != nil {
		return nil, fmt.Errorf("finding current player for auction %d: %w", auctionID, mapErr(err))
	}
	return r.toPlayer(), nil
}

func (s queries) FindActiveBidder(ctx context.Context, auctionID, teamID int64) (*store.Team, error) {
	var t store.Team
	err := sqlx.GetContext(ctx, s.q, &t,
		`SELECT `+teamColumns+` FROM teams WHERE id = $1 AND auction_id = $2`, teamID, auctionID)
	if err != nil {
		return nil, fmt.Errorf("finding team %d in auction %d: %w", teamID, auctionID, mapErr(err))
	}
	return &t, nil
}

func (s queries) ListTeams(ctx context.Context, auctionID int64) ([]store.TeamSummary, error) {
	var teams []store.TeamSummary
	err := sqlx.SelectContext(ctx, s.q, &teams,
		`SELECT t.id, t.auction_id, t.owner_id, t.team_name, t.team_code, t.initial_purse, t.purse_remaining,
		        (SELECT COUNT(*) FROM team_players tp WHERE tp.team_id = t.id AND tp.left_at_match IS NULL) AS roster_size
		 FROM teams t WHERE t.auction_id = $1 ORDER BY t.id`,
		auctionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing teams: %w", err)
	}
	return teams, nil
}

func (s queries) PoolCounts(ctx context.Context, auctionID int64) (store.PoolCounts, error) {
	var c store.PoolCounts
	err := sqlx.GetContext(ctx, s.q, &c,
		`SELECT COUNT(*) FILTER (WHERE status = 'available') AS available,
		        COUNT(*) FILTER (WHERE status = 'current')   AS current,
		        COUNT(*) FILTER (WHERE status = 'sold')      AS sold,
		        COUNT(*) FILTER (WHERE status = 'unsold')    AS unsold
		 FROM auction_players WHERE auction_id = $1`,
		auctionID,
	)
	if err != nil {
		return store.PoolCounts{}, fmt.Errorf("counting pool: %w", err)
	}
	return c, nil
}

func (s queries) ListBids(ctx context.Context, auctionPlayerID int64) ([]store.Bid, error) {
	var bids []store.Bid
	err := sqlx.SelectContext(ctx, s.q, &bids,
		`SELECT id, auction_id, auction_player_id, team_id, bid_amount, is_winning_bid, created_at
		 FROM auction_bids WHERE auction_player_id = $1 ORDER BY id`,
		auctionPlayerID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return bids, nil
}

func (s queries) ListRoster(ctx context.Context, teamID int64) ([]store.RosterEntry, error) {
	var roster []store.RosterEntry
	err := sqlx.SelectContext(ctx, s.q, &roster,
		`SELECT id, team_id, auction_player_id, player_id, custom_player_name, bought_for, joined_at_match, created_at
		 FROM team_players WHERE team_id = $1 AND left_at_match IS NULL ORDER BY id`,
		teamID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing roster: %w", err)
	}
	return roster, nil
}

func (s queries) ListTransfers(ctx context.Context, auctionID int64) ([]store.Transfer, error) {
	var transfers []store.Transfer
	err := sqlx.SelectContext(ctx, s.q, &transfers,
		`SELECT id, auction_id, auction_player_id, to_team_id, amount, transfer_type, created_at
		 FROM player_transfers WHERE auction_id = $1 ORDER BY id`,
		auctionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	return transfers, nil
}

func (s queries) Membership(ctx context.Context, auctionID, userID int64) (*store.Membership, error) {
	var ownerID int64
	err := sqlx.GetContext(ctx, s.q, &ownerID, `SELECT owner_id FROM auction_events WHERE id = $1`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("getting auction %d: %w", auctionID, mapErr(err))
	}
	m := &store.Membership{AuctionOwnerID: ownerID}

	var teamID int64
	err = sqlx.GetContext(ctx, s.q, &teamID,
		`SELECT id FROM teams WHERE auction_id = $1 AND owner_id = $2 ORDER BY id LIMIT 1`, auctionID, userID)
	switch {
	case err == nil:
		m.TeamID = &teamID
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("finding owned team: %w", err)
	}

	err = sqlx.GetContext(ctx, s.q, &m.Granted,
		`SELECT EXISTS (SELECT 1 FROM auction_team_auths WHERE auction_id = $1 AND user_id = $2)`, auctionID, userID)
	if err != nil {
		return nil, fmt.Errorf("checking access grant: %w", err)
	}
	return m, nil
}
