package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/cricket-auctiond/internal/clock"
	"github.com/jensholdgaard/cricket-auctiond/internal/store"
)

// tx implements store.Tx on a *sqlx.Tx.
type tx struct {
	queries
	clock clock.Clock
}

func (t *tx) LockAuction(ctx context.Context, auctionID int64) (*store.Auction, error) {
	var a store.Auction
	err := sqlx.GetContext(ctx, t.q, &a,
		`SELECT `+auctionColumns+` FROM auction_events WHERE id = $1 FOR UPDATE`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("locking auction %d: %w", auctionID, mapErr(err))
	}
	return &a, nil
}

func (t *tx) LockTeam(ctx context.Context, auctionID, teamID int64) (*store.Team, error) {
	var team store.Team
	err := sqlx.GetContext(ctx, t.q, &team,
		`SELECT `+teamColumns+` FROM teams WHERE id = $1 AND auction_id = $2 FOR UPDATE`, teamID, auctionID)
	if err != nil {
		return nil, fmt.Errorf("locking team %d: %w", teamID, mapErr(err))
	}
	return &team, nil
}

func (t *tx) ResetCurrentPlayers(ctx context.Context, auctionID int64) error {
	_, err := t.q.ExecContext(ctx,
		`UPDATE auction_players SET status = 'available' WHERE auction_id = $1 AND status = 'current'`, auctionID)
	if err != nil {
		return fmt.Errorf("resetting current players: %w", mapErr(err))
	}
	return nil
}

func (t *tx) SetPlayerStatus(ctx context.Context, auctionPlayerID int64, status store.PlayerStatus) error {
	result, err := t.q.ExecContext(ctx,
		`UPDATE auction_players SET status = $1 WHERE id = $2`, string(status), auctionPlayerID)
	if err != nil {
		return fmt.Errorf("setting player status: %w", mapErr(err))
	}
	return requireRow(result, "auction player %d", auctionPlayerID)
}

func (t *tx) SetSpotlight(ctx context.Context, auctionID int64, s *store.Spotlight) error {
	var a store.Auction
	a.ApplySpotlight(s)
	result, err := t.q.ExecContext(ctx,
		`UPDATE auction_events SET current_player_id = $1, current_bid = $2, current_bid_team_id = $3 WHERE id = $4`,
		a.CurrentPlayerID, a.CurrentBid, a.CurrentBidTeamID, auctionID,
	)
	if err != nil {
		return fmt.Errorf("setting spotlight: %w", mapErr(err))
	}
	return requireRow(result, "auction %d", auctionID)
}

func (t *tx) SetStatus(ctx context.Context, auctionID int64, status store.AuctionStatus, at time.Time) error {
	result, err := t.q.ExecContext(ctx,
		`UPDATE auction_events
		 SET status = $1,
		     started_at = CASE WHEN $1 = 'live' AND started_at IS NULL THEN $2 ELSE started_at END,
		     ended_at = CASE WHEN $1 = 'completed' THEN $2 ELSE ended_at END
		 WHERE id = $3`,
		string(status), at, auctionID,
	)
	if err != nil {
		return fmt.Errorf("setting auction status: %w", mapErr(err))
	}
	return requireRow(result, "auction %d", auctionID)
}

func (t *tx) AppendBid(ctx context.Context, b *store.Bid) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = t.clock.Now()
	}
	b.IsWinning = false
	err := sqlx.GetContext(ctx, t.q, &b.ID,
		`INSERT INTO auction_bids (auction_id, auction_player_id, team_id, bid_amount, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		b.AuctionID, b.AuctionPlayerID, b.TeamID, b.Amount, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appending bid: %w", mapErr(err))
	}
	return nil
}

func (t *tx) MarkWinningBid(ctx context.Context, auctionPlayerID, teamID int64, amount decimal.Decimal) error {
	result, err := t.q.ExecContext(ctx,
		`UPDATE auction_bids SET is_winning_bid = TRUE
		 WHERE id = (
		     SELECT id FROM auction_bids
		     WHERE auction_player_id = $1 AND team_id = $2 AND bid_amount = $3
		     ORDER BY id DESC LIMIT 1
		 )`,
		auctionPlayerID, teamID, amount,
	)
	if err != nil {
		return fmt.Errorf("marking winning bid: %w", mapErr(err))
	}
	return requireRow(result, "bid by team %d on player %d", teamID, auctionPlayerID)
}

func (t *tx) SettleSale(ctx context.Context, s store.Settlement) error {
	var ident struct {
		PlayerID   sql.NullInt64  `db:"player_id"`
		CustomName sql.NullString `db:"custom_name"`
	}
	err := sqlx.GetContext(ctx, t.q, &ident,
		`UPDATE auction_players SET status = 'sold', sold_for = $1, sold_to_team_id = $2
		 WHERE id = $3 AND auction_id = $4 AND status = 'current'
		 RETURNING player_id, custom_name`,
		s.Amount, s.TeamID, s.AuctionPlayerID, s.AuctionID,
	)
	if err != nil {
		return fmt.Errorf("marking player %d sold: %w", s.AuctionPlayerID, mapErr(err))
	}

	result, err := t.q.ExecContext(ctx,
		`UPDATE teams SET purse_remaining = purse_remaining - $1
		 WHERE id = $2 AND auction_id = $3 AND purse_remaining >= $1`,
		s.Amount, s.TeamID, s.AuctionID,
	)
	if err != nil {
		return fmt.Errorf("debiting purse: %w", mapErr(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := t.FindActiveBidder(ctx, s.AuctionID, s.TeamID); err != nil {
			return err
		}
		return fmt.Errorf("debiting team %d by %s: %w", s.TeamID, s.Amount, store.ErrInsufficientPurse)
	}

	var playerID *int64
	if ident.PlayerID.Valid {
		playerID = &ident.PlayerID.Int64
	}
	var customName *string
	if ident.CustomName.Valid {
		customName = &ident.CustomName.String
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO team_players (team_id, auction_player_id, player_id, custom_player_name, bought_for, joined_at_match, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6)`,
		s.TeamID, s.AuctionPlayerID, playerID, customName, s.Amount, s.At,
	)
	if err != nil {
		return fmt.Errorf("adding roster entry: %w", mapErr(err))
	}

	_, err = t.q.ExecContext(ctx,
		`INSERT INTO player_transfers (auction_id, auction_player_id, to_team_id, amount, transfer_type, created_at)
		 VALUES ($1, $2, $3, $4, 'auction', $5)`,
		s.AuctionID, s.AuctionPlayerID, s.TeamID, s.Amount, s.At,
	)
	if err != nil {
		return fmt.Errorf("recording transfer: %w", mapErr(err))
	}

	return t.SetSpotlight(ctx, s.AuctionID, nil)
}

func (t *tx) MarkUnsold(ctx context.Context, auctionID, auctionPlayerID int64) error {
	result, err := t.q.ExecContext(ctx,
		`UPDATE auction_players SET status = 'unsold' WHERE id = $1 AND auction_id = $2 AND status = 'current'`,
		auctionPlayerID, auctionID,
	)
	if err != nil {
		return fmt.Errorf("marking player unsold: %w", mapErr(err))
	}
	if err := requireRow(result, "current auction player %d", auctionPlayerID); err != nil {
		return err
	}
	return t.SetSpotlight(ctx, auctionID, nil)
}

// requireRow reports store.ErrNotFound when result touched no rows.
func requireRow(result sql.Result, format string, args ...any) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf(format+": %w", append(args, store.ErrNotFound)...)
	}
	return nil
}

var errNoIdentity = errors.New("auction player needs a canonical player or a custom name")
