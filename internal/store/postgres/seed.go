package postgres

import (
	"context"
	"fmt"

	"github.com/jensholdgaard/cricket-auctiond/internal/store"
)

func (l *Ledger) CreatePlayer(ctx context.Context, name string) (int64, error) {
	var id int64
	err := l.db.QueryRowContext(ctx,
		`INSERT INTO players (player_name, created_at) VALUES ($1, $2) RETURNING id`,
		name, l.clock.Now(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating player: %w", mapErr(err))
	}
	return id, nil
}

func (l *Ledger) CreateAuction(ctx context.Context, a *store.Auction) error {
	a.ApplyDefaults()
	a.CreatedAt = l.clock.Now()
	var tiers *string
	if len(a.BidTiers) > 0 {
		s := string(a.BidTiers)
		tiers = &s
	}
	err := l.db.QueryRowContext(ctx,
		`INSERT INTO auction_events (name, status, owner_id, initial_purse, min_bid_increment,
		     base_price_default, max_team_size, bid_tiers, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9) RETURNING id`,
		a.Name, string(a.Status), a.OwnerID, a.InitialPurse, a.MinBidIncrement,
		a.BasePriceDefault, a.MaxTeamSize, tiers, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("creating auction: %w", mapErr(err))
	}
	return nil
}

func (l *Ledger) CreateTeam(ctx context.Context, t *store.Team) error {
	if t.InitialPurse.IsZero() {
		a, err := l.GetAuction(ctx, t.AuctionID)
		if err != nil {
			return err
		}
		t.InitialPurse = a.InitialPurse
	}
	if t.PurseRemaining.IsZero() {
		t.PurseRemaining = t.InitialPurse
	}
	err := l.db.QueryRowContext(ctx,
		`INSERT INTO teams (auction_id, owner_id, team_name, team_code, initial_purse, purse_remaining)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		t.AuctionID, t.OwnerID, t.Name, t.Code, t.InitialPurse, t.PurseRemaining,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("creating team: %w", mapErr(err))
	}
	return nil
}

func (l *Ledger) AddPoolPlayer(ctx context.Context, p *store.AuctionPlayer) error {
	var playerID *int64
	var customName *string
	switch id := p.Identity.(type) {
	case store.CanonicalPlayer:
		pid := id.PlayerID
		playerID = &pid
	case store.CustomPlayer:
		if id.Name == "" {
			return fmt.Errorf("custom player name is empty")
		}
		name := id.Name
		customName = &name
	default:
		return errNoIdentity
	}

	a, err := l.GetAuction(ctx, p.AuctionID)
	if err != nil {
		return err
	}
	if p.BasePrice.IsZero() {
		p.BasePrice = a.BasePriceDefault
	}
	p.Status = store.PlayerAvailable

	err = l.db.QueryRowContext(ctx,
		`INSERT INTO auction_players (auction_id, player_id, custom_name, base_price, status, pool_order)
		 VALUES ($1, $2, $3, $4, 'available',
		     CASE WHEN $5 > 0 THEN $5
		          ELSE (SELECT COALESCE(MAX(pool_order), 0) + 1 FROM auction_players WHERE auction_id = $1) END)
		 RETURNING id, pool_order`,
		p.AuctionID, playerID, customName, p.BasePrice, p.PoolOrder,
	).Scan(&p.ID, &p.PoolOrder)
	if err != nil {
		return fmt.Errorf("adding pool player: %w", mapErr(err))
	}

	got, err := l.GetAuctionPlayer(ctx, p.AuctionID, p.ID)
	if err != nil {
		return err
	}
	p.Identity = got.Identity
	return nil
}

func (l *Ledger) GrantAccess(ctx context.Context, auctionID, userID int64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO auction_team_auths (auction_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		auctionID, userID,
	)
	if err != nil {
		return fmt.Errorf("granting access: %w", mapErr(err))
	}
	return nil
}
