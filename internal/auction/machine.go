package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/cricket-auctiond/internal/bidtier"
	"github.com/jensholdgaard/cricket-auctiond/internal/clock"
	"github.com/jensholdgaard/cricket-auctiond/internal/event"
	"github.com/jensholdgaard/cricket-auctiond/internal/store"
)

// Machine drives one auction. Every mutating operation is a single ledger
// transaction that holds the auction row lock for its whole duration, so
// concurrent calls on the same auction are linearized by the ledger.
type Machine struct {
	auctionID int64
	ledger    store.Ledger
	tiers     bidtier.Table
	events    event.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	clock     clock.Clock
}

// NewMachine loads the auction and its bid tier table. Malformed custom
// tier tables fall back to the default table.
func NewMachine(ctx context.Context, auctionID int64, ledger store.Ledger, events event.Publisher, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) (*Machine, error) {
	a, err := ledger.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, notFound(err, ErrAuctionNotFound)
	}
	return &Machine{
		auctionID: auctionID,
		ledger:    ledger,
		tiers:     bidtier.ParseOrDefault(a.BidTiers),
		events:    events,
		logger:    logger.With(slog.Int64("auction_id", auctionID)),
		tracer:    tp.Tracer("github.com/jensholdgaard/cricket-auctiond/internal/auction"),
		clock:     clk,
	}, nil
}

// AuctionID returns the auction this machine drives.
func (m *Machine) AuctionID() int64 { return m.auctionID }

// Start moves a draft auction to live. The team and pool size checks run
// before the lock; neither can change once the auction leaves draft.
func (m *Machine) Start(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "Machine.Start", m.spanAttrs())
	defer span.End()

	a, err := m.ledger.GetAuction(ctx, m.auctionID)
	if err != nil {
		return m.fail(span, notFound(err, ErrAuctionNotFound))
	}
	if a.Status != store.StatusDraft {
		return m.fail(span, fmt.Errorf("%w: auction is already %s", ErrInvalidTransition, a.Status))
	}
	teams, err := m.ledger.ListTeams(ctx, m.auctionID)
	if err != nil {
		return m.fail(span, err)
	}
	if len(teams) < 2 {
		return m.fail(span, ErrNotEnoughTeams)
	}
	counts, err := m.ledger.PoolCounts(ctx, m.auctionID)
	if err != nil {
		return m.fail(span, err)
	}
	if counts.Total() < 1 {
		return m.fail(span, ErrEmptyPool)
	}

	return m.fail(span, m.transition(ctx, store.StatusLive, nil, store.StatusDraft))
}

// Pause moves a live auction to paused.
func (m *Machine) Pause(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "Machine.Pause", m.spanAttrs())
	defer span.End()
	return m.fail(span, m.transition(ctx, store.StatusPaused, nil, store.StatusLive))
}

// Resume moves a paused auction back to live.
func (m *Machine) Resume(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "Machine.Resume", m.spanAttrs())
	defer span.End()
	return m.fail(span, m.transition(ctx, store.StatusLive, nil, store.StatusPaused))
}

// Complete ends a live or paused auction. It is rejected while a player
// is in the spotlight.
func (m *Machine) Complete(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "Machine.Complete", m.spanAttrs())
	defer span.End()
	guard := func(a *store.Auction) error {
		if a.CurrentPlayerID != nil {
			return ErrSpotlightActive
		}
		return nil
	}
	return m.fail(span, m.transition(ctx, store.StatusCompleted, guard, store.StatusLive, store.StatusPaused))
}

func (m *Machine) transition(ctx context.Context, to store.AuctionStatus, guard func(*store.Auction) error, from ...store.AuctionStatus) error {
	var prev store.AuctionStatus
	err := m.ledger.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.LockAuction(ctx, m.auctionID)
		if err != nil {
			return notFound(err, ErrAuctionNotFound)
		}
		if !statusIn(a.Status, from) {
			return fmt.Errorf("%w: auction is %s", ErrInvalidTransition, a.Status)
		}
		if guard != nil {
			if err := guard(a); err != nil {
				return err
			}
		}
		prev = a.Status
		return tx.SetStatus(ctx, m.auctionID, to, m.clock.Now())
	})
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "auction status changed",
		slog.String("from", string(prev)),
		slog.String("to", string(to)),
	)
	m.publish(ctx, event.AuctionStatusChanged, event.StatusChangedData{From: string(prev), To: string(to)})
	return nil
}

func statusIn(s store.AuctionStatus, set []store.AuctionStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// PresentPlayer puts an available pool player in the spotlight with no bid.
// Any player left in current status is returned to the pool first.
func (m *Machine) PresentPlayer(ctx context.Context, auctionPlayerID int64) (*Presented, error) {
	ctx, span := m.tracer.Start(ctx, "Machine.PresentPlayer", m.spanAttrs(
		attribute.Int64("auction_player.id", auctionPlayerID),
	))
	defer span.End()

	var out *Presented
	err := m.ledger.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.LockAuction(ctx, m.auctionID)
		if err != nil {
			return notFound(err, ErrAuctionNotFound)
		}
		if a.Status == store.StatusCompleted {
			return ErrAuctionCompleted
		}
		p, err := tx.GetAuctionPlayer(ctx, m.auctionID, auctionPlayerID)
		if err != nil {
			return notFound(err, ErrPlayerNotFound)
		}
		if p.Status != store.PlayerAvailable {
			return fmt.Errorf("%w: player is %s", ErrPlayerUnavailable, p.Status)
		}
		if err := tx.ResetCurrentPlayers(ctx, m.auctionID); err != nil {
			return err
		}
		if err := tx.SetPlayerStatus(ctx, p.ID, store.PlayerCurrent); err != nil {
			return err
		}
		if err := tx.SetSpotlight(ctx, m.auctionID, &store.Spotlight{PlayerID: p.ID}); err != nil {
			return err
		}
		out = &Presented{PlayerID: p.ID, PlayerName: p.Identity.DisplayName(), BasePrice: p.BasePrice}
		return nil
	})
	if err != nil {
		return nil, m.fail(span, err)
	}

	m.logger.InfoContext(ctx, "player presented",
		slog.Int64("auction_player_id", out.PlayerID),
		slog.String("player", out.PlayerName),
	)
	m.publish(ctx, event.PlayerPresented, event.PlayerPresentedData{
		AuctionPlayerID: out.PlayerID,
		PlayerName:      out.PlayerName,
		BasePrice:       out.BasePrice,
	})
	return out, nil
}

// bidContext is everything the bid rules look at.
type bidContext struct {
	auction *store.Auction
	player  *store.AuctionPlayer
	team    *store.Team
}

type teamLoader func(ctx context.Context, auctionID, teamID int64) (*store.Team, error)

// loadBidContext reads the spotlight player and bidding team. Missing rows
// are left nil for checkBid to report.
func (m *Machine) loadBidContext(ctx context.Context, r store.Reader, a *store.Auction, teamID int64, loadTeam teamLoader) (bidContext, error) {
	bc := bidContext{auction: a}
	if a.Status != store.StatusLive || a.CurrentPlayerID == nil {
		return bc, nil
	}

	p, err := m.activePlayer(ctx, r, *a.CurrentPlayerID)
	switch {
	case err == nil:
		bc.player = p
	case !errors.Is(err, ErrNoActivePlayer):
		return bc, err
	}

	t, err := loadTeam(ctx, m.auctionID, teamID)
	switch {
	case err == nil:
		bc.team = t
	case !errors.Is(err, store.ErrNotFound):
		return bc, err
	}
	return bc, nil
}

// checkBid applies the bid rules in order and returns the first violation.
// It is the only place the rules live; both the advisory and the locked
// check call it.
func (m *Machine) checkBid(bc bidContext, teamID int64, amount decimal.Decimal) error {
	a := bc.auction
	if !amount.IsPositive() {
		return rejectBid(ErrInvalidAmount)
	}
	if !amount.Equal(amount.Truncate(store.MoneyScale)) {
		return rejectBid(ErrAmountPrecision)
	}
	if a.Status != store.StatusLive {
		return rejectBid(ErrAuctionNotLive)
	}
	if a.CurrentPlayerID == nil {
		return rejectBid(ErrNoCurrentPlayer)
	}
	if bc.player == nil || bc.player.Status != store.PlayerCurrent {
		return rejectBid(ErrNoActivePlayer)
	}
	if bc.team == nil {
		return rejectBid(ErrTeamNotFound)
	}
	if bc.team.PurseRemaining.LessThan(amount) {
		return rejectBid(fmt.Errorf("%w (%s < %s)", ErrInsufficientPurse,
			bc.team.PurseRemaining.StringFixed(2), amount.StringFixed(2)))
	}
	minimum := m.tiers.MinimumNextBid(bc.player.BasePrice, a.CurrentBid)
	if amount.LessThan(minimum) {
		return rejectBid(fmt.Errorf("%w: bid must be at least %s", ErrBidTooLow, minimum.StringFixed(2)))
	}
	if a.CurrentBidTeamID != nil && *a.CurrentBidTeamID == teamID {
		return rejectBid(ErrAlreadyHighest)
	}
	return nil
}

// ValidateBid checks a bid against committed state without taking locks.
// A nil result is advisory; PlaceBid re-checks under the auction lock.
func (m *Machine) ValidateBid(ctx context.Context, teamID int64, amount decimal.Decimal) error {
	ctx, span := m.tracer.Start(ctx, "Machine.ValidateBid", m.spanAttrs(
		attribute.Int64("team.id", teamID),
		attribute.String("bid.amount", amount.String()),
	))
	defer span.End()
	return m.validateBid(ctx, teamID, amount)
}

func (m *Machine) validateBid(ctx context.Context, teamID int64, amount decimal.Decimal) error {
	a, err := m.ledger.GetAuction(ctx, m.auctionID)
	if err != nil {
		return notFound(err, ErrAuctionNotFound)
	}
	bc, err := m.loadBidContext(ctx, m.ledger, a, teamID, m.ledger.FindActiveBidder)
	if err != nil {
		return err
	}
	return m.checkBid(bc, teamID, amount)
}

// PlaceBid records a bid for teamID. State is re-read after the auction
// lock is taken, so of two concurrent bids the second is judged against
// the first.
func (m *Machine) PlaceBid(ctx context.Context, teamID int64, amount decimal.Decimal) (*BidResult, error) {
	ctx, span := m.tracer.Start(ctx, "Machine.PlaceBid", m.spanAttrs(
		attribute.Int64("team.id", teamID),
		attribute.String("bid.amount", amount.String()),
	))
	defer span.End()

	if err := m.validateBid(ctx, teamID, amount); err != nil {
		m.logger.DebugContext(ctx, "bid rejected before lock",
			slog.Int64("team_id", teamID),
			slog.String("amount", amount.String()),
			slog.Any("error", err),
		)
		return nil, m.fail(span, err)
	}

	var out *BidResult
	err := m.ledger.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.LockAuction(ctx, m.auctionID)
		if err != nil {
			return notFound(err, ErrAuctionNotFound)
		}
		bc, err := m.loadBidContext(ctx, tx, a, teamID, tx.LockTeam)
		if err != nil {
			return err
		}
		if err := m.checkBid(bc, teamID, amount); err != nil {
			return err
		}

		bid := &store.Bid{
			AuctionID:       m.auctionID,
			AuctionPlayerID: bc.player.ID,
			TeamID:          teamID,
			Amount:          amount,
			CreatedAt:       m.clock.Now(),
		}
		if err := tx.AppendBid(ctx, bid); err != nil {
			return err
		}
		spot := &store.Spotlight{
			PlayerID: bc.player.ID,
			Bid:      &store.SpotlightBid{TeamID: teamID, Amount: amount},
		}
		if err := tx.SetSpotlight(ctx, m.auctionID, spot); err != nil {
			return err
		}

		out = &BidResult{
			PlayerID:    bc.player.ID,
			PlayerName:  bc.player.Identity.DisplayName(),
			TeamID:      teamID,
			TeamName:    bc.team.Name,
			Amount:      amount,
			NextMinimum: m.tiers.MinimumNextBid(bc.player.BasePrice, decimal.NewNullDecimal(amount)),
		}
		return nil
	})
	if err != nil {
		return nil, m.fail(span, err)
	}

	m.logger.InfoContext(ctx, "bid accepted",
		slog.Int64("auction_player_id", out.PlayerID),
		slog.Int64("team_id", teamID),
		slog.String("amount", amount.String()),
	)
	m.publish(ctx, event.BidPlaced, event.BidPlacedData{
		AuctionPlayerID: out.PlayerID,
		TeamID:          teamID,
		Amount:          amount,
	})
	return out, nil
}

// SellPlayer sells the spotlight player to the leading bidder. The status
// change, winning-bid flag, purse debit, roster entry, transfer record
// and spotlight reset commit together or not at all.
func (m *Machine) SellPlayer(ctx context.Context) (*SaleResult, error) {
	ctx, span := m.tracer.Start(ctx, "Machine.SellPlayer", m.spanAttrs())
	defer span.End()

	var out *SaleResult
	err := m.ledger.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.LockAuction(ctx, m.auctionID)
		if err != nil {
			return notFound(err, ErrAuctionNotFound)
		}
		spot := a.Spotlight()
		if spot == nil {
			return ErrNoCurrentPlayer
		}
		if spot.Bid == nil {
			return ErrNoBids
		}
		p, err := m.activePlayer(ctx, tx, spot.PlayerID)
		if err != nil {
			return err
		}
		team, err := tx.LockTeam(ctx, m.auctionID, spot.Bid.TeamID)
		if err != nil {
			return notFound(err, ErrTeamNotFound)
		}

		if err := tx.MarkWinningBid(ctx, p.ID, team.ID, spot.Bid.Amount); err != nil {
			return err
		}
		err = tx.SettleSale(ctx, store.Settlement{
			AuctionID:       m.auctionID,
			AuctionPlayerID: p.ID,
			TeamID:          team.ID,
			Amount:          spot.Bid.Amount,
			At:              m.clock.Now(),
		})
		if err != nil {
			return err
		}

		out = &SaleResult{
			PlayerID:   p.ID,
			PlayerName: p.Identity.DisplayName(),
			TeamID:     team.ID,
			TeamName:   team.Name,
			SoldFor:    spot.Bid.Amount,
		}
		return nil
	})
	if err != nil {
		return nil, m.fail(span, err)
	}

	m.logger.InfoContext(ctx, "player sold",
		slog.Int64("auction_player_id", out.PlayerID),
		slog.Int64("team_id", out.TeamID),
		slog.String("sold_for", out.SoldFor.String()),
	)
	m.publish(ctx, event.PlayerSold, event.PlayerSoldData{
		AuctionPlayerID: out.PlayerID,
		TeamID:          out.TeamID,
		Amount:          out.SoldFor,
	})
	return out, nil
}

// UnsoldPlayer marks the spotlight player unsold and clears the spotlight.
func (m *Machine) UnsoldPlayer(ctx context.Context) (*UnsoldResult, error) {
	ctx, span := m.tracer.Start(ctx, "Machine.UnsoldPlayer", m.spanAttrs())
	defer span.End()

	var out *UnsoldResult
	err := m.ledger.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.LockAuction(ctx, m.auctionID)
		if err != nil {
			return notFound(err, ErrAuctionNotFound)
		}
		if a.CurrentPlayerID == nil {
			return ErrNoCurrentPlayer
		}
		p, err := m.activePlayer(ctx, tx, *a.CurrentPlayerID)
		if err != nil {
			return err
		}
		if err := tx.MarkUnsold(ctx, m.auctionID, p.ID); err != nil {
			return err
		}
		out = &UnsoldResult{PlayerID: p.ID, PlayerName: p.Identity.DisplayName()}
		return nil
	})
	if err != nil {
		return nil, m.fail(span, err)
	}

	m.logger.InfoContext(ctx, "player unsold", slog.Int64("auction_player_id", out.PlayerID))
	m.publish(ctx, event.PlayerUnsold, event.PlayerUnsoldData{AuctionPlayerID: out.PlayerID})
	return out, nil
}

// State returns a snapshot of the auction built from committed rows.
func (m *Machine) State(ctx context.Context) (*State, error) {
	ctx, span := m.tracer.Start(ctx, "Machine.State", m.spanAttrs())
	defer span.End()

	a, err := m.ledger.GetAuction(ctx, m.auctionID)
	if err != nil {
		return nil, m.fail(span, notFound(err, ErrAuctionNotFound))
	}
	teams, err := m.ledger.ListTeams(ctx, m.auctionID)
	if err != nil {
		return nil, m.fail(span, err)
	}
	counts, err := m.ledger.PoolCounts(ctx, m.auctionID)
	if err != nil {
		return nil, m.fail(span, err)
	}

	st := &State{
		AuctionID: a.ID,
		Name:      a.Name,
		Status:    a.Status,
		Teams:     make([]TeamState, 0, len(teams)),
		Available: counts.Available,
		Sold:      counts.Sold,
		Unsold:    counts.Unsold,
	}
	names := make(map[int64]string, len(teams))
	for _, t := range teams {
		names[t.ID] = t.Name
		st.Teams = append(st.Teams, TeamState{
			ID:             t.ID,
			Name:           t.Name,
			Code:           t.Code,
			PurseRemaining: t.PurseRemaining,
			PlayersCount:   t.RosterSize,
		})
	}

	if a.CurrentPlayerID != nil {
		p, err := m.ledger.GetAuctionPlayer(ctx, m.auctionID, *a.CurrentPlayerID)
		switch {
		case err == nil:
			ps := &PlayerState{
				ID:              p.ID,
				Name:            p.Identity.DisplayName(),
				BasePrice:       p.BasePrice,
				CurrentBid:      a.CurrentBid,
				CurrentBidderID: a.CurrentBidTeamID,
				MinimumBid:      m.tiers.MinimumNextBid(p.BasePrice, a.CurrentBid),
			}
			if a.CurrentBidTeamID != nil {
				ps.CurrentBidderName = names[*a.CurrentBidTeamID]
			}
			st.CurrentPlayer = ps
		case !errors.Is(err, store.ErrNotFound):
			return nil, m.fail(span, err)
		}
	}
	return st, nil
}

func (m *Machine) spanAttrs(extra ...attribute.KeyValue) trace.SpanStartEventOption {
	return trace.WithAttributes(append([]attribute.KeyValue{attribute.Int64("auction.id", m.auctionID)}, extra...)...)
}

// fail records unexpected errors on the span and returns err unchanged.
func (m *Machine) fail(span trace.Span, err error) error {
	if err != nil && KindOf(err) == KindInternal {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// publish emits a domain event after commit. Delivery is best-effort.
func (m *Machine) publish(ctx context.Context, typ event.Type, data any) {
	e, err := event.New(m.auctionID, typ, data, m.clock.Now())
	if err == nil {
		err = m.events.Publish(ctx, e)
	}
	if err != nil {
		m.logger.WarnContext(ctx, "publishing domain event failed",
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}

// activePlayer returns the pool's current player and requires it to be
// the one the spotlight points at.
func (m *Machine) activePlayer(ctx context.Context, r store.Reader, spotlightID int64) (*store.AuctionPlayer, error) {
	p, err := r.FindCurrentAuctionPlayer(ctx, m.auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoActivePlayer
	}
	if err != nil {
		return nil, err
	}
	if p.ID != spotlightID {
		m.logger.WarnContext(ctx, "spotlight does not match current pool player",
			slog.Int64("spotlight_player_id", spotlightID),
			slog.Int64("current_player_id", p.ID),
		)
		return nil, ErrNoActivePlayer
	}
	return p, nil
}

// notFound replaces a store.ErrNotFound with the domain sentinel.
func notFound(err, sentinel error) error {
	if errors.Is(err, store.ErrNotFound) {
		return sentinel
	}
	return err
}
