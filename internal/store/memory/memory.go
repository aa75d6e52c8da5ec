// Package memory is an in-process store driver. Transactions are
// serialized and run against a private copy of the ledger that replaces
// the shared one only on commit.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/cricket-auctiond/internal/clock"
	"github.com/jensholdgaard/cricket-auctiond/internal/config"
	"github.com/jensholdgaard/cricket-auctiond/internal/store"
)

func init() {
	store.Register("memory", func(_ context.Context, cfg config.DatabaseConfig, clk clock.Clock) (store.Ledger, error) {
		return New(clk, cfg.LockTimeout), nil
	})
}

var (
	_ store.Ledger = (*Ledger)(nil)
	_ store.Seeder = (*Ledger)(nil)
	_ store.Tx     = (*tx)(nil)
)

// Ledger implements store.Ledger and store.Seeder in memory.
type Ledger struct {
	sem         chan struct{}
	lockTimeout time.Duration
	clock       clock.Clock

	mu  sync.RWMutex
	cur *state

	faultMu sync.Mutex
	faults  map[string]error
}

// New returns an empty Ledger. A positive lockTimeout bounds how long a
// transaction waits for the ledger lock.
func New(clk clock.Clock, lockTimeout time.Duration) *Ledger {
	return &Ledger{
		sem:         make(chan struct{}, 1),
		lockTimeout: lockTimeout,
		clock:       clk,
		cur:         newState(),
		faults:      make(map[string]error),
	}
}

// FailNext makes the next call of the named Tx method return err.
func (l *Ledger) FailNext(op string, err error) {
	l.faultMu.Lock()
	defer l.faultMu.Unlock()
	l.faults[op] = err
}

func (l *Ledger) fault(op string) error {
	l.faultMu.Lock()
	defer l.faultMu.Unlock()
	err, ok := l.faults[op]
	if !ok {
		return nil
	}
	delete(l.faults, op)
	return err
}

func (l *Ledger) acquire(ctx context.Context) error {
	if l.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.lockTimeout)
		defer cancel()
	}
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquiring ledger lock: %w: %w", store.ErrLockTimeout, ctx.Err())
	}
}

func (l *Ledger) release() { <-l.sem }

// WithinTx runs fn against a private copy of the ledger and publishes the
// copy only if fn succeeds.
func (l *Ledger) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	l.mu.RLock()
	work := l.cur.clone()
	l.mu.RUnlock()

	if err := fn(ctx, &tx{state: work, ledger: l}); err != nil {
		return err
	}

	l.mu.Lock()
	l.cur = work
	l.mu.Unlock()
	return nil
}

func (l *Ledger) Ping(context.Context) error { return nil }

func (l *Ledger) Close() error { return nil }

func (l *Ledger) read() (*state, func()) {
	l.mu.RLock()
	return l.cur, l.mu.RUnlock
}

func (l *Ledger) GetAuction(ctx context.Context, auctionID int64) (*store.Auction, error) {
	s, done := l.read()
	defer done()
	return s.GetAuction(ctx, auctionID)
}

func (l *Ledger) GetAuctionPlayer(ctx context.Context, auctionID, auctionPlayerID int64) (*store.AuctionPlayer, error) {
	s, done := l.read()
	defer done()
	return s.GetAuctionPlayer(ctx, auctionID, auctionPlayerID)
}

func (l *Ledger) FindCurrentAuctionPlayer(ctx context.Context, auctionID int64) (*store.AuctionPlayer, error) {
	s, done := l.read()
	defer done()
	return s.FindCurrentAuctionPlayer(ctx, auctionID)
}

func (l *Ledger) FindActiveBidder(ctx context.Context, auctionID, teamID int64) (*store.Team, error) {
	s, done := l.read()
	defer done()
	return s.FindActiveBidder(ctx, auctionID, teamID)
}

func (l *Ledger) ListTeams(ctx context.Context, auctionID int64) ([]store.TeamSummary, error) {
	s, done := l.read()
	defer done()
	return s.ListTeams(ctx, auctionID)
}

func (l *Ledger) PoolCounts(ctx context.Context, auctionID int64) (store.PoolCounts, error) {
	s, done := l.read()
	defer done()
	return s.PoolCounts(ctx, auctionID)
}

func (l *Ledger) ListBids(ctx context.Context, auctionPlayerID int64) ([]store.Bid, error) {
	s, done := l.read()
	defer done()
	return s.ListBids(ctx, auctionPlayerID)
}

func (l *Ledger) ListRoster(ctx context.Context, teamID int64) ([]store.RosterEntry, error) {
	s, done := l.read()
	defer done()
	return s.ListRoster(ctx, teamID)
}

func (l *Ledger) ListTransfers(ctx context.Context, auctionID int64) ([]store.Transfer, error) {
	s, done := l.read()
	defer done()
	return s.ListTransfers(ctx, auctionID)
}

func (l *Ledger) Membership(ctx context.Context, auctionID, userID int64) (*store.Membership, error) {
	s, done := l.read()
	defer done()
	return s.Membership(ctx, auctionID, userID)
}

// seed applies fn directly to the shared ledger.
func (l *Ledger) seed(ctx context.Context, fn func(s *state) error) error {
	return l.WithinTx(ctx, func(_ context.Context, t store.Tx) error {
		return fn(t.(*tx).state)
	})
}

func (l *Ledger) CreatePlayer(ctx context.Context, name string) (int64, error) {
	var id int64
	err := l.seed(ctx, func(s *state) error {
		id = s.id()
		s.players[id] = name
		return nil
	})
	return id, err
}

func (l *Ledger) CreateAuction(ctx context.Context, a *store.Auction) error {
	return l.seed(ctx, func(s *state) error {
		a.ApplyDefaults()
		a.ID = s.id()
		a.CreatedAt = l.clock.Now()
		s.auctions[a.ID] = *a
		return nil
	})
}

func (l *Ledger) CreateTeam(ctx context.Context, t *store.Team) error {
	return l.seed(ctx, func(s *state) error {
		a, ok := s.auctions[t.AuctionID]
		if !ok {
			return fmt.Errorf("auction %d: %w", t.AuctionID, store.ErrNotFound)
		}
		for _, other := range s.teams {
			if other.AuctionID == t.AuctionID && strings.EqualFold(other.Code, t.Code) {
				return fmt.Errorf("team code %q in auction %d: %w", t.Code, t.AuctionID, store.ErrConflict)
			}
		}
		if t.InitialPurse.IsZero() {
			t.InitialPurse = a.InitialPurse
		}
		if t.PurseRemaining.IsZero() {
			t.PurseRemaining = t.InitialPurse
		}
		t.ID = s.id()
		s.teams[t.ID] = *t
		return nil
	})
}

func (l *Ledger) AddPoolPlayer(ctx context.Context, p *store.AuctionPlayer) error {
	return l.seed(ctx, func(s *state) error {
		a, ok := s.auctions[p.AuctionID]
		if !ok {
			return fmt.Errorf("auction %d: %w", p.AuctionID, store.ErrNotFound)
		}
		switch id := p.Identity.(type) {
		case store.CanonicalPlayer:
			name, ok := s.players[id.PlayerID]
			if !ok {
				return fmt.Errorf("player %d: %w", id.PlayerID, store.ErrNotFound)
			}
			p.Identity = store.CanonicalPlayer{PlayerID: id.PlayerID, Name: name}
		case store.CustomPlayer:
			if id.Name == "" {
				return fmt.Errorf("custom player name is empty")
			}
		default:
			return fmt.Errorf("auction player needs a canonical player or a custom name")
		}
		if p.BasePrice.IsZero() {
			p.BasePrice = a.BasePriceDefault
		}
		if p.PoolOrder == 0 {
			for _, other := range s.pool {
				if other.AuctionID == p.AuctionID && other.PoolOrder >= p.PoolOrder {
					p.PoolOrder = other.PoolOrder
				}
			}
			p.PoolOrder++
		}
		p.Status = store.PlayerAvailable
		p.ID = s.id()
		s.pool[p.ID] = *p
		return nil
	})
}

func (l *Ledger) GrantAccess(ctx context.Context, auctionID, userID int64) error {
	return l.seed(ctx, func(s *state) error {
		if _, ok := s.auctions[auctionID]; !ok {
			return fmt.Errorf("auction %d: %w", auctionID, store.ErrNotFound)
		}
		s.grants[grantKey{auctionID: auctionID, userID: userID}] = true
		return nil
	})
}

// tx is a transaction over a private state copy. The ledger semaphore
// makes every row lock it takes exclusive.
type tx struct {
	*state
	ledger *Ledger
}

func (t *tx) LockAuction(ctx context.Context, auctionID int64) (*store.Auction, error) {
	if err := t.ledger.fault("LockAuction"); err != nil {
		return nil, err
	}
	return t.GetAuction(ctx, auctionID)
}

func (t *tx) LockTeam(ctx context.Context, auctionID, teamID int64) (*store.Team, error) {
	if err := t.ledger.fault("LockTeam"); err != nil {
		return nil, err
	}
	return t.FindActiveBidder(ctx, auctionID, teamID)
}

func (t *tx) ResetCurrentPlayers(_ context.Context, auctionID int64) error {
	if err := t.ledger.fault("ResetCurrentPlayers"); err != nil {
		return err
	}
	for id, p := range t.pool {
		if p.AuctionID == auctionID && p.Status == store.PlayerCurrent {
			p.Status = store.PlayerAvailable
			t.pool[id] = p
		}
	}
	return nil
}

func (t *tx) SetPlayerStatus(_ context.Context, auctionPlayerID int64, status store.PlayerStatus) error {
	if err := t.ledger.fault("SetPlayerStatus"); err != nil {
		return err
	}
	p, ok := t.pool[auctionPlayerID]
	if !ok {
		return fmt.Errorf("auction player %d: %w", auctionPlayerID, store.ErrNotFound)
	}
	p.Status = status
	t.pool[auctionPlayerID] = p
	return nil
}

func (t *tx) SetSpotlight(_ context.Context, auctionID int64, s *store.Spotlight) error {
	if err := t.ledger.fault("SetSpotlight"); err != nil {
		return err
	}
	a, ok := t.auctions[auctionID]
	if !ok {
		return fmt.Errorf("auction %d: %w", auctionID, store.ErrNotFound)
	}
	a.ApplySpotlight(s)
	t.auctions[auctionID] = a
	return nil
}

func (t *tx) SetStatus(_ context.Context, auctionID int64, status store.AuctionStatus, at time.Time) error {
	if err := t.ledger.fault("SetStatus"); err != nil {
		return err
	}
	a, ok := t.auctions[auctionID]
	if !ok {
		return fmt.Errorf("auction %d: %w", auctionID, store.ErrNotFound)
	}
	a.Status = status
	switch {
	case status == store.StatusLive && a.StartedAt == nil:
		a.StartedAt = &at
	case status == store.StatusCompleted:
		a.EndedAt = &at
	}
	t.auctions[auctionID] = a
	return nil
}

func (t *tx) AppendBid(_ context.Context, b *store.Bid) error {
	if err := t.ledger.fault("AppendBid"); err != nil {
		return err
	}
	b.ID = t.id()
	b.IsWinning = false
	if b.CreatedAt.IsZero() {
		b.CreatedAt = t.ledger.clock.Now()
	}
	t.bids = append(t.bids, *b)
	return nil
}

func (t *tx) MarkWinningBid(_ context.Context, auctionPlayerID, teamID int64, amount decimal.Decimal) error {
	if err := t.ledger.fault("MarkWinningBid"); err != nil {
		return err
	}
	for i := len(t.bids) - 1; i >= 0; i-- {
		b := t.bids[i]
		if b.AuctionPlayerID == auctionPlayerID && b.TeamID == teamID && b.Amount.Equal(amount) {
			t.bids[i].IsWinning = true
			return nil
		}
	}
	return fmt.Errorf("bid by team %d on player %d for %s: %w", teamID, auctionPlayerID, amount, store.ErrNotFound)
}

func (t *tx) SettleSale(_ context.Context, s store.Settlement) error {
	if err := t.ledger.fault("SettleSale"); err != nil {
		return err
	}
	p, ok := t.pool[s.AuctionPlayerID]
	if !ok || p.AuctionID != s.AuctionID || p.Status != store.PlayerCurrent {
		return fmt.Errorf("current auction player %d: %w", s.AuctionPlayerID, store.ErrNotFound)
	}
	team, ok := t.teams[s.TeamID]
	if !ok || team.AuctionID != s.AuctionID {
		return fmt.Errorf("team %d in auction %d: %w", s.TeamID, s.AuctionID, store.ErrNotFound)
	}
	if team.PurseRemaining.LessThan(s.Amount) {
		return fmt.Errorf("debiting team %d by %s: %w", s.TeamID, s.Amount, store.ErrInsufficientPurse)
	}

	teamID := s.TeamID
	p.Status = store.PlayerSold
	p.SoldFor = decimal.NewNullDecimal(s.Amount)
	p.SoldToTeamID = &teamID
	t.pool[p.ID] = p

	team.PurseRemaining = team.PurseRemaining.Sub(s.Amount)
	t.teams[team.ID] = team

	entry := store.RosterEntry{
		ID:              t.id(),
		TeamID:          s.TeamID,
		AuctionPlayerID: p.ID,
		BoughtFor:       s.Amount,
		CreatedAt:       s.At,
	}
	switch id := p.Identity.(type) {
	case store.CanonicalPlayer:
		pid := id.PlayerID
		entry.PlayerID = &pid
	case store.CustomPlayer:
		name := id.Name
		entry.CustomPlayerName = &name
	}
	t.roster = append(t.roster, entry)

	t.transfers = append(t.transfers, store.Transfer{
		ID:              t.id(),
		AuctionID:       s.AuctionID,
		AuctionPlayerID: p.ID,
		ToTeamID:        s.TeamID,
		Amount:          s.Amount,
		TransferType:    "auction",
		CreatedAt:       s.At,
	})

	a := t.auctions[s.AuctionID]
	a.ApplySpotlight(nil)
	t.auctions[s.AuctionID] = a
	return nil
}

func (t *tx) MarkUnsold(_ context.Context, auctionID, auctionPlayerID int64) error {
	if err := t.ledger.fault("MarkUnsold"); err != nil {
		return err
	}
	p, ok := t.pool[auctionPlayerID]
	if !ok || p.AuctionID != auctionID || p.Status != store.PlayerCurrent {
		return fmt.Errorf("current auction player %d: %w", auctionPlayerID, store.ErrNotFound)
	}
	p.Status = store.PlayerUnsold
	t.pool[auctionPlayerID] = p

	a := t.auctions[auctionID]
	a.ApplySpotlight(nil)
	t.auctions[auctionID] = a
	return nil
}
