package auction_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/cricket-auctiond/internal/auction"
	"github.com/jensholdgaard/cricket-auctiond/internal/clock"
	"github.com/jensholdgaard/cricket-auctiond/internal/event"
	"github.com/jensholdgaard/cricket-auctiond/internal/store"
	"github.com/jensholdgaard/cricket-auctiond/internal/store/memory"
)

var start = time.Date(2026, 3, 22, 19, 30, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(_ context.Context, events ...event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recorder) types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	ledger    *memory.Ledger
	machine   *auction.Machine
	events    *recorder
	clock     *clock.Mock
	auctionID int64
	teamA     int64
	teamB     int64
	players   []int64
}

type fixtureOpts struct {
	draft    bool
	teams    int
	pool     int // negative for an empty pool
	bidTiers string
}

// newFixture builds an auction with base price 1.0 and teams of purse 10.
// Unless draft is set the auction is started.
func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	ctx := context.Background()
	if opts.teams == 0 {
		opts.teams = 2
	}
	if opts.pool == 0 {
		opts.pool = 3
	}

	clk := clock.NewMock(start)
	l := memory.New(clk, time.Second)
	f := &fixture{ledger: l, events: &recorder{}, clock: clk}

	a := &store.Auction{Name: "Premier Draft", OwnerID: 1, BasePriceDefault: decimal.NewFromInt(1)}
	if opts.bidTiers != "" {
		a.BidTiers = []byte(opts.bidTiers)
	}
	if err := l.CreateAuction(ctx, a); err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}
	f.auctionID = a.ID

	codes := []string{"CSK", "MI", "RCB"}
	names := []string{"Chennai", "Mumbai", "Bangalore"}
	for i := 0; i < opts.teams && i < len(codes); i++ {
		team := &store.Team{AuctionID: a.ID, OwnerID: int64(10 + i), Name: names[i], Code: codes[i], InitialPurse: decimal.NewFromInt(10)}
		if err := l.CreateTeam(ctx, team); err != nil {
			t.Fatalf("CreateTeam: %v", err)
		}
		switch i {
		case 0:
			f.teamA = team.ID
		case 1:
			f.teamB = team.ID
		}
	}

	for i := 0; i < opts.pool; i++ {
		p := &store.AuctionPlayer{AuctionID: a.ID, Identity: store.CustomPlayer{Name: poolNames[i%len(poolNames)]}}
		if err := l.AddPoolPlayer(ctx, p); err != nil {
			t.Fatalf("AddPoolPlayer: %v", err)
		}
		f.players = append(f.players, p.ID)
	}

	m, err := auction.NewMachine(ctx, a.ID, l, f.events, slog.Default(), noop.NewTracerProvider(), clk)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	f.machine = m

	if !opts.draft {
		if err := m.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	return f
}

var poolNames = []string{"Opening Bat", "Leg Spinner", "Wicket Keeper", "Pace Bowler"}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fixture) present(t *testing.T, idx int) {
	t.Helper()
	if _, err := f.machine.PresentPlayer(context.Background(), f.players[idx]); err != nil {
		t.Fatalf("PresentPlayer(%d): %v", idx, err)
	}
}

func (f *fixture) bid(t *testing.T, teamID int64, amount string) *auction.BidResult {
	t.Helper()
	res, err := f.machine.PlaceBid(context.Background(), teamID, dec(amount))
	if err != nil {
		t.Fatalf("PlaceBid(team %d, %s): %v", teamID, amount, err)
	}
	return res
}

func (f *fixture) purse(t *testing.T, teamID int64) decimal.Decimal {
	t.Helper()
	team, err := f.ledger.FindActiveBidder(context.Background(), f.auctionID, teamID)
	if err != nil {
		t.Fatalf("FindActiveBidder: %v", err)
	}
	return team.PurseRemaining
}

func (f *fixture) player(t *testing.T, id int64) *store.AuctionPlayer {
	t.Helper()
	p, err := f.ledger.GetAuctionPlayer(context.Background(), f.auctionID, id)
	if err != nil {
		t.Fatalf("GetAuctionPlayer: %v", err)
	}
	return p
}
