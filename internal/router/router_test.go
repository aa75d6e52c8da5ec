package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/cricket-auctiond/internal/auction"
	"github.com/jensholdgaard/cricket-auctiond/internal/auth"
	"github.com/jensholdgaard/cricket-auctiond/internal/clock"
	"github.com/jensholdgaard/cricket-auctiond/internal/event"
	"github.com/jensholdgaard/cricket-auctiond/internal/hub"
	"github.com/jensholdgaard/cricket-auctiond/internal/metrics"
	"github.com/jensholdgaard/cricket-auctiond/internal/router"
	"github.com/jensholdgaard/cricket-auctiond/internal/store"
	"github.com/jensholdgaard/cricket-auctiond/internal/store/memory"
)

type fixture struct {
	router    *router.Router
	hub       *hub.Hub
	ledger    *memory.Ledger
	auctionID int64
	teamA     int64
	teamB     int64
	players   []int64

	admin     *hub.Conn
	ownerA    *hub.Conn
	ownerB    *hub.Conn
	spectator *hub.Conn
}

// newFixture seeds a draft auction with teams A and B (purse 10) and two
// pool players at base price 1, and connects one client per role.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewMock(time.Date(2026, 3, 22, 19, 30, 0, 0, time.UTC))
	l := memory.New(clk, 100*time.Millisecond)

	a := &store.Auction{Name: "Premier Draft", OwnerID: 1, BasePriceDefault: decimal.NewFromInt(1)}
	if err := l.CreateAuction(ctx, a); err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}
	f := &fixture{ledger: l, auctionID: a.ID}
	for i, code := range []string{"CSK", "MI"} {
		team := &store.Team{AuctionID: a.ID, OwnerID: int64(10 + i), Name: code, Code: code, InitialPurse: decimal.NewFromInt(10)}
		if err := l.CreateTeam(ctx, team); err != nil {
			t.Fatalf("CreateTeam: %v", err)
		}
		if i == 0 {
			f.teamA = team.ID
		} else {
			f.teamB = team.ID
		}
	}
	for _, name := range []string{"Opening Bat", "Leg Spinner"} {
		p := &store.AuctionPlayer{AuctionID: a.ID, Identity: store.CustomPlayer{Name: name}}
		if err := l.AddPoolPlayer(ctx, p); err != nil {
			t.Fatalf("AddPoolPlayer: %v", err)
		}
		f.players = append(f.players, p.ID)
	}

	tp := noop.NewTracerProvider()
	m := metrics.New(prometheus.NewRegistry())
	factory := func(ctx context.Context, auctionID int64) (*auction.Machine, error) {
		return auction.NewMachine(ctx, auctionID, l, event.Nop{}, slog.Default(), tp, clk)
	}
	f.hub = hub.New(factory, 64, slog.Default(), tp, m)
	f.router = router.New(f.hub, slog.Default(), tp, m)

	f.admin = f.connect(t, auth.Identity{UserID: 1, Role: auth.RoleAdmin})
	f.ownerA = f.connect(t, auth.Identity{UserID: 10, Role: auth.RoleTeamOwner, TeamID: &f.teamA})
	f.ownerB = f.connect(t, auth.Identity{UserID: 11, Role: auth.RoleTeamOwner, TeamID: &f.teamB})
	f.spectator = f.connect(t, auth.Identity{UserID: 20, Role: auth.RoleSpectator})
	f.drainAll(t)
	return f
}

func (f *fixture) connect(t *testing.T, id auth.Identity) *hub.Conn {
	t.Helper()
	c, err := f.hub.Connect(context.Background(), f.auctionID, id)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

func (f *fixture) all() []*hub.Conn { return []*hub.Conn{f.admin, f.ownerA, f.ownerB, f.spectator} }

func (f *fixture) drainAll(t *testing.T) {
	t.Helper()
	for _, c := range f.all() {
		drain(t, c)
	}
}

func (f *fixture) send(c *hub.Conn, raw string) {
	f.router.Handle(context.Background(), c, []byte(raw))
}

// mustSend handles raw from c and requires that no error reply came back.
func (f *fixture) mustSend(t *testing.T, c *hub.Conn, raw string) {
	t.Helper()
	f.send(c, raw)
	for _, m := range drain(t, c) {
		if m["type"] == "error" {
			t.Fatalf("%s: error reply %v", raw, m)
		}
	}
	f.drainAll(t)
}

func drain(t *testing.T, c *hub.Conn) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case b := <-c.Send():
			var m map[string]any
			if err := json.Unmarshal(b, &m); err != nil {
				t.Fatalf("bad frame %s: %v", b, err)
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func types(frames []map[string]any) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f["type"].(string))
	}
	return out
}

// onlyError requires c to have received exactly one error reply and
// every other connection nothing.
func (f *fixture) onlyError(t *testing.T, c *hub.Conn, code, message string) {
	t.Helper()
	frames := drain(t, c)
	if len(frames) != 1 || frames[0]["type"] != "error" {
		t.Fatalf("sender frames = %v, want one error", frames)
	}
	if frames[0]["code"] != code {
		t.Errorf("code = %v, want %s", frames[0]["code"], code)
	}
	if message != "" && frames[0]["message"] != message {
		t.Errorf("message = %q, want %q", frames[0]["message"], message)
	}
	for _, other := range f.all() {
		if other == c {
			continue
		}
		if got := drain(t, other); len(got) != 0 {
			t.Errorf("bystander %d received %v", other.Identity().UserID, types(got))
		}
	}
}

func TestHandle_AdminOnlyMessages(t *testing.T) {
	msgs := []string{
		`{"type":"auction:start"}`,
		`{"type":"auction:pause"}`,
		`{"type":"auction:resume"}`,
		`{"type":"auction:complete"}`,
		`{"type":"player:present","data":{"auction_player_id":1}}`,
		`{"type":"player:sell"}`,
		`{"type":"player:unsold"}`,
	}
	for _, raw := range msgs {
		t.Run(raw, func(t *testing.T) {
			f := newFixture(t)
			for _, c := range []*hub.Conn{f.ownerA, f.spectator} {
				f.send(c, raw)
				f.onlyError(t, c, "forbidden", "Admin access required")
			}
			st, _ := f.ledger.GetAuction(context.Background(), f.auctionID)
			if st.Status != store.StatusDraft {
				t.Errorf("status = %s after forbidden message, want draft", st.Status)
			}
		})
	}
}

func TestHandle_StatusChangeBroadcastsState(t *testing.T) {
	f := newFixture(t)
	f.send(f.admin, `{"type":"auction:start"}`)
	for _, c := range f.all() {
		if got := types(drain(t, c)); len(got) != 1 || got[0] != "state:update" {
			t.Errorf("user %d frames = %v, want one state:update", c.Identity().UserID, got)
		}
	}
}

func TestHandle_BidAuthorization(t *testing.T) {
	tests := []struct {
		name    string
		from    func(f *fixture) *hub.Conn
		raw     func(f *fixture) string
		code    string
		message string
	}{
		{
			name:    "spectator",
			from:    func(f *fixture) *hub.Conn { return f.spectator },
			raw:     func(*fixture) string { return `{"type":"bid:place","data":{"amount":1}}` },
			code:    "forbidden",
			message: "Must own a team to bid",
		},
		{
			name:    "owner bidding for another team",
			from:    func(f *fixture) *hub.Conn { return f.ownerA },
			raw:     func(f *fixture) string { return fmt.Sprintf(`{"type":"bid:place","data":{"team_id":%d,"amount":1}}`, f.teamB) },
			code:    "forbidden",
			message: "Can only bid for your own team",
		},
		{
			name:    "admin without team",
			from:    func(f *fixture) *hub.Conn { return f.admin },
			raw:     func(*fixture) string { return `{"type":"bid:place","data":{"amount":1}}` },
			code:    "bad_request",
			message: "team_id and amount required",
		},
		{
			name: "missing amount",
			from: func(f *fixture) *hub.Conn { return f.ownerA },
			raw:  func(*fixture) string { return `{"type":"bid:place","data":{}}` },
			code: "bad_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.mustSend(t, f.admin, `{"type":"auction:start"}`)
			f.mustSend(t, f.admin, fmt.Sprintf(`{"type":"player:present","data":{"auction_player_id":%d}}`, f.players[0]))

			c := tt.from(f)
			f.send(c, tt.raw(f))
			f.onlyError(t, c, tt.code, tt.message)
		})
	}
}

func TestHandle_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.mustSend(t, f.admin, `{"type":"auction:start"}`)
	f.mustSend(t, f.admin, fmt.Sprintf(`{"type":"player:present","data":{"auction_player_id":%d}}`, f.players[0]))

	// Team owner bids with the team taken from the connection.
	f.send(f.ownerA, `{"type":"bid:place","data":{"amount":1.0}}`)
	for _, c := range f.all() {
		frames := drain(t, c)
		if got := types(frames); len(got) != 2 || got[0] != "bid:new" || got[1] != "state:update" {
			t.Fatalf("user %d frames = %v, want bid:new then state:update", c.Identity().UserID, got)
		}
		if frames[0]["next_minimum"] != 1.1 {
			t.Errorf("next_minimum = %v, want 1.1", frames[0]["next_minimum"])
		}
	}

	// Legacy top-level payload.
	f.send(f.ownerB, fmt.Sprintf(`{"type":"bid:place","team_id":%d,"amount":1.10}`, f.teamB))
	frames := drain(t, f.spectator)
	if len(frames) != 2 || frames[0]["next_minimum"] != 1.2 {
		t.Fatalf("spectator frames = %v", frames)
	}
	f.drainAll(t)

	f.send(f.ownerA, `{"type":"bid:place","data":{"amount":1.0}}`)
	f.onlyError(t, f.ownerA, "invalid_bid", "bid too low: bid must be at least 1.20")

	f.send(f.admin, `{"type":"player:sell"}`)
	for _, c := range f.all() {
		frames := drain(t, c)
		if got := types(frames); len(got) != 2 || got[0] != "player:sold" || got[1] != "state:update" {
			t.Fatalf("user %d frames = %v, want player:sold then state:update", c.Identity().UserID, got)
		}
		if frames[0]["sold_for"] != 1.1 || frames[0]["team_id"] != float64(f.teamB) {
			t.Errorf("player:sold = %v", frames[0])
		}
		teams := frames[1]["data"].(map[string]any)["teams"].([]any)
		if purse := teams[1].(map[string]any)["purse"]; purse != 8.9 {
			t.Errorf("team B purse = %v, want 8.9", purse)
		}
	}
}

func TestHandle_SubCentBidRejected(t *testing.T) {
	f := newFixture(t)
	f.mustSend(t, f.admin, `{"type":"auction:start"}`)
	f.mustSend(t, f.admin, fmt.Sprintf(`{"type":"player:present","data":{"auction_player_id":%d}}`, f.players[0]))

	f.send(f.ownerA, `{"type":"bid:place","data":{"amount":1.004}}`)
	f.onlyError(t, f.ownerA, "invalid_bid", "amount must have at most 2 decimal places")

	// The next valid bid is still judged against the base price.
	f.send(f.ownerB, `{"type":"bid:place","data":{"amount":1.0}}`)
	frames := drain(t, f.spectator)
	if len(frames) != 2 || frames[0]["amount"] != 1.0 || frames[0]["next_minimum"] != 1.1 {
		t.Fatalf("spectator frames = %v", frames)
	}
}

func TestHandle_AdminBidsForAnyTeam(t *testing.T) {
	f := newFixture(t)
	f.mustSend(t, f.admin, `{"type":"auction:start"}`)
	f.mustSend(t, f.admin, fmt.Sprintf(`{"type":"player:present","data":{"auction_player_id":%d}}`, f.players[0]))

	f.send(f.admin, fmt.Sprintf(`{"type":"bid:place","data":{"team_id":%d,"amount":2}}`, f.teamB))
	frames := drain(t, f.ownerB)
	if len(frames) != 2 || frames[0]["type"] != "bid:new" || frames[0]["team_id"] != float64(f.teamB) {
		t.Fatalf("frames = %v, want bid:new for team B", frames)
	}
}

func TestHandle_StateErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     func(f *fixture) string
		code    string
		message string
	}{
		{
			name:    "sell without spotlight",
			raw:     func(*fixture) string { return `{"type":"player:sell"}` },
			code:    "invalid_state",
			message: "no player is currently being auctioned",
		},
		{
			name:    "present unknown player",
			raw:     func(*fixture) string { return `{"type":"player:present","data":{"auction_player_id":999}}` },
			code:    "not_found",
			message: "player not found in auction pool",
		},
		{
			name: "resume live auction",
			raw:  func(*fixture) string { return `{"type":"auction:resume"}` },
			code: "invalid_state",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.mustSend(t, f.admin, `{"type":"auction:start"}`)
			f.send(f.admin, tt.raw(f))
			f.onlyError(t, f.admin, tt.code, tt.message)
		})
	}
}

func TestHandle_SellWithoutBids(t *testing.T) {
	f := newFixture(t)
	f.mustSend(t, f.admin, `{"type":"auction:start"}`)
	f.mustSend(t, f.admin, fmt.Sprintf(`{"type":"player:present","data":{"auction_player_id":%d}}`, f.players[0]))
	f.send(f.admin, `{"type":"player:sell"}`)
	f.onlyError(t, f.admin, "invalid_state", "no bids placed, cannot sell")
}

func TestHandle_MalformedFrames(t *testing.T) {
	tests := []struct {
		raw     string
		code    string
		message string
	}{
		{raw: `{not json`, code: "bad_request", message: "invalid JSON"},
		{raw: `{"data":{}}`, code: "bad_request", message: "missing message type"},
		{raw: `{"type":"player:trade"}`, code: "unknown_type", message: "unknown message type: player:trade"},
		{raw: `{"type":"player:present","data":{}}`, code: "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			f := newFixture(t)
			f.send(f.spectator, tt.raw)
			f.onlyError(t, f.spectator, tt.code, tt.message)
		})
	}
}

func TestHandle_StateRequest(t *testing.T) {
	f := newFixture(t)
	f.send(f.spectator, `{"type":"state:request"}`)
	frames := drain(t, f.spectator)
	if len(frames) != 1 || frames[0]["type"] != "state:update" {
		t.Fatalf("frames = %v, want one state:update", frames)
	}
	data := frames[0]["data"].(map[string]any)
	if data["status"] != "draft" || data["available_players"] != 2.0 {
		t.Errorf("state = %v", data)
	}
	for _, c := range []*hub.Conn{f.admin, f.ownerA, f.ownerB} {
		if got := drain(t, c); len(got) != 0 {
			t.Errorf("bystander received %v", types(got))
		}
	}
}

func TestHandle_StorageFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	f.mustSend(t, f.admin, `{"type":"auction:start"}`)
	f.mustSend(t, f.admin, fmt.Sprintf(`{"type":"player:present","data":{"auction_player_id":%d}}`, f.players[0]))
	f.mustSend(t, f.ownerA, `{"type":"bid:place","data":{"amount":1}}`)

	f.ledger.FailNext("SettleSale", errors.New("connection reset by peer"))
	f.send(f.admin, `{"type":"player:sell"}`)
	f.onlyError(t, f.admin, "internal", "internal error")
}

func TestHandle_LockTimeoutIsBusy(t *testing.T) {
	f := newFixture(t)
	f.mustSend(t, f.admin, `{"type":"auction:start"}`)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = f.ledger.WithinTx(context.Background(), func(context.Context, store.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	f.send(f.admin, `{"type":"auction:pause"}`)
	f.onlyError(t, f.admin, "busy", "")
}
