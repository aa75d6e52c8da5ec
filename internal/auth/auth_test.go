package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/cricket-auctiond/internal/auth"
	"github.com/jensholdgaard/cricket-auctiond/internal/clock"
	"github.com/jensholdgaard/cricket-auctiond/internal/store"
	"github.com/jensholdgaard/cricket-auctiond/internal/store/memory"
)

const secret = "test-secret"

type fixture struct {
	auth      *auth.Authenticator
	auctionID int64
	teamID    int64
}

// Users: 1 owns the auction, 2 owns a team and holds a grant, 3 holds a
// grant only, 4 owns a team without a grant, 5 has no relation.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	l := memory.New(clock.Real{}, time.Second)

	a := &store.Auction{Name: "Premier Draft", OwnerID: 1}
	if err := l.CreateAuction(ctx, a); err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}
	team := &store.Team{AuctionID: a.ID, OwnerID: 2, Name: "Chennai", Code: "CSK", InitialPurse: decimal.NewFromInt(100)}
	if err := l.CreateTeam(ctx, team); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	other := &store.Team{AuctionID: a.ID, OwnerID: 4, Name: "Mumbai", Code: "MI", InitialPurse: decimal.NewFromInt(100)}
	if err := l.CreateTeam(ctx, other); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	for _, user := range []int64{2, 3} {
		if err := l.GrantAccess(ctx, a.ID, user); err != nil {
			t.Fatalf("GrantAccess: %v", err)
		}
	}
	return &fixture{auth: auth.NewAuthenticator(secret, "", l), auctionID: a.ID, teamID: team.ID}
}

func (f *fixture) token(t *testing.T, userID int64, admin bool) string {
	t.Helper()
	tok, err := f.auth.Sign(userID, admin, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return tok
}

func TestAuthorize_Roles(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		userID   int64
		admin    bool
		wantRole auth.Role
		wantTeam bool
		wantErr  error
	}{
		{name: "auction owner", userID: 1, wantRole: auth.RoleAdmin},
		{name: "global admin", userID: 5, admin: true, wantRole: auth.RoleAdmin},
		{name: "team owner", userID: 2, wantRole: auth.RoleTeamOwner, wantTeam: true},
		{name: "granted spectator", userID: 3, wantRole: auth.RoleSpectator},
		{name: "team owner without grant", userID: 4, wantErr: auth.ErrNotAuthorized},
		{name: "stranger", userID: 5, wantErr: auth.ErrNotAuthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := f.auth.Authorize(context.Background(), f.token(t, tt.userID, tt.admin), f.auctionID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Authorize() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authorize() unexpected error: %v", err)
			}
			if id.UserID != tt.userID || id.Role != tt.wantRole {
				t.Errorf("identity = %+v, want user %d role %s", id, tt.userID, tt.wantRole)
			}
			if tt.wantTeam && (id.TeamID == nil || *id.TeamID != f.teamID) {
				t.Errorf("TeamID = %v, want %d", id.TeamID, f.teamID)
			}
			if !tt.wantTeam && id.TeamID != nil {
				t.Errorf("TeamID = %d, want nil", *id.TeamID)
			}
		})
	}
}

func TestAuthorize_Failures(t *testing.T) {
	f := newFixture(t)

	expired, err := f.auth.Sign(2, false, time.Now().Add(-2*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	forged, err := auth.NewAuthenticator("other-secret", "", nil).Sign(2, true, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "2"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	tests := []struct {
		name      string
		token     string
		auctionID int64
		wantErr   error
		wantCode  int
	}{
		{name: "missing token", token: "", auctionID: f.auctionID, wantErr: auth.ErrUnauthenticated, wantCode: 4001},
		{name: "garbage", token: "not-a-token", auctionID: f.auctionID, wantErr: auth.ErrUnauthenticated, wantCode: 4001},
		{name: "expired", token: expired, auctionID: f.auctionID, wantErr: auth.ErrUnauthenticated, wantCode: 4001},
		{name: "wrong secret", token: forged, auctionID: f.auctionID, wantErr: auth.ErrUnauthenticated, wantCode: 4001},
		{name: "none algorithm", token: noneAlg, auctionID: f.auctionID, wantErr: auth.ErrUnauthenticated, wantCode: 4001},
		{name: "non-numeric subject", token: badSubject, auctionID: f.auctionID, wantErr: auth.ErrUnauthenticated, wantCode: 4001},
		{name: "unknown auction", token: f.token(t, 1, false), auctionID: 999, wantErr: auth.ErrAuctionNotFound, wantCode: 4004},
		{name: "not authorized", token: f.token(t, 5, false), auctionID: f.auctionID, wantErr: auth.ErrNotAuthorized, wantCode: 4003},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.auth.Authorize(context.Background(), tt.token, tt.auctionID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Authorize() error = %v, want %v", err, tt.wantErr)
			}
			code, ok := auth.CloseCode(err)
			if !ok || code != tt.wantCode {
				t.Errorf("CloseCode() = %d, %v, want %d", code, ok, tt.wantCode)
			}
		})
	}
}

func TestVerify_Issuer(t *testing.T) {
	a := auth.NewAuthenticator(secret, "auctiond", nil)
	tok, err := a.Sign(7, false, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := a.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "7" || claims.Issuer != "auctiond" {
		t.Errorf("claims = %+v", claims)
	}

	other, _ := auth.NewAuthenticator(secret, "someone-else", nil).Sign(7, false, time.Now(), time.Minute)
	if _, err := a.Verify(other); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Errorf("Verify(foreign issuer) error = %v, want ErrUnauthenticated", err)
	}
}

func TestCloseCode_Other(t *testing.T) {
	if _, ok := auth.CloseCode(errors.New("boom")); ok {
		t.Error("CloseCode() reported a code for an unrelated error")
	}
}
