// Package auth verifies connection credentials and resolves what a user
// may do inside one auction.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/jensholdgaard/cricket-auctiond/internal/store"
)

// Role is a user's coarse permission level inside one auction.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleTeamOwner Role = "team_owner"
	RoleSpectator Role = "spectator"
)

// Websocket close codes for connect-time failures.
const (
	CloseUnauthenticated = 4001
	CloseNotAuthorized   = 4003
	CloseAuctionNotFound = 4004
)

var (
	ErrUnauthenticated  = errors.New("authentication required")
	ErrAuctionNotFound  = errors.New("auction not found")
	ErrNotAuthorized    = errors.New("not authorized for this auction")
	errUnexpectedMethod = errors.New("unexpected signing method")
)

// CloseCode maps an Authorize error to the websocket close code that
// reports it. The boolean is false for errors with no dedicated code.
func CloseCode(err error) (int, bool) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return CloseUnauthenticated, true
	case errors.Is(err, ErrAuctionNotFound):
		return CloseAuctionNotFound, true
	case errors.Is(err, ErrNotAuthorized):
		return CloseNotAuthorized, true
	default:
		return 0, false
	}
}

// Identity is what a connection is allowed to do in one auction.
type Identity struct {
	UserID int64
	Role   Role
	// TeamID is the team a team owner bids for. Admins who also own a
	// team carry it as their default bidding team.
	TeamID *int64
}

// Claims are the credential claims. Subject holds the user id.
type Claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 tokens and consults the ledger for
// auction access.
type Authenticator struct {
	secret  []byte
	issuer  string
	members MembershipReader
}

// MembershipReader is the ledger query Authorize needs.
type MembershipReader interface {
	Membership(ctx context.Context, auctionID, userID int64) (*store.Membership, error)
}

// NewAuthenticator returns an Authenticator. An empty issuer disables the
// issuer check.
func NewAuthenticator(secret, issuer string, members MembershipReader) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, members: members}
}

// Verify parses and validates token and returns its claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errUnexpectedMethod
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return claims, nil
}

// Authorize resolves the identity for token in auctionID. Global admins
// and the auction owner are admins. Everyone else needs an access grant;
// granted users who own a team in the auction are team owners, the rest
// spectators.
func (a *Authenticator) Authorize(ctx context.Context, token string, auctionID int64) (*Identity, error) {
	claims, err := a.Verify(token)
	if err != nil {
		return nil, err
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("%w: subject %q is not a user id", ErrUnauthenticated, claims.Subject)
	}

	m, err := a.members.Membership(ctx, auctionID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading membership: %w", err)
	}

	admin := claims.Admin || m.AuctionOwnerID == userID
	if !admin && !m.Granted {
		return nil, ErrNotAuthorized
	}

	id := &Identity{UserID: userID, Role: RoleSpectator, TeamID: m.TeamID}
	switch {
	case admin:
		id.Role = RoleAdmin
	case m.TeamID != nil:
		id.Role = RoleTeamOwner
	}
	return id, nil
}

// Sign issues a token for userID valid for ttl.
func (a *Authenticator) Sign(userID int64, admin bool, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
