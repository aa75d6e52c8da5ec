package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/jensholdgaard/cricket-auctiond/internal/store"
)

type grantKey struct {
	auctionID int64
	userID    int64
}

// state is one consistent version of the ledger. Records are held by value
// and pointer fields inside them are replaced, never written through, so a
// shallow copy of the maps is an independent snapshot.
type state struct {
	nextID    int64
	players   map[int64]string
	auctions  map[int64]store.Auction
	teams     map[int64]store.Team
	pool      map[int64]store.AuctionPlayer
	bids      []store.Bid
	roster    []store.RosterEntry
	transfers []store.Transfer
	grants    map[grantKey]bool
}

func newState() *state {
	return &state{
		players:  make(map[int64]string),
		auctions: make(map[int64]store.Auction),
		teams:    make(map[int64]store.Team),
		pool:     make(map[int64]store.AuctionPlayer),
		grants:   make(map[grantKey]bool),
	}
}

func (s *state) clone() *state {
	c := &state{
		nextID:    s.nextID,
		players:   make(map[int64]string, len(s.players)),
		auctions:  make(map[int64]store.Auction, len(s.auctions)),
		teams:     make(map[int64]store.Team, len(s.teams)),
		pool:      make(map[int64]store.AuctionPlayer, len(s.pool)),
		bids:      append([]store.Bid(nil), s.bids...),
		roster:    append([]store.RosterEntry(nil), s.roster...),
		transfers: append([]store.Transfer(nil), s.transfers...),
		grants:    make(map[grantKey]bool, len(s.grants)),
	}
	for k, v := range s.players {
		c.players[k] = v
	}
	for k, v := range s.auctions {
		c.auctions[k] = v
	}
	for k, v := range s.teams {
		c.teams[k] = v
	}
	for k, v := range s.pool {
		c.pool[k] = v
	}
	for k, v := range s.grants {
		c.grants[k] = v
	}
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *state) GetAuction(_ context.Context, auctionID int64) (*store.Auction, error) {
	a, ok := s.auctions[auctionID]
	if !ok {
		return nil, fmt.Errorf("auction %d: %w", auctionID, store.ErrNotFound)
	}
	return &a, nil
}

func (s *state) GetAuctionPlayer(_ context.Context, auctionID, auctionPlayerID int64) (*store.AuctionPlayer, error) {
	p, ok := s.pool[auctionPlayerID]
	if !ok || p.AuctionID != auctionID {
		return nil, fmt.Errorf("auction player %d: %w", auctionPlayerID, store.ErrNotFound)
	}
	return &p, nil
}

func (s *state) FindCurrentAuctionPlayer(_ context.Context, auctionID int64) (*store.AuctionPlayer, error) {
	var found *store.AuctionPlayer
	for _, p := range s.pool {
		if p.AuctionID != auctionID || p.Status != store.PlayerCurrent {
			continue
		}
		if found == nil || p.ID < found.ID {
			p := p
			found = &p
		}
	}
	if found == nil {
		return nil, fmt.Errorf("current player for auction %d: %w", auctionID, store.ErrNotFound)
	}
	return found, nil
}

func (s *state) FindActiveBidder(_ context.Context, auctionID, teamID int64) (*store.Team, error) {
	t, ok := s.teams[teamID]
	if !ok || t.AuctionID != auctionID {
		return nil, fmt.Errorf("team %d in auction %d: %w", teamID, auctionID, store.ErrNotFound)
	}
	return &t, nil
}

func (s *state) ListTeams(_ context.Context, auctionID int64) ([]store.TeamSummary, error) {
	sizes := make(map[int64]int)
	for _, r := range s.roster {
		sizes[r.TeamID]++
	}
	var out []store.TeamSummary
	for _, t := range s.teams {
		if t.AuctionID == auctionID {
			out = append(out, store.TeamSummary{Team: t, RosterSize: sizes[t.ID]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) PoolCounts(_ context.Context, auctionID int64) (store.PoolCounts, error) {
	var c store.PoolCounts
	for _, p := range s.pool {
		if p.AuctionID != auctionID {
			continue
		}
		switch p.Status {
		case store.PlayerAvailable:
			c.Available++
		case store.PlayerCurrent:
			c.Current++
		case store.PlayerSold:
			c.Sold++
		case store.PlayerUnsold:
			c.Unsold++
		}
	}
	return c, nil
}

func (s *state) ListBids(_ context.Context, auctionPlayerID int64) ([]store.Bid, error) {
	var out []store.Bid
	for _, b := range s.bids {
		if b.AuctionPlayerID == auctionPlayerID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *state) ListRoster(_ context.Context, teamID int64) ([]store.RosterEntry, error) {
	var out []store.RosterEntry
	for _, r := range s.roster {
		if r.TeamID == teamID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *state) ListTransfers(_ context.Context, auctionID int64) ([]store.Transfer, error) {
	var out []store.Transfer
	for _, t := range s.transfers {
		if t.AuctionID == auctionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *state) Membership(_ context.Context, auctionID, userID int64) (*store.Membership, error) {
	a, ok := s.auctions[auctionID]
	if !ok {
		return nil, fmt.Errorf("auction %d: %w", auctionID, store.ErrNotFound)
	}
	m := &store.Membership{
		AuctionOwnerID: a.OwnerID,
		Granted:        s.grants[grantKey{auctionID: auctionID, userID: userID}],
	}
	var teamID int64
	for _, t := range s.teams {
		if t.AuctionID == auctionID && t.OwnerID == userID && (teamID == 0 || t.ID < teamID) {
			teamID = t.ID
		}
	}
	if teamID != 0 {
		m.TeamID = &teamID
	}
	return m, nil
}
