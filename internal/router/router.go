// Package router dispatches decoded client messages to the auction
// state machine on behalf of an authenticated connection.
package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/cricket-auctiond/internal/auction"
	"github.com/jensholdgaard/cricket-auctiond/internal/auth"
	"github.com/jensholdgaard/cricket-auctiond/internal/hub"
	"github.com/jensholdgaard/cricket-auctiond/internal/metrics"
	"github.com/jensholdgaard/cricket-auctiond/internal/protocol"
	"github.com/jensholdgaard/cricket-auctiond/internal/telemetry"
)

// Reply messages for authorization and payload failures.
const (
	msgAdminRequired = "Admin access required"
	msgMustOwnTeam   = "Must own a team to bid"
	msgOwnTeamOnly   = "Can only bid for your own team"
	msgTeamRequired  = "team_id and amount required"
	msgInternal      = "internal error"
	msgBusy          = "auction is busy, please retry"
)

// Router handles inbound frames.
type Router struct {
	hub     *hub.Hub
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// New returns a Router that applies operations through h.
func New(h *hub.Hub, logger *slog.Logger, tp trace.TracerProvider, m *metrics.Metrics) *Router {
	return &Router{
		hub:     h,
		logger:  logger,
		tracer:  tp.Tracer("github.com/jensholdgaard/cricket-auctiond/internal/router"),
		metrics: m,
	}
}

// Handle decodes and runs one frame from c. Failures are replied to c
// alone; successful mutations are broadcast to the whole auction.
func (r *Router) Handle(ctx context.Context, c *hub.Conn, raw []byte) {
	started := time.Now()

	msg, err := protocol.Decode(raw)
	if err != nil {
		code := protocol.CodeBadRequest
		var unknown *protocol.UnknownTypeError
		typ := "invalid"
		if errors.As(err, &unknown) {
			code, typ = protocol.CodeUnknownType, "unknown"
		}
		r.reply(c, protocol.NewError(err.Error(), code))
		r.metrics.Message(typ, metrics.OutcomeRejected, time.Since(started))
		return
	}

	id := c.Identity()
	ctx, span := r.tracer.Start(ctx, "Router.Handle", trace.WithAttributes(
		attribute.String("message.type", msg.Type()),
		attribute.Int64("auction.id", c.AuctionID()),
		attribute.Int64("user.id", id.UserID),
		attribute.String("user.role", string(id.Role)),
	))
	defer span.End()

	outcome := r.dispatch(ctx, c, msg)
	if outcome == metrics.OutcomeError {
		span.SetStatus(codes.Error, "message failed")
	}
	r.metrics.Message(msg.Type(), outcome, time.Since(started))
}

func (r *Router) dispatch(ctx context.Context, c *hub.Conn, msg protocol.Inbound) string {
	id := c.Identity()
	if msg.AdminOnly() && id.Role != auth.RoleAdmin {
		return r.forbid(ctx, c, msg, msgAdminRequired)
	}

	var op hub.Op
	switch m := msg.(type) {
	case protocol.StateRequest:
		return r.result(ctx, c, msg, r.hub.SendState(ctx, c))
	case protocol.AuctionStart:
		op = statusOp((*auction.Machine).Start)
	case protocol.AuctionPause:
		op = statusOp((*auction.Machine).Pause)
	case protocol.AuctionResume:
		op = statusOp((*auction.Machine).Resume)
	case protocol.AuctionComplete:
		op = statusOp((*auction.Machine).Complete)
	case protocol.PlayerPresent:
		op = func(ctx context.Context, am *auction.Machine) ([]any, error) {
			_, err := am.PresentPlayer(ctx, m.AuctionPlayerID)
			return nil, err
		}
	case protocol.PlayerSell:
		op = func(ctx context.Context, am *auction.Machine) ([]any, error) {
			res, err := am.SellPlayer(ctx)
			if err != nil {
				return nil, err
			}
			return []any{protocol.NewPlayerSold(res)}, nil
		}
	case protocol.PlayerUnsold:
		op = func(ctx context.Context, am *auction.Machine) ([]any, error) {
			_, err := am.UnsoldPlayer(ctx)
			return nil, err
		}
	case protocol.BidPlace:
		teamID, reason, code := bidTeam(id, m)
		if reason != "" {
			if code == protocol.CodeForbidden {
				return r.forbid(ctx, c, msg, reason)
			}
			r.reply(c, protocol.NewError(reason, code))
			return metrics.OutcomeRejected
		}
		op = func(ctx context.Context, am *auction.Machine) ([]any, error) {
			res, err := am.PlaceBid(ctx, teamID, m.Amount)
			if err != nil {
				return nil, err
			}
			return []any{protocol.NewBidNew(res)}, nil
		}
	default:
		r.reply(c, protocol.NewError((&protocol.UnknownTypeError{Type: msg.Type()}).Error(), protocol.CodeUnknownType))
		return metrics.OutcomeRejected
	}

	return r.result(ctx, c, msg, r.hub.Apply(ctx, c, op))
}

func statusOp(fn func(*auction.Machine, context.Context) error) hub.Op {
	return func(ctx context.Context, m *auction.Machine) ([]any, error) {
		return nil, fn(m, ctx)
	}
}

// bidTeam resolves which team a bid is for. Admins may bid for any team;
// team owners only for their own. An empty reason means the bid may go
// ahead.
func bidTeam(id auth.Identity, m protocol.BidPlace) (teamID int64, reason, code string) {
	if id.Role != auth.RoleAdmin && id.Role != auth.RoleTeamOwner {
		return 0, msgMustOwnTeam, protocol.CodeForbidden
	}
	switch {
	case m.TeamID != nil:
		teamID = *m.TeamID
	case id.TeamID != nil:
		teamID = *id.TeamID
	default:
		return 0, msgTeamRequired, protocol.CodeBadRequest
	}
	if id.Role == auth.RoleTeamOwner && (id.TeamID == nil || *id.TeamID != teamID) {
		return 0, msgOwnTeamOnly, protocol.CodeForbidden
	}
	return teamID, "", ""
}

func (r *Router) forbid(ctx context.Context, c *hub.Conn, msg protocol.Inbound, reason string) string {
	r.logger.InfoContext(ctx, "message forbidden",
		slog.String("type", msg.Type()),
		slog.Int64("auction_id", c.AuctionID()),
		slog.Int64("user_id", c.Identity().UserID),
		slog.String("role", string(c.Identity().Role)),
	)
	r.reply(c, protocol.NewError(reason, protocol.CodeForbidden))
	return metrics.OutcomeRejected
}

// result replies to c when err is set and returns the outcome label.
func (r *Router) result(ctx context.Context, c *hub.Conn, msg protocol.Inbound, err error) string {
	if err == nil {
		return metrics.OutcomeOK
	}
	if errors.Is(err, hub.ErrConnGone) || errors.Is(err, hub.ErrClosed) {
		return metrics.OutcomeError
	}

	attrs := []any{
		slog.String("type", msg.Type()),
		slog.Int64("auction_id", c.AuctionID()),
		slog.Int64("user_id", c.Identity().UserID),
		slog.Any("error", err),
	}
	switch kind := auction.KindOf(err); kind {
	case auction.KindInternal:
		telemetry.LogWithTrace(ctx, r.logger).ErrorContext(ctx, "message failed", attrs...)
		r.reply(c, protocol.NewError(msgInternal, protocol.CodeInternal))
		return metrics.OutcomeError
	case auction.KindBusy:
		r.logger.WarnContext(ctx, "auction lock timed out", attrs...)
		r.reply(c, protocol.NewError(msgBusy, protocol.CodeBusy))
		return metrics.OutcomeError
	default:
		r.logger.DebugContext(ctx, "message rejected", attrs...)
		r.reply(c, protocol.NewError(err.Error(), kind.String()))
		return metrics.OutcomeRejected
	}
}

func (r *Router) reply(c *hub.Conn, msg protocol.Error) {
	if err := r.hub.Send(c, msg); err != nil {
		r.logger.Error("encoding reply", slog.Any("error", err))
	}
}
