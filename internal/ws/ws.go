// Package ws serves the auction websocket endpoint.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/jensholdgaard/cricket-auctiond/internal/auction"
	"github.com/jensholdgaard/cricket-auctiond/internal/auth"
	"github.com/jensholdgaard/cricket-auctiond/internal/config"
	"github.com/jensholdgaard/cricket-auctiond/internal/hub"
	"github.com/jensholdgaard/cricket-auctiond/internal/router"
)

// Authorizer resolves a connection credential to an identity.
type Authorizer interface {
	Authorize(ctx context.Context, token string, auctionID int64) (*auth.Identity, error)
}

// Handler upgrades requests on /auctions/{auctionID}/ws. The credential
// is read from the token query parameter.
type Handler struct {
	auth   Authorizer
	hub    *hub.Hub
	router *router.Router
	cfg    config.HubConfig
	logger *slog.Logger
}

// NewHandler returns a websocket Handler.
func NewHandler(a Authorizer, h *hub.Hub, r *router.Router, cfg config.HubConfig, logger *slog.Logger) *Handler {
	return &Handler{auth: a, hub: h, router: r, cfg: cfg, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket accept failed", slog.Any("error", err))
		return
	}
	if h.cfg.ReadLimit > 0 {
		conn.SetReadLimit(h.cfg.ReadLimit)
	}

	auctionID, err := strconv.ParseInt(chi.URLParam(r, "auctionID"), 10, 64)
	if err != nil || auctionID <= 0 {
		conn.Close(auth.CloseAuctionNotFound, "Auction not found")
		return
	}

	id, err := h.auth.Authorize(r.Context(), r.URL.Query().Get("token"), auctionID)
	if err != nil {
		h.reject(r.Context(), conn, auctionID, err)
		return
	}

	hc, err := h.hub.Connect(r.Context(), auctionID, *id)
	if err != nil {
		if errors.Is(err, auction.ErrAuctionNotFound) {
			err = auth.ErrAuctionNotFound
		}
		h.reject(r.Context(), conn, auctionID, err)
		return
	}
	defer h.hub.Disconnect(hc)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		h.writeLoop(ctx, conn, hc)
	}()

	h.readLoop(ctx, conn, hc)
	cancel()
	<-writerDone
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) reject(ctx context.Context, conn *websocket.Conn, auctionID int64, err error) {
	code, ok := auth.CloseCode(err)
	if !ok {
		h.logger.ErrorContext(ctx, "websocket connect failed",
			slog.Int64("auction_id", auctionID),
			slog.Any("error", err),
		)
		conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	h.logger.InfoContext(ctx, "websocket connection rejected",
		slog.Int64("auction_id", auctionID),
		slog.Int("code", code),
		slog.Any("error", err),
	)
	conn.Close(websocket.StatusCode(code), closeReason(err))
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return "Authentication required"
	case errors.Is(err, auth.ErrAuctionNotFound):
		return "Auction not found"
	default:
		return "Not authorized for this auction"
	}
}

// readLoop hands each frame to the router until the peer goes away.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, hc *hub.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					h.logger.DebugContext(ctx, "websocket read ended",
						slog.String("conn_id", hc.ID().String()),
						slog.Any("error", err),
					)
				}
			}
			return
		}
		h.router.Handle(ctx, hc, data)
	}
}

// writeLoop drains the connection's queue and sends heartbeats. It
// returns when ctx ends, a write fails, or the hub drops the connection.
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, hc *hub.Conn) {
	var heartbeat <-chan time.Time
	if h.cfg.HeartbeatInterval > 0 {
		t := time.NewTicker(h.cfg.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-hc.Done():
			conn.Close(websocket.StatusPolicyViolation, "connection dropped")
			return
		case b := <-hc.Send():
			if err := h.write(ctx, conn, b); err != nil {
				h.logger.DebugContext(ctx, "websocket write failed",
					slog.String("conn_id", hc.ID().String()),
					slog.Any("error", err),
				)
				return
			}
		case <-heartbeat:
			pingCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				h.logger.InfoContext(ctx, "websocket heartbeat failed",
					slog.String("conn_id", hc.ID().String()),
					slog.Any("error", err),
				)
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, b []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}
