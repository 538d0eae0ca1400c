package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"moviegate/internal/cart"
	"moviegate/internal/contracts"
	"moviegate/internal/gateway"
	"moviegate/internal/order"

	"github.com/google/uuid"
)

type Carts interface {
	Add(ctx context.Context, userID, movieID uuid.UUID) error
	Remove(ctx context.Context, userID, movieID uuid.UUID) error
	List(ctx context.Context, userID uuid.UUID) ([]cart.Item, error)
	Clear(ctx context.Context, userID uuid.UUID) error
}

type Orders interface {
	GetForUser(ctx context.Context, userID, orderID uuid.UUID) (*order.Order, error)
	ListByUser(ctx context.Context, userID uuid.UUID, status order.Status) ([]order.Order, error)
}

type Engine interface {
	Checkout(ctx context.Context, userID uuid.UUID, token string) (*order.Order, string, error)
	HandleEvent(ctx context.Context, evt contracts.PaymentEvent) error
	Cancel(ctx context.Context, userID, orderID uuid.UUID) (*order.Order, error)
	Reverse(ctx context.Context, orderID uuid.UUID) error
}

// Callbacks verifies and normalizes raw provider webhooks.
type Callbacks interface {
	NormalizeCallback(body []byte, signature string) (contracts.PaymentEvent, error)
}

type Access interface {
	HasAccess(ctx context.Context, userID, movieID uuid.UUID) (bool, error)
}

type Server struct {
	carts     Carts
	orders    Orders
	engine    Engine
	callbacks Callbacks
	access    Access
	adminKey  string
	logger    *slog.Logger
	mux       *http.ServeMux
}

func NewServer(carts Carts, orders Orders, engine Engine, callbacks Callbacks, access Access, adminKey string, logger *slog.Logger) *Server {
	s := &Server{
		carts:     carts,
		orders:    orders,
		engine:    engine,
		callbacks: callbacks,
		access:    access,
		adminKey:  adminKey,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /cart", s.addToCart)
	s.mux.HandleFunc("GET /cart", s.listCart)
	s.mux.HandleFunc("DELETE /cart", s.clearCart)
	s.mux.HandleFunc("DELETE /cart/{movieID}", s.removeFromCart)

	s.mux.HandleFunc("POST /checkout", s.checkout)

	s.mux.HandleFunc("GET /orders", s.listOrders)
	s.mux.HandleFunc("GET /orders/{orderID}", s.getOrder)
	s.mux.HandleFunc("POST /orders/{orderID}/cancel", s.cancelOrder)

	s.mux.HandleFunc("POST /webhooks/payment", s.paymentWebhook)
	s.mux.HandleFunc("GET /access/{movieID}", s.checkAccess)
	s.mux.HandleFunc("POST /admin/orders/{orderID}/reverse", s.reverseOrder)

	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// HandleFunc registers extra routes (the websocket endpoint) on the same mux.
func (s *Server) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) addToCart(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		MovieID string `json:"movie_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	movieID, err := uuid.Parse(req.MovieID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid movie id")
		return
	}

	if err := s.carts.Add(r.Context(), userID, movieID); err != nil {
		switch {
		case errors.Is(err, cart.ErrAlreadyOwned):
			writeError(w, http.StatusBadRequest, "movie already owned")
		case errors.Is(err, cart.ErrItemUnavailable):
			writeError(w, http.StatusBadRequest, "movie unavailable")
		default:
			s.logger.Error("add to cart", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) listCart(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := s.carts.List(r.Context(), userID)
	if err != nil {
		s.logger.Error("list cart", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) clearCart(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.carts.Clear(r.Context(), userID); err != nil {
		s.logger.Error("clear cart", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) removeFromCart(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	movieID, err := uuid.Parse(r.PathValue("movieID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid movie id")
		return
	}

	if err := s.carts.Remove(r.Context(), userID, movieID); err != nil {
		if errors.Is(err, cart.ErrNotInCart) {
			writeError(w, http.StatusNotFound, "movie not in cart")
			return
		}
		s.logger.Error("remove from cart", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token := r.Header.Get("Idempotency-Key")
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing Idempotency-Key header")
		return
	}

	o, redirectURL, err := s.engine.Checkout(r.Context(), userID, token)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrEmptyCart):
			writeError(w, http.StatusBadRequest, "cart is empty")
		case errors.Is(err, order.ErrPriceUnavailable):
			writeError(w, http.StatusBadRequest, "price unavailable for a cart item")
		case errors.Is(err, order.ErrAlreadyOwned):
			writeError(w, http.StatusBadRequest, "cart contains an already owned movie")
		case errors.Is(err, order.ErrUnpaidOrder):
			writeError(w, http.StatusConflict, "an unpaid order already exists")
		case errors.Is(err, gateway.ErrGatewayUnreachable), errors.Is(err, gateway.ErrIntentRejected):
			// The order exists and has moved to failed; the items stay
			// available for re-purchase.
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error": "payment could not be started",
				"order": o,
			})
		default:
			s.logger.Error("checkout", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"order":        o,
		"redirect_url": redirectURL,
	})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := order.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	orders, err := s.orders.ListByUser(r.Context(), userID, status)
	if err != nil {
		s.logger.Error("list orders", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	orderID, err := uuid.Parse(r.PathValue("orderID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	o, err := s.orders.GetForUser(r.Context(), userID, orderID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("get order", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	orderID, err := uuid.Parse(r.PathValue("orderID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	o, err := s.engine.Cancel(r.Context(), userID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, order.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "order can no longer be cancelled")
		default:
			s.logger.Error("cancel order", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// paymentWebhook acknowledges with 2xx only after the event is durably
// recorded; the provider retries anything else.
func (s *Server) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	evt, err := s.callbacks.NormalizeCallback(body, r.Header.Get("X-Provider-Signature"))
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			s.logger.Warn("webhook signature verification failed",
				"security", true, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		writeError(w, http.StatusBadRequest, "malformed callback")
		return
	}

	if err := s.engine.HandleEvent(r.Context(), evt); err != nil {
		s.logger.Error("webhook processing failed", "event_id", evt.EventID, "err", err)
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (s *Server) checkAccess(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	movieID, err := uuid.Parse(r.PathValue("movieID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid movie id")
		return
	}

	has, err := s.access.HasAccess(r.Context(), userID, movieID)
	if err != nil {
		s.logger.Error("access check", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"has_access": has})
}

func (s *Server) reverseOrder(w http.ResponseWriter, r *http.Request) {
	if s.adminKey == "" || r.Header.Get("X-Admin-Key") != s.adminKey {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	orderID, err := uuid.Parse(r.PathValue("orderID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	if err := s.engine.Reverse(r.Context(), orderID); err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, order.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "order is not paid")
		case errors.Is(err, gateway.ErrGatewayUnreachable):
			writeError(w, http.StatusBadGateway, "payment provider unavailable")
		default:
			s.logger.Error("reverse order", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reversal requested"})
}

func userIDFromRequest(r *http.Request) (uuid.UUID, error) {
	value := r.Header.Get("X-User-ID")
	if value == "" {
		return uuid.UUID{}, errors.New("missing X-User-ID header")
	}
	return uuid.Parse(value)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
