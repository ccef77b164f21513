package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/playmoney/market-engine/internal/contract"
	"github.com/playmoney/market-engine/internal/engine"
	"github.com/playmoney/market-engine/internal/exposure"
	"github.com/playmoney/market-engine/internal/model"
	"github.com/playmoney/market-engine/internal/orderbook"
)

// Routes mounts the API on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.HandleCreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/price", s.GetPrice)
	r.Get("/markets/{marketID}/orders", s.GetOrders)
	r.Get("/markets/{marketID}/history", s.GetMarketHistory)
	r.Post("/markets/{marketID}/liquidity", s.HandleAddLiquidity)
	r.Post("/markets/{marketID}/liquidity/withdraw", s.HandleWithdrawLiquidity)

	r.Post("/bet", s.HandleBet)
	r.Post("/bet/shares", s.HandleBuyShares)
	r.Post("/sell", s.HandleSell)
	r.Post("/orders/{orderID}/cancel", s.HandleCancelOrder)
	r.Post("/redeem", s.HandleRedeem)

	r.Get("/portfolio/{userID}", s.GetPortfolio)
}

// MarketPrice is the body of GET /markets/{marketID}/price.
type MarketPrice struct {
	MarketID      string             `json:"market_id"`
	OutcomeType   model.OutcomeType  `json:"outcome_type"`
	Probabilities map[string]float64 `json:"probabilities"`
	DisplayValue  *float64           `json:"display_value,omitempty"`
}

// OrderBook is the body of GET /markets/{marketID}/orders.
type OrderBook struct {
	MarketID string          `json:"market_id"`
	AnswerID string          `json:"answer_id,omitempty"`
	BestBid  *float64        `json:"best_bid,omitempty"`
	BestAsk  *float64        `json:"best_ask,omitempty"`
	Depth    orderbook.Depth `json:"depth"`
}

// HandleCreateMarket handles POST /api/v1/markets.
func (s *Service) HandleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var p contract.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	m, err := s.CreateMarket(r.Context(), p)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMarkets handles GET /api/v1/markets, optionally filtered by ?status=.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	out := []model.Market{}
	status := r.URL.Query().Get("status")
	for _, m := range markets {
		if status == "" || m.Status == status {
			out = append(out, m)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetMarket handles GET /api/v1/markets/{marketID}. The id may also be a
// slug.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.lookupMarket(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	m, err := s.lookupMarket(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	mech, err := m.Mechanism()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := MarketPrice{
		MarketID:      m.ID,
		OutcomeType:   m.OutcomeType,
		Probabilities: engine.Probabilities(mech),
	}
	if v, err := engine.MapToDisplayValue(mech); err == nil {
		resp.DisplayValue = &v
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOrders handles GET /api/v1/markets/{marketID}/orders?answer_id=&levels=.
func (s *Service) GetOrders(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	levels := 10
	if v := r.URL.Query().Get("levels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, "levels must be an integer", http.StatusBadRequest)
			return
		}
		levels = n
	}
	orders, err := s.store.GetOpenOrders(r.Context(), marketID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	answerID := r.URL.Query().Get("answer_id")
	book := orderbook.Build(orders, answerID, s.now())

	resp := OrderBook{MarketID: marketID, AnswerID: answerID, Depth: book.Depth(levels)}
	if p, ok := book.BestBid(); ok {
		resp.BestBid = &p
	}
	if p, ok := book.BestAsk(); ok {
		resp.BestAsk = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetLedgerEntriesByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleBet handles POST /api/v1/bet.
func (s *Service) HandleBet(w http.ResponseWriter, r *http.Request) {
	var req BetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	resp, err := s.Bet(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleBuyShares handles POST /api/v1/bet/shares.
func (s *Service) HandleBuyShares(w http.ResponseWriter, r *http.Request) {
	var req SharesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	resp, err := s.BuyShares(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSell handles POST /api/v1/sell.
func (s *Service) HandleSell(w http.ResponseWriter, r *http.Request) {
	var req SharesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	resp, err := s.Sell(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCancelOrder handles POST /api/v1/orders/{orderID}/cancel with a
// {"user_id": ...} body.
func (s *Service) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	o, err := s.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// HandleAddLiquidity handles POST /api/v1/markets/{marketID}/liquidity.
func (s *Service) HandleAddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	resp, err := s.AddLiquidity(r.Context(), chi.URLParam(r, "marketID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleWithdrawLiquidity handles POST /api/v1/markets/{marketID}/liquidity/withdraw.
func (s *Service) HandleWithdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	resp, err := s.WithdrawLiquidity(r.Context(), chi.URLParam(r, "marketID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRedeem handles POST /api/v1/redeem.
func (s *Service) HandleRedeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	red, err := s.Redeem(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, red)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

func (s *Service) lookupMarket(r *http.Request) (*model.Market, error) {
	id := chi.URLParam(r, "marketID")
	m, err := s.store.GetMarket(r.Context(), id)
	if errors.Is(err, model.ErrNotFound) {
		return s.store.GetMarketBySlug(r.Context(), id)
	}
	return m, err
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	if _, ok := model.MaxSize(err); ok {
		return http.StatusConflict
	}
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, model.ErrInvalidTradeSize),
		errors.Is(err, model.ErrUnsupportedMechanism),
		errors.Is(err, contract.ErrInvalidParams),
		errors.Is(err, contract.ErrInvalidType):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrAnswerNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInsufficientShares),
		errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrInsufficientPoolDepth),
		errors.Is(err, model.ErrMarketClosed),
		errors.Is(err, exposure.ErrPerAnswerLimitExceeded),
		errors.Is(err, exposure.ErrPerMarketLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrStaleSnapshot):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its status. Size errors carry the
// largest size that would have succeeded under "max".
func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	body := map[string]any{"error": err.Error()}
	if limit, ok := model.MaxSize(err); ok {
		body["max"] = limit
	}
	writeJSON(w, status, body)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
