// Package handler содержит HTTP-обработчики API кредитного сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/credits-system/internal/middleware"
	"github.com/mmeshcher/credits-system/internal/model"
	"github.com/mmeshcher/credits-system/internal/payment"
	"github.com/mmeshcher/credits-system/internal/repository"
	"github.com/mmeshcher/credits-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetBalance(ctx context.Context, userID string) (*model.Balance, error)
	SetBalance(ctx context.Context, userID string, credit decimal.Decimal, detail model.LogDetail) (*model.Balance, error)
	AddBalance(ctx context.Context, userID string, delta decimal.Decimal, detail model.LogDetail) (*model.Balance, error)
	GetCreditLog(ctx context.Context, userID string, offset, limit int) ([]model.CreditLogEntry, error)
	CreateTrade(ctx context.Context, userID, payType string, amount decimal.Decimal, clientIP, ua string) (*payment.TradeResponse, error)
	HandleCallback(ctx context.Context, payload map[string]string) error
}

// Handler реализует HTTP-обработчики API кредитного сервиса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type balanceResponse struct {
	UserID    string          `json:"user_id"`
	Credit    decimal.Decimal `json:"credit"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

func newBalanceResponse(b *model.Balance) balanceResponse {
	return balanceResponse{
		UserID:    b.UserID,
		Credit:    b.Credit,
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.String("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if balance == nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	writeJSON(w, newBalanceResponse(balance))
}

type setBalanceRequest struct {
	UserID string          `json:"user_id"`
	Credit decimal.Decimal `json:"credit"`
	Detail model.LogDetail `json:"detail"`
}

// SetBalance выставляет балансу абсолютное значение.
func (h *Handler) SetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req setBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID == "" {
		req.UserID = userID
	}

	balance, err := h.service.SetBalance(r.Context(), req.UserID, req.Credit, req.Detail)
	if err != nil {
		h.logger.Error("set balance error", zap.Error(err), zap.String("userID", req.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, newBalanceResponse(balance))
}

type addBalanceRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
	Detail model.LogDetail `json:"detail"`
}

// AddBalance изменяет баланс на относительную величину.
func (h *Handler) AddBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req addBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID == "" {
		req.UserID = userID
	}

	balance, err := h.service.AddBalance(r.Context(), req.UserID, req.Amount, req.Detail)
	if err != nil {
		h.logger.Error("add balance error", zap.Error(err), zap.String("userID", req.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, newBalanceResponse(balance))
}

type logEntryResponse struct {
	ID        string          `json:"id"`
	Credit    decimal.Decimal `json:"credit"`
	Detail    model.LogDetail `json:"detail"`
	CreatedAt int64           `json:"created_at"`
}

// GetCreditLog возвращает кредитную историю текущего пользователя, новые записи первыми.
// Пагинация задаётся необязательными параметрами offset и limit.
func (h *Handler) GetCreditLog(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	offset := queryInt(r, "offset")
	limit := queryInt(r, "limit")

	entries, err := h.service.GetCreditLog(r.Context(), userID, offset, limit)
	if err != nil {
		h.logger.Error("get credit log error", zap.Error(err), zap.String("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]logEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, logEntryResponse{
			ID:        e.ID,
			Credit:    e.Credit,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}

	writeJSON(w, resp)
}

type createTradeRequest struct {
	PayType string          `json:"pay_type"`
	Amount  decimal.Decimal `json:"amount"`
}

// CreateTrade создаёт платёжный тикет и возвращает ответ провайдера.
func (h *Handler) CreateTrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.PayType == "" || req.Amount.Sign() <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}

	resp, err := h.service.CreateTrade(r.Context(), userID, req.PayType, req.Amount, clientIP, r.UserAgent())
	if err != nil {
		if errors.Is(err, repository.ErrTicketExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("create trade error", zap.Error(err), zap.String("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, resp)
}

// Callback принимает асинхронное уведомление платёжного провайдера.
// Недостоверная подпись отклоняется без указания причины; провайдер
// останавливает повторы только получив тело "success".
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	payload := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			payload[k] = v[0]
		}
	}

	err := h.service.HandleCallback(r.Context(), payload)
	if err != nil {
		if !errors.Is(err, service.ErrInvalidSignature) {
			h.logger.Error("callback error", zap.Error(err), zap.String("outTradeNo", payload["out_trade_no"]))
		}
		_, _ = w.Write([]byte("fail"))
		return
	}

	_, _ = w.Write([]byte("success"))
}

func queryInt(r *http.Request, name string) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}

	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
