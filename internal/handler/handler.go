// Package handler содержит HTTP-обработчики API реферального сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/referral-system/internal/middleware"
	"github.com/mmeshcher/referral-system/internal/model"
	"github.com/mmeshcher/referral-system/internal/repository"
	"github.com/mmeshcher/referral-system/internal/service"
	"github.com/mmeshcher/referral-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password, referralCode string) (int64, string, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	OnUserBecamePaying(ctx context.Context, userID int64, tier string, amount float64) (*model.CreditOutcome, error)
	GetReferralStats(ctx context.Context, userID int64) (*model.ReferralStats, error)
	GetCreditsByUser(ctx context.Context, userID int64) ([]model.ReferralCredit, error)
	CheckAndIssueCredit(ctx context.Context, userID int64) (*model.CreditOutcome, error)
	UseCredit(ctx context.Context, creditID, userID int64) error
}

// Handler реализует HTTP-обработчики API реферального сервиса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	webhookToken   string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, webhookToken string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		webhookToken:   webhookToken,
	}
}

type registerRequest struct {
	Login        string `json:"login"`
	Password     string `json:"password"`
	ReferralCode string `json:"referral_code,omitempty"`
}

type authResponse struct {
	Token        string `json:"token"`
	ReferralCode string `json:"referral_code,omitempty"`
}

// Register обрабатывает регистрацию нового пользователя. Чужой реферальный код
// в запросе привязывает нового пользователя к пригласившему.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ReferralCode != "" && !validation.IsValidReferralCode(req.ReferralCode) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	userID, ownCode, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, req.ReferralCode)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(authResponse{
		Token:        h.authMiddleware.IssueToken(userID),
		ReferralCode: ownCode,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и возвращает bearer-токен.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(authResponse{
		Token: h.authMiddleware.IssueToken(userID),
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type paymentEventRequest struct {
	UserID             int64   `json:"user_id"`
	SubscriptionTier   string  `json:"subscription_tier"`
	SubscriptionAmount float64 `json:"subscription_amount"`
}

type paymentEventResponse struct {
	Status string `json:"status"`
}

// PaymentWebhook обрабатывает событие платёжной системы о переходе пользователя
// в статус платящего. Доставка события предполагается at-least-once, повторные
// вызовы безопасны.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req paymentEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID <= 0 || req.SubscriptionTier == "" || req.SubscriptionAmount < 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	outcome, err := h.service.OnUserBecamePaying(r.Context(), req.UserID, req.SubscriptionTier, req.SubscriptionAmount)
	if err != nil {
		// Платёж уже учтён, сбой начисления не должен приводить к повторной
		// доставке события. Недоставленное вознаграждение будет начислено
		// при следующей оценке.
		if errors.Is(err, service.ErrCrediting) {
			h.logger.Error("referral crediting error", zap.Error(err), zap.Int64("userID", req.UserID))
			writeJSON(w, h.logger, paymentEventResponse{Status: "ok"})
			return
		}
		h.logger.Error("payment event error", zap.Error(err), zap.Int64("userID", req.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	status := "ok"
	if outcome != nil {
		status = string(outcome.Status)
	}

	writeJSON(w, h.logger, paymentEventResponse{Status: status})
}

// GetReferralStats возвращает сводку по приглашениям текущего пользователя.
func (h *Handler) GetReferralStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	stats, err := h.service.GetReferralStats(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("get referral stats error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, stats)
}

type creditResponse struct {
	ID          int64   `json:"id"`
	ReferralIDs []int64 `json:"referral_ids"`
	IssuedAt    string  `json:"issued_at"`
	ExpiresAt   string  `json:"expires_at"`
	UsedAt      *string `json:"used_at,omitempty"`
}

// GetCredits возвращает вознаграждения текущего пользователя.
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	credits, err := h.service.GetCreditsByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get credits error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(credits) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]creditResponse, 0, len(credits))
	for _, c := range credits {
		cr := creditResponse{
			ID:          c.ID,
			ReferralIDs: c.ReferralIDs,
			IssuedAt:    c.IssuedAt.Format(time.RFC3339),
			ExpiresAt:   c.ExpiresAt.Format(time.RFC3339),
		}
		if c.UsedAt != nil {
			used := c.UsedAt.Format(time.RFC3339)
			cr.UsedAt = &used
		}
		resp = append(resp, cr)
	}

	writeJSON(w, h.logger, resp)
}

type checkCreditResponse struct {
	Status          string          `json:"status"`
	RemainingNeeded int             `json:"remaining_needed,omitempty"`
	Credit          *creditResponse `json:"credit,omitempty"`
}

// CheckCredit выполняет ручную проверку права текущего пользователя на
// вознаграждение и начисляет его при выполнении условий.
func (h *Handler) CheckCredit(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	outcome, err := h.service.CheckAndIssueCredit(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("check credit error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := checkCreditResponse{
		Status:          string(outcome.Status),
		RemainingNeeded: outcome.RemainingNeeded,
	}

	switch outcome.Status {
	case model.OutcomeIssued:
		resp.Credit = &creditResponse{
			ID:          outcome.Credit.ID,
			ReferralIDs: outcome.Credit.ReferralIDs,
			IssuedAt:    outcome.Credit.IssuedAt.Format(time.RFC3339),
			ExpiresAt:   outcome.Credit.ExpiresAt.Format(time.RFC3339),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(resp)
	case model.OutcomeConflict:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(resp)
	default:
		writeJSON(w, h.logger, resp)
	}
}

// UseCredit отмечает вознаграждение текущего пользователя использованным.
func (h *Handler) UseCredit(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	creditID, err := strconv.ParseInt(chi.URLParam(r, "creditID"), 10, 64)
	if err != nil || creditID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.UseCredit(r.Context(), creditID, userID); err != nil {
		if errors.Is(err, repository.ErrCreditUnavailable) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("use credit error", zap.Error(err), zap.Int64("userID", userID), zap.Int64("creditID", creditID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response error", zap.Error(err))
	}
}
