package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/referral-system/internal/middleware"
	"github.com/mmeshcher/referral-system/internal/model"
	"github.com/mmeshcher/referral-system/internal/repository"
	"github.com/mmeshcher/referral-system/internal/service"
)

type stubService struct {
	registerUserID int64
	registerCode   string
	registerErr    error

	authUserID int64
	authErr    error

	paymentOutcome *model.CreditOutcome
	paymentErr     error
	paymentCalls   int

	statsResp *model.ReferralStats
	statsErr  error

	creditsResp []model.ReferralCredit
	creditsErr  error

	checkOutcome *model.CreditOutcome
	checkErr     error

	useCreditErr error
}

func (s *stubService) RegisterUser(ctx context.Context, login, password, referralCode string) (int64, string, error) {
	return s.registerUserID, s.registerCode, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	return s.authUserID, s.authErr
}

func (s *stubService) OnUserBecamePaying(ctx context.Context, userID int64, tier string, amount float64) (*model.CreditOutcome, error) {
	s.paymentCalls++
	return s.paymentOutcome, s.paymentErr
}

func (s *stubService) GetReferralStats(ctx context.Context, userID int64) (*model.ReferralStats, error) {
	return s.statsResp, s.statsErr
}

func (s *stubService) GetCreditsByUser(ctx context.Context, userID int64) ([]model.ReferralCredit, error) {
	return s.creditsResp, s.creditsErr
}

func (s *stubService) CheckAndIssueCredit(ctx context.Context, userID int64) (*model.CreditOutcome, error) {
	return s.checkOutcome, s.checkErr
}

func (s *stubService) UseCredit(ctx context.Context, creditID, userID int64) error {
	return s.useCreditErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth, "hook-secret")
}

func TestRegister_ReturnsTokenAndCode(t *testing.T) {
	svc := &stubService{
		registerUserID: 42,
		registerCode:   "AB2345CD",
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(registerRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp authResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("empty token in response")
	}
	if resp.ReferralCode != "AB2345CD" {
		t.Fatalf("referral code = %q, want AB2345CD", resp.ReferralCode)
	}
}

func TestRegister_DuplicateLogin(t *testing.T) {
	svc := &stubService{
		registerErr: repository.ErrUserExists,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(registerRequest{Login: "user", Password: "pass"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestRegister_MalformedReferralCode(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(registerRequest{
		Login:        "user",
		Password:     "pass",
		ReferralCode: "bad code",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Result().StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestLogin_UnauthorizedOnBadCredentials(t *testing.T) {
	svc := &stubService{
		authErr: repository.ErrUserNotFound,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(loginRequest{Login: "user", Password: "pass"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func paymentBody(t *testing.T) *bytes.Reader {
	t.Helper()

	body, err := json.Marshal(paymentEventRequest{
		UserID:             7,
		SubscriptionTier:   "pro",
		SubscriptionAmount: 20,
	})
	if err != nil {
		t.Fatalf("marshal payment body: %v", err)
	}
	return bytes.NewReader(body)
}

func TestPaymentWebhook_OK(t *testing.T) {
	svc := &stubService{
		paymentOutcome: &model.CreditOutcome{Status: model.OutcomeIssued},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", paymentBody(t))
	rec := httptest.NewRecorder()

	h.PaymentWebhook(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp paymentEventResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(model.OutcomeIssued) {
		t.Fatalf("status = %q, want %q", resp.Status, model.OutcomeIssued)
	}
}

func TestPaymentWebhook_CreditingFailureStillAcknowledged(t *testing.T) {
	svc := &stubService{
		paymentErr: service.ErrCrediting,
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", paymentBody(t))
	rec := httptest.NewRecorder()

	h.PaymentWebhook(rec, req)

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d: crediting failure must not block payment ack",
			rec.Result().StatusCode, http.StatusOK)
	}
}

func TestPaymentWebhook_StorageFailureRetriable(t *testing.T) {
	svc := &stubService{
		paymentErr: context.DeadlineExceeded,
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", paymentBody(t))
	rec := httptest.NewRecorder()

	h.PaymentWebhook(rec, req)

	if rec.Result().StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusInternalServerError)
	}
}

func TestPaymentWebhook_InvalidBody(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(paymentEventRequest{UserID: 0, SubscriptionTier: "pro"})

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.PaymentWebhook(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestPaymentWebhook_TokenGate(t *testing.T) {
	svc := &stubService{
		paymentOutcome: nil,
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", paymentBody(t))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)
	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
	if svc.paymentCalls != 0 {
		t.Fatalf("service called without valid webhook token")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/payments/webhook", paymentBody(t))
	req.Header.Set("X-Webhook-Token", "hook-secret")
	rec = httptest.NewRecorder()

	router.ServeHTTP(rec, req)
	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d, want %d", rec.Result().StatusCode, http.StatusOK)
	}
}

func withAuth(t *testing.T, h *Handler, req *http.Request, userID int64) *http.Request {
	t.Helper()

	req.Header.Set("Authorization", "Bearer "+h.authMiddleware.IssueToken(userID))
	return req
}

func TestGetReferralStats_JSONResponse(t *testing.T) {
	svc := &stubService{
		statsResp: &model.ReferralStats{
			TotalReferrals:   12,
			PayingReferrals:  6,
			UncreditedPaying: 4,
			RemainingNeeded:  6,
			Threshold:        10,
		},
	}
	h := newTestHandler(t, svc)

	req := withAuth(t, h, httptest.NewRequest(http.MethodGet, "/api/user/referrals", nil), 1)
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GetReferralStats))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var stats model.ReferralStats
	if err := json.NewDecoder(res.Body).Decode(&stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.UncreditedPaying != 4 || stats.RemainingNeeded != 6 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestGetCredits_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := withAuth(t, h, httptest.NewRequest(http.MethodGet, "/api/user/credits", nil), 1)
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GetCredits))
	handlerWithAuth.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNoContent)
	}
}

func TestCheckCredit_Issued(t *testing.T) {
	now := time.Now()
	svc := &stubService{
		checkOutcome: &model.CreditOutcome{
			Status: model.OutcomeIssued,
			Credit: &model.ReferralCredit{
				ID:          5,
				UserID:      1,
				ReferralIDs: []int64{1, 2, 3},
				IssuedAt:    now,
				ExpiresAt:   now.Add(90 * 24 * time.Hour),
			},
		},
	}
	h := newTestHandler(t, svc)

	req := withAuth(t, h, httptest.NewRequest(http.MethodPost, "/api/user/credits/check", nil), 1)
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.CheckCredit))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp checkCreditResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Credit == nil || len(resp.Credit.ReferralIDs) != 3 {
		t.Fatalf("unexpected credit in response: %+v", resp.Credit)
	}
}

func TestCheckCredit_Conflict(t *testing.T) {
	svc := &stubService{
		checkOutcome: &model.CreditOutcome{Status: model.OutcomeConflict},
	}
	h := newTestHandler(t, svc)

	req := withAuth(t, h, httptest.NewRequest(http.MethodPost, "/api/user/credits/check", nil), 1)
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.CheckCredit))
	handlerWithAuth.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestUseCredit_Unavailable(t *testing.T) {
	svc := &stubService{
		useCreditErr: repository.ErrCreditUnavailable,
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := withAuth(t, h, httptest.NewRequest(http.MethodPost, "/api/user/credits/5/use", nil), 1)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}
