// Package service реализует бизнес-логику реферальной системы: оценку права на
// вознаграждение, начисление вознаграждений и обработку платёжных событий.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/referral-system/internal/model"
	"github.com/mmeshcher/referral-system/internal/repository"
)

// ErrCrediting оборачивает ошибки этапа начисления вознаграждения в обработке
// платёжного события. Платёж к этому моменту уже учтён, поэтому вызывающая
// сторона не должна считать событие необработанным.
var ErrCrediting = errors.New("referral crediting failed")

// Repository описывает контракт реферального реестра, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, tier model.AccountTier) (int64, string, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*model.User, error)
	CreateReferralEntry(ctx context.Context, referrerID, referredID int64, tier string) (int64, error)
	MarkUserPaying(ctx context.Context, userID int64, tier string) error
	MarkBecamePaying(ctx context.Context, referredID int64, tier string, amountCents int64) (*model.ReferralEntry, error)
	UncreditedPayingEntries(ctx context.Context, referrerID int64) ([]model.ReferralEntry, error)
	CountReferrals(ctx context.Context, referrerID int64) (int, int, error)
	CreateCredit(ctx context.Context, userID int64, referralIDs []int64, issuedAt, expiresAt time.Time) (*model.ReferralCredit, error)
	GetCreditsByUser(ctx context.Context, userID int64) ([]model.ReferralCredit, error)
	MarkCreditUsed(ctx context.Context, creditID, userID int64) error
	GetCreditsForNotification(ctx context.Context, limit int) ([]model.ReferralCredit, error)
	MarkCreditNotified(ctx context.Context, creditID int64) error
}

// Notifier описывает контракт отправки уведомлений о начисленных вознаграждениях.
type Notifier interface {
	NotifyCreditIssued(ctx context.Context, userID, creditID int64, expiresAt time.Time) error
}

// RewardsConfig содержит политику начисления вознаграждений: пороги по тарифам
// и срок действия вознаграждения.
type RewardsConfig struct {
	Thresholds       map[model.AccountTier]int
	DefaultThreshold int
	CreditTTL        time.Duration
}

// ThresholdFor возвращает порог платящих приглашений для указанного тарифа.
func (c RewardsConfig) ThresholdFor(tier model.AccountTier) int {
	if n, ok := c.Thresholds[tier]; ok {
		return n
	}
	return c.DefaultThreshold
}

// DefaultRewardsConfig возвращает продуктовую политику по умолчанию.
func DefaultRewardsConfig() RewardsConfig {
	return RewardsConfig{
		Thresholds: map[model.AccountTier]int{
			model.TierPilot:    5,
			model.TierWaitlist: 10,
		},
		DefaultThreshold: 20,
		CreditTTL:        90 * 24 * time.Hour,
	}
}

// Service содержит бизнес-логику реферальной системы.
type Service struct {
	repo     Repository
	notifier Notifier
	rewards  RewardsConfig
}

// NewService создаёт новый сервис с указанным реестром, клиентом уведомлений
// и политикой начислений.
func NewService(repo Repository, notifier Notifier, rewards RewardsConfig) *Service {
	return &Service{
		repo:     repo,
		notifier: notifier,
		rewards:  rewards,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя. Если указан чужой реферальный
// код, фиксирует связь с пригласившим; неизвестный код не считается ошибкой.
func (s *Service) RegisterUser(ctx context.Context, login, password, referralCode string) (int64, string, error) {
	hashed := hashPassword(login, password)

	id, ownCode, err := s.repo.CreateUser(ctx, login, hashed, model.TierWaitlist)
	if err != nil {
		return 0, "", err
	}

	// Сбой привязки к пригласившему не отменяет саму регистрацию:
	// неизвестный код и дубликат приглашения игнорируются.
	if referralCode != "" {
		referrer, err := s.repo.GetUserByReferralCode(ctx, referralCode)
		if err != nil {
			return id, ownCode, nil
		}

		_, _ = s.repo.CreateReferralEntry(ctx, referrer.ID, id, "")
	}

	return id, ownCode, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// evaluate вычисляет право на вознаграждение по списку непотреблённых платящих
// приглашений. Чистая функция без побочных эффектов.
func evaluate(entries []model.ReferralEntry, threshold int) *model.EligibilityResult {
	if len(entries) < threshold {
		return &model.EligibilityResult{
			Eligible:        false,
			RemainingNeeded: threshold - len(entries),
		}
	}

	// Потребляются ровно threshold самых ранних приглашений; остальные
	// остаются для следующей оценки.
	batch := make([]model.ReferralEntry, threshold)
	copy(batch, entries[:threshold])

	return &model.EligibilityResult{
		Eligible:          true,
		EligibleReferrals: batch,
	}
}

// Evaluate проверяет, накопил ли пользователь достаточно платящих приглашений
// для нового вознаграждения. Не имеет побочных эффектов.
func (s *Service) Evaluate(ctx context.Context, referrerID int64, tier model.AccountTier) (*model.EligibilityResult, error) {
	entries, err := s.repo.UncreditedPayingEntries(ctx, referrerID)
	if err != nil {
		return nil, fmt.Errorf("load uncredited entries: %w", err)
	}

	return evaluate(entries, s.rewards.ThresholdFor(tier)), nil
}

// IssueCreditIfEligible начисляет вознаграждение, если пользователь накопил
// достаточно платящих приглашений. При конкурентном потреблении тех же
// приглашений выполняется одна повторная оценка; если и она завершается
// конфликтом, возвращается исход CONFLICT без потери права на вознаграждение.
func (s *Service) IssueCreditIfEligible(ctx context.Context, referrerID int64, tier model.AccountTier) (*model.CreditOutcome, error) {
	conflicted := false

	for attempt := 0; attempt < 2; attempt++ {
		res, err := s.Evaluate(ctx, referrerID, tier)
		if err != nil {
			return nil, err
		}

		if !res.Eligible {
			// После проигранной гонки недостаток приглашений — это исход
			// CONFLICT: право на вознаграждение не потеряно, вызывающая
			// сторона может повторить попытку позже.
			if conflicted {
				return &model.CreditOutcome{Status: model.OutcomeConflict}, nil
			}
			return &model.CreditOutcome{
				Status:          model.OutcomeNotEligible,
				RemainingNeeded: res.RemainingNeeded,
			}, nil
		}

		ids := make([]int64, len(res.EligibleReferrals))
		for i, e := range res.EligibleReferrals {
			ids[i] = e.ID
		}

		issuedAt := time.Now()
		credit, err := s.repo.CreateCredit(ctx, referrerID, ids, issuedAt, issuedAt.Add(s.rewards.CreditTTL))
		if err != nil {
			if errors.Is(err, repository.ErrReferralAlreadyCredited) {
				conflicted = true
				continue
			}
			return nil, fmt.Errorf("create credit: %w", err)
		}

		return &model.CreditOutcome{
			Status: model.OutcomeIssued,
			Credit: credit,
		}, nil
	}

	return &model.CreditOutcome{Status: model.OutcomeConflict}, nil
}

// OnUserBecamePaying обрабатывает событие перехода пользователя в статус
// платящего. Безопасен при повторной доставке: условное обновление записи
// приглашения срабатывает не более одного раза, поэтому начисление не
// выполняется дважды для одного события.
//
// Возвращает (nil, nil), если пользователь не был приглашён. Ошибки этапа
// начисления оборачиваются в ErrCrediting: платёж уже учтён, и его
// подтверждение не должно блокироваться сбоем начисления.
func (s *Service) OnUserBecamePaying(ctx context.Context, userID int64, tier string, amount float64) (*model.CreditOutcome, error) {
	amountCents := int64(amount * 100)

	if err := s.repo.MarkUserPaying(ctx, userID, tier); err != nil {
		return nil, err
	}

	entry, err := s.repo.MarkBecamePaying(ctx, userID, tier, amountCents)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	referrer, err := s.repo.GetUserByID(ctx, entry.ReferrerID)
	if err != nil {
		return nil, fmt.Errorf("%w: load referrer %d: %w", ErrCrediting, entry.ReferrerID, err)
	}

	outcome, err := s.IssueCreditIfEligible(ctx, referrer.ID, referrer.AccountTier)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrediting, err)
	}

	return outcome, nil
}

// GetReferralStats возвращает сводку по приглашениям пользователя.
func (s *Service) GetReferralStats(ctx context.Context, userID int64) (*model.ReferralStats, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	total, paying, err := s.repo.CountReferrals(ctx, userID)
	if err != nil {
		return nil, err
	}

	entries, err := s.repo.UncreditedPayingEntries(ctx, userID)
	if err != nil {
		return nil, err
	}

	threshold := s.rewards.ThresholdFor(u.AccountTier)
	remaining := threshold - len(entries)
	if remaining < 0 {
		remaining = 0
	}

	return &model.ReferralStats{
		TotalReferrals:   total,
		PayingReferrals:  paying,
		UncreditedPaying: len(entries),
		RemainingNeeded:  remaining,
		Threshold:        threshold,
	}, nil
}

// CheckAndIssueCredit выполняет ручную проверку права на вознаграждение для
// указанного пользователя и начисляет его при выполнении условий.
func (s *Service) CheckAndIssueCredit(ctx context.Context, userID int64) (*model.CreditOutcome, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	return s.IssueCreditIfEligible(ctx, u.ID, u.AccountTier)
}

// GetCreditsByUser возвращает вознаграждения пользователя.
func (s *Service) GetCreditsByUser(ctx context.Context, userID int64) ([]model.ReferralCredit, error) {
	return s.repo.GetCreditsByUser(ctx, userID)
}

// UseCredit отмечает вознаграждение пользователя использованным.
func (s *Service) UseCredit(ctx context.Context, creditID, userID int64) error {
	return s.repo.MarkCreditUsed(ctx, creditID, userID)
}

// StartNotificationDispatch запускает фоновую отправку уведомлений о начисленных
// вознаграждениях. Сбой отправки не влияет на само вознаграждение: уведомление
// будет повторено на следующем тике.
func (s *Service) StartNotificationDispatch(ctx context.Context) {
	if s.notifier == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.dispatchNotificationBatch(ctx)
			}
		}
	}()
}

func (s *Service) dispatchNotificationBatch(ctx context.Context) {
	credits, err := s.repo.GetCreditsForNotification(ctx, 100)
	if err != nil {
		return
	}

	for _, c := range credits {
		if err := s.notifier.NotifyCreditIssued(ctx, c.UserID, c.ID, c.ExpiresAt); err != nil {
			continue
		}

		_ = s.repo.MarkCreditNotified(ctx, c.ID)
	}
}
