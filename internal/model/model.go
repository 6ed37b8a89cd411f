// Package model содержит доменные сущности реферальной системы.
package model

import "time"

// AccountTier описывает тариф аккаунта пользователя.
type AccountTier string

const (
	TierPilot    AccountTier = "pilot"
	TierWaitlist AccountTier = "waitlist"
)

// User представляет зарегистрированного пользователя реферальной системы.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	ReferralCode string
	AccountTier  AccountTier
	PayingSince  *time.Time
	CreatedAt    time.Time
}

// ReferralEntry описывает связь приглашённого пользователя с пригласившим
// и факт его перехода в статус платящего.
type ReferralEntry struct {
	ID                 int64
	ReferrerID         int64
	ReferredID         int64
	SubscriptionTier   string
	SubscriptionAmount *float64
	BecamePayingAt     *time.Time
	CreatedAt          time.Time
}

// ReferralCredit описывает начисленное вознаграждение за реферальные приглашения.
type ReferralCredit struct {
	ID          int64
	UserID      int64
	ReferralIDs []int64
	IssuedAt    time.Time
	ExpiresAt   time.Time
	UsedAt      *time.Time
	NotifiedAt  *time.Time
}

// EligibilityResult содержит результат проверки права пользователя на вознаграждение.
// Не сохраняется в хранилище.
type EligibilityResult struct {
	Eligible          bool
	EligibleReferrals []ReferralEntry
	RemainingNeeded   int
}

// OutcomeStatus описывает исход попытки начисления вознаграждения.
type OutcomeStatus string

const (
	OutcomeIssued      OutcomeStatus = "ISSUED"
	OutcomeNotEligible OutcomeStatus = "NOT_ELIGIBLE"
	OutcomeConflict    OutcomeStatus = "CONFLICT"
)

// CreditOutcome содержит исход попытки начисления вознаграждения.
type CreditOutcome struct {
	Status          OutcomeStatus
	Credit          *ReferralCredit
	RemainingNeeded int
}

// ReferralStats содержит сводку по приглашениям пользователя.
type ReferralStats struct {
	TotalReferrals   int `json:"total_referrals"`
	PayingReferrals  int `json:"paying_referrals"`
	UncreditedPaying int `json:"uncredited_paying"`
	RemainingNeeded  int `json:"remaining_needed"`
	Threshold        int `json:"threshold"`
}
