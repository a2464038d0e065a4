// Package model содержит доменные сущности реферальной сети.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет участника реферальной сети и его агрегированный баланс.
type User struct {
	ID               string          `json:"id"`
	Email            string          `json:"email"`
	Name             string          `json:"name"`
	ReferralCode     string          `json:"referralCode"`
	ParentID         string          `json:"parentReferralId,omitempty"`
	Level            int             `json:"level"`
	DirectReferrals  []string        `json:"directReferrals"`
	TotalEarnings    decimal.Decimal `json:"totalEarnings"`
	DirectEarnings   decimal.Decimal `json:"directEarnings"`
	IndirectEarnings decimal.Decimal `json:"indirectEarnings"`
	IsActive         bool            `json:"isActive"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// HasParent сообщает, был ли пользователь уже привязан к пригласившему.
func (u *User) HasParent() bool {
	return u.ParentID != ""
}

// Clone возвращает копию пользователя, не разделяющую срез прямых рефералов.
func (u User) Clone() User {
	u.DirectReferrals = append([]string(nil), u.DirectReferrals...)
	if u.DirectReferrals == nil {
		u.DirectReferrals = []string{}
	}
	return u
}

// TransactionType описывает тип транзакции.
type TransactionType string

// TransactionStatus описывает статус транзакции.
type TransactionStatus string

const (
	TransactionTypePurchase    TransactionType   = "purchase"
	TransactionStatusCompleted TransactionStatus = "completed"
)

// Transaction описывает принятую покупку.
type Transaction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	Amount      decimal.Decimal   `json:"amount"`
	Profit      decimal.Decimal   `json:"profit"`
	Type        TransactionType   `json:"type"`
	Status      TransactionStatus `json:"status"`
	Description string            `json:"description"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// EarningKind различает прямые и косвенные начисления.
type EarningKind string

const (
	EarningDirect   EarningKind = "direct"
	EarningIndirect EarningKind = "indirect"
)

// Earning описывает одно комиссионное начисление.
type Earning struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	FromUserID    string          `json:"fromUserId"`
	FromUserName  string          `json:"fromUserName"`
	Amount        decimal.Decimal `json:"amount"`
	Percentage    int             `json:"percentage"`
	Level         int             `json:"level"`
	TransactionID string          `json:"transactionId"`
	Kind          EarningKind     `json:"type"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// NotificationKind описывает тип уведомления.
type NotificationKind string

const (
	NotificationDirectEarning   NotificationKind = "direct-earning"
	NotificationIndirectEarning NotificationKind = "indirect-earning"
	NotificationNewReferral     NotificationKind = "new-referral"
)

// Notification описывает событие для пользователя.
type Notification struct {
	ID        string           `json:"id"`
	Kind      NotificationKind `json:"type"`
	UserID    string           `json:"userId"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Payout связывает начисление с уведомлением получателя.
type Payout struct {
	Earning      Earning
	Notification Notification
}

// PurchaseRecord содержит всё, что должно быть записано по одной покупке.
type PurchaseRecord struct {
	Transaction Transaction
	Payouts     []Payout
}

// PurchaseResult содержит сохранённые записи покупки.
type PurchaseResult struct {
	Transaction   Transaction    `json:"transaction"`
	Earnings      []Earning      `json:"earnings"`
	Notifications []Notification `json:"-"`
}

// TreeNode описывает узел дерева рефералов.
type TreeNode struct {
	User
	Children []*TreeNode `json:"children"`
}

// EarningsBreakdown содержит сумму начислений по уровням.
type EarningsBreakdown struct {
	Level1 decimal.Decimal `json:"level1"`
	Level2 decimal.Decimal `json:"level2"`
}

// EarningsReport содержит отчёт о доходах пользователя.
type EarningsReport struct {
	UserID            string            `json:"userId"`
	TotalEarnings     decimal.Decimal   `json:"totalEarnings"`
	DirectEarnings    decimal.Decimal   `json:"directEarnings"`
	IndirectEarnings  decimal.Decimal   `json:"indirectEarnings"`
	DailyEarnings     decimal.Decimal   `json:"dailyEarnings"`
	WeeklyEarnings    decimal.Decimal   `json:"weeklyEarnings"`
	MonthlyEarnings   decimal.Decimal   `json:"monthlyEarnings"`
	EarningsBreakdown EarningsBreakdown `json:"earningsBreakdown"`
	RecentEarnings    []Earning         `json:"recentEarnings"`
}

// Ограничения схемы начислений.
const (
	// MaxDirectReferrals ограничивает число прямых рефералов одного пользователя.
	MaxDirectReferrals = 8
	// NotificationLogLimit ограничивает журнал уведомлений пользователя.
	NotificationLogLimit = 50
)
