package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/referral-network/internal/model"
)

// MinPurchaseAmount задаёт минимальную сумму покупки, участвующую в начислениях.
var MinPurchaseAmount = decimal.NewFromInt(1000)

// MaxMoneyValue ограничивает сумму и прибыль покупки сверху.
var MaxMoneyValue = decimal.New(1, 15)

// maxMoneyScale задаёт допустимое число знаков после запятой.
const maxMoneyScale = 8

// level описывает одну ступень комиссионной схемы.
type level struct {
	depth      int
	percentage int64
	kind       model.EarningKind
	notice     model.NotificationKind
	title      string
}

func (l level) rate() decimal.Decimal {
	return decimal.New(l.percentage, -2)
}

var commissionLevels = []level{
	{
		depth:      1,
		percentage: 5,
		kind:       model.EarningDirect,
		notice:     model.NotificationDirectEarning,
		title:      "Direct Referral Earning",
	},
	{
		depth:      2,
		percentage: 1,
		kind:       model.EarningIndirect,
		notice:     model.NotificationIndirectEarning,
		title:      "Indirect Referral Earning",
	},
}

// ProcessPurchase регистрирует покупку и начисляет комиссию предкам покупателя.
// Транзакция, начисления, балансы и уведомления сохраняются одной операцией реестра.
func (s *Service) ProcessPurchase(ctx context.Context, userID string, amount, profit decimal.Decimal) (*model.PurchaseResult, error) {
	if err := checkMoney("amount", amount); err != nil {
		s.metrics.Purchase("out_of_range")
		return nil, err
	}
	if err := checkMoney("profit", profit); err != nil {
		s.metrics.Purchase("out_of_range")
		return nil, err
	}
	if amount.LessThan(MinPurchaseAmount) {
		s.metrics.Purchase("below_minimum")
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, MinPurchaseAmount)
	}
	if profit.IsNegative() {
		s.metrics.Purchase("negative_profit")
		return nil, fmt.Errorf("%w: %s", ErrNegativeProfit, profit)
	}

	buyer, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		s.metrics.Purchase("unknown_user")
		return nil, err
	}

	rec := model.PurchaseRecord{
		Transaction: model.Transaction{
			UserID:      buyer.ID,
			Amount:      amount,
			Profit:      profit,
			Type:        model.TransactionTypePurchase,
			Status:      model.TransactionStatusCompleted,
			Description: fmt.Sprintf("Purchase of ₹%s", amount),
		},
	}

	var direct *model.User
	for _, lvl := range commissionLevels {
		recipient, err := s.graph.Ancestor(ctx, buyer.ID, lvl.depth)
		if err != nil {
			s.metrics.Purchase("failed")
			return nil, fmt.Errorf("resolve level %d ancestor of %s: %w", lvl.depth, buyer.ID, err)
		}
		if recipient == nil {
			break
		}
		if lvl.depth == 1 {
			direct = recipient
		}
		rec.Payouts = append(rec.Payouts, payout(lvl, buyer, direct, recipient, profit))
	}

	res, err := s.repo.RecordPurchase(ctx, rec)
	if err != nil {
		s.metrics.Purchase("failed")
		if !errors.Is(err, model.ErrNotFound) {
			s.logger.Error("failed to record purchase", zap.String("user_id", buyer.ID), zap.Error(err))
		}
		return nil, err
	}

	s.metrics.Purchase("accepted")
	for _, e := range res.Earnings {
		s.metrics.Earning(e.Level, e.Amount)
	}
	for _, n := range res.Notifications {
		s.publisher.Publish(n)
	}

	s.logger.Info("purchase processed",
		zap.String("user_id", buyer.ID),
		zap.String("transaction_id", res.Transaction.ID),
		zap.String("amount", amount.String()),
		zap.Int("earnings", len(res.Earnings)),
	)

	return res, nil
}

// checkMoney отсекает значения, которые нельзя хранить и форматировать без потерь.
// Экспонента проверяется до любых сравнений: сравнение приводит числа к общему масштабу.
func checkMoney(field string, v decimal.Decimal) error {
	exp := v.Exponent()
	if exp < -maxMoneyScale || exp > 15 {
		return fmt.Errorf("%w: %s exponent %d is out of range", ErrInvalidInput, field, exp)
	}
	if v.Abs().GreaterThan(MaxMoneyValue) {
		return fmt.Errorf("%w: %s exceeds %s", ErrInvalidInput, field, MaxMoneyValue)
	}
	return nil
}

func payout(lvl level, buyer, direct, recipient *model.User, profit decimal.Decimal) model.Payout {
	amount := profit.Mul(lvl.rate())

	message := fmt.Sprintf("You earned ₹%s from %s's purchase", amount.StringFixed(2), buyer.Name)
	if lvl.depth > 1 && direct != nil {
		message = fmt.Sprintf("You earned ₹%s from %s's purchase (via %s)", amount.StringFixed(2), buyer.Name, direct.Name)
	}

	return model.Payout{
		Earning: model.Earning{
			UserID:       recipient.ID,
			FromUserID:   buyer.ID,
			FromUserName: buyer.Name,
			Amount:       amount,
			Percentage:   int(lvl.percentage),
			Level:        lvl.depth,
			Kind:         lvl.kind,
		},
		Notification: model.Notification{
			Kind:    lvl.notice,
			UserID:  recipient.ID,
			Title:   lvl.title,
			Message: message,
			Amount:  &amount,
		},
	}
}
