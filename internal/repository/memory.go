package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/referral-network/internal/model"
)

// MemoryRepository хранит реестр в памяти процесса.
// Все изменяющие операции выполняются под одной блокировкой.
type MemoryRepository struct {
	mu sync.RWMutex

	users   map[string]*model.User
	order   []string
	byEmail map[string]string
	byCode  map[string]string

	transactions  map[string][]model.Transaction
	earnings      map[string][]model.Earning
	notifications map[string][]model.Notification

	// Журналы транзакций и начислений только дополняются, поэтому позиции стабильны.
	txnIndex     map[string]ledgerRef
	earningIndex map[string]ledgerRef

	now func() time.Time
}

type ledgerRef struct {
	userID string
	pos    int
}

// NewMemoryRepository создаёт пустой реестр в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:         make(map[string]*model.User),
		byEmail:       make(map[string]string),
		byCode:        make(map[string]string),
		transactions:  make(map[string][]model.Transaction),
		earnings:      make(map[string][]model.Earning),
		notifications: make(map[string][]model.Notification),
		txnIndex:      make(map[string]ledgerRef),
		earningIndex:  make(map[string]ledgerRef),
		now:           time.Now,
	}
}

// Close ничего не освобождает и нужен для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateUser сохраняет нового пользователя с нулевым балансом и без пригласившего.
// Если реферальный код не задан, он генерируется.
func (r *MemoryRepository) CreateUser(_ context.Context, draft model.User) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[draft.Email]; ok {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, draft.Email)
	}

	code := draft.ReferralCode
	if code != "" {
		if _, ok := r.byCode[code]; ok {
			return nil, fmt.Errorf("%w: %s", ErrReferralCodeTaken, code)
		}
	} else {
		for i := 0; i < codeAttempts; i++ {
			candidate := newReferralCode()
			if _, ok := r.byCode[candidate]; !ok {
				code = candidate
				break
			}
		}
		if code == "" {
			return nil, fmt.Errorf("generate referral code: %w", ErrReferralCodeTaken)
		}
	}

	u := &model.User{
		ID:               newID(),
		Email:            draft.Email,
		Name:             draft.Name,
		ReferralCode:     code,
		DirectReferrals:  []string{},
		TotalEarnings:    decimal.Zero,
		DirectEarnings:   decimal.Zero,
		IndirectEarnings: decimal.Zero,
		IsActive:         draft.IsActive,
		CreatedAt:        r.now(),
	}

	r.users[u.ID] = u
	r.order = append(r.order, u.ID)
	r.byEmail[u.Email] = u.ID
	r.byCode[u.ReferralCode] = u.ID

	out := u.Clone()
	return &out, nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *MemoryRepository) GetUser(_ context.Context, id string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	out := u.Clone()
	return &out, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *MemoryRepository) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[email]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	out := r.users[id].Clone()
	return &out, nil
}

// GetUserByReferralCode возвращает владельца реферального кода.
func (r *MemoryRepository) GetUserByReferralCode(_ context.Context, code string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byCode[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReferralCodeNotFound, code)
	}
	out := r.users[id].Clone()
	return &out, nil
}

// ListUsers возвращает всех пользователей в порядке регистрации.
func (r *MemoryRepository) ListUsers(_ context.Context) ([]model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]model.User, 0, len(r.order))
	for _, id := range r.order {
		res = append(res, r.users[id].Clone())
	}
	return res, nil
}

// AttachReferral делает childID прямым рефералом parentID.
func (r *MemoryRepository) AttachReferral(_ context.Context, parentID, childID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.users[parentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, parentID)
	}
	child, ok := r.users[childID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, childID)
	}
	if parentID == childID {
		return ErrReferralCycle
	}
	if len(parent.DirectReferrals) >= model.MaxDirectReferrals {
		return fmt.Errorf("%w: %s", ErrReferralLimit, parentID)
	}
	if child.HasParent() {
		return fmt.Errorf("%w: %s", ErrAlreadyReferred, childID)
	}

	// у child нет родителя, поэтому цикл возможен, только если child является предком parent
	for p := parent; p.HasParent(); {
		if p.ParentID == childID {
			return ErrReferralCycle
		}
		next, ok := r.users[p.ParentID]
		if !ok {
			return fmt.Errorf("%w: missing user %s", ErrLedgerInconsistent, p.ParentID)
		}
		p = next
	}

	shift := parent.Level + 1 - child.Level

	parent.DirectReferrals = append(parent.DirectReferrals, childID)
	child.ParentID = parentID
	child.Level = parent.Level + 1

	if shift != 0 {
		stack := append([]string(nil), child.DirectReferrals...)
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if d, ok := r.users[id]; ok {
				d.Level += shift
				stack = append(stack, d.DirectReferrals...)
			}
		}
	}

	return nil
}

// Descendants возвращает снимок поддерева: сначала корень, затем потомки в ширину.
func (r *MemoryRepository) Descendants(_ context.Context, rootID string) ([]model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	root, ok := r.users[rootID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, rootID)
	}

	res := []model.User{root.Clone()}
	queue := append([]string(nil), root.DirectReferrals...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		u, ok := r.users[id]
		if !ok {
			continue
		}
		res = append(res, u.Clone())
		queue = append(queue, u.DirectReferrals...)
	}
	return res, nil
}

// RecordPurchase атомарно записывает транзакцию, начисления, изменения балансов и уведомления.
// При любой ошибке состояние реестра не меняется.
func (r *MemoryRepository) RecordPurchase(_ context.Context, rec model.PurchaseRecord) (*model.PurchaseResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[rec.Transaction.UserID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, rec.Transaction.UserID)
	}
	for _, p := range rec.Payouts {
		if _, ok := r.users[p.Earning.UserID]; !ok {
			return nil, fmt.Errorf("%w: earning recipient %s", ErrLedgerInconsistent, p.Earning.UserID)
		}
		if p.Earning.Kind != model.EarningDirect && p.Earning.Kind != model.EarningIndirect {
			return nil, fmt.Errorf("%w: earning kind %q", ErrLedgerInconsistent, p.Earning.Kind)
		}
	}

	now := r.now()

	txn := rec.Transaction
	txn.ID = newID()
	txn.CreatedAt = now
	r.txnIndex[txn.ID] = ledgerRef{userID: txn.UserID, pos: len(r.transactions[txn.UserID])}
	r.transactions[txn.UserID] = append(r.transactions[txn.UserID], txn)

	res := &model.PurchaseResult{
		Transaction:   txn,
		Earnings:      make([]model.Earning, 0, len(rec.Payouts)),
		Notifications: make([]model.Notification, 0, len(rec.Payouts)),
	}

	for _, p := range rec.Payouts {
		e := p.Earning
		e.ID = newID()
		e.TransactionID = txn.ID
		e.CreatedAt = now
		r.earningIndex[e.ID] = ledgerRef{userID: e.UserID, pos: len(r.earnings[e.UserID])}
		r.earnings[e.UserID] = append(r.earnings[e.UserID], e)

		u := r.users[e.UserID]
		u.TotalEarnings = u.TotalEarnings.Add(e.Amount)
		if e.Kind == model.EarningDirect {
			u.DirectEarnings = u.DirectEarnings.Add(e.Amount)
		} else {
			u.IndirectEarnings = u.IndirectEarnings.Add(e.Amount)
		}

		n := p.Notification
		n.UserID = e.UserID
		r.appendNotification(&n, now)

		res.Earnings = append(res.Earnings, e)
		res.Notifications = append(res.Notifications, n)
	}

	return res, nil
}

// GetTransactionsByUser возвращает транзакции пользователя в порядке создания.
func (r *MemoryRepository) GetTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]model.Transaction{}, r.transactions[userID]...), nil
}

// GetTransaction возвращает транзакцию по идентификатору.
func (r *MemoryRepository) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ref, ok := r.txnIndex[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	t := r.transactions[ref.userID][ref.pos]
	return &t, nil
}

// GetEarningsByUser возвращает начисления пользователя в порядке создания.
func (r *MemoryRepository) GetEarningsByUser(_ context.Context, userID string) ([]model.Earning, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]model.Earning{}, r.earnings[userID]...), nil
}

// GetEarning возвращает начисление по идентификатору.
func (r *MemoryRepository) GetEarning(_ context.Context, id string) (*model.Earning, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ref, ok := r.earningIndex[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEarningNotFound, id)
	}
	e := r.earnings[ref.userID][ref.pos]
	return &e, nil
}

// AppendNotification добавляет уведомление в начало журнала пользователя.
func (r *MemoryRepository) AppendNotification(_ context.Context, n model.Notification) (*model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[n.UserID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, n.UserID)
	}

	r.appendNotification(&n, r.now())
	return &n, nil
}

func (r *MemoryRepository) appendNotification(n *model.Notification, now time.Time) {
	if n.ID == "" {
		n.ID = newID()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = now
	}

	log := r.notifications[n.UserID]
	log = append([]model.Notification{*n}, log...)
	if len(log) > model.NotificationLogLimit {
		log = log[:model.NotificationLogLimit]
	}
	r.notifications[n.UserID] = log
}

// GetNotifications возвращает журнал уведомлений, самые новые первыми.
func (r *MemoryRepository) GetNotifications(_ context.Context, userID string) ([]model.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]model.Notification{}, r.notifications[userID]...), nil
}
