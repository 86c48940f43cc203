package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"

	"example.com/campaign-payments/services/donation/internal/domain"
	"example.com/campaign-payments/services/donation/internal/gateway"
)

// =============================================================================
// FakeGateway
// =============================================================================

// FakeGateway — потокобезопасный фейк платёжного шлюза. По умолчанию все вызовы
// успешны; поведение отдельных операций задаётся хуками *Func.
type FakeGateway struct {
	mu    sync.Mutex
	seq   int
	calls map[string]int

	// IdempotencyKeys — ключи идемпотентности по операциям в порядке вызовов.
	IdempotencyKeys map[string][]string
	// Transactions — параметры созданных транзакций.
	Transactions []gateway.TransactionParams

	CreateCustomerFunc         func(p gateway.CustomerParams) (*gateway.Customer, error)
	CreatePaymentMethodFunc    func(p gateway.PaymentMethodParams) (*gateway.PaymentMethod, error)
	CreateTransactionFunc      func(ctx context.Context, p gateway.TransactionParams) (*gateway.Transaction, error)
	CreateRecurringPaymentFunc func(p gateway.RecurringPaymentParams) (*gateway.RecurringPayment, error)
	RecurringActionFunc        func(action, id string) (*gateway.RecurringPayment, error)
	CreateRefundFunc           func(p gateway.RefundParams) (*gateway.RefundObject, error)
}

// NewFakeGateway создаёт фейк шлюза.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		calls:           make(map[string]int),
		IdempotencyKeys: make(map[string][]string),
	}
}

func (g *FakeGateway) record(op, key string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
	g.seq++
	if key != "" {
		g.IdempotencyKeys[op] = append(g.IdempotencyKeys[op], key)
	}
	return fmt.Sprintf("%d", g.seq)
}

// Calls возвращает число вызовов операции.
func (g *FakeGateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// Keys возвращает ключи идемпотентности операции.
func (g *FakeGateway) Keys(op string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.IdempotencyKeys[op]...)
}

func (g *FakeGateway) CreateCustomer(_ context.Context, p gateway.CustomerParams) (*gateway.Customer, error) {
	n := g.record("create_customer", "")
	if g.CreateCustomerFunc != nil {
		return g.CreateCustomerFunc(p)
	}
	return &gateway.Customer{ID: "cus_" + n, Email: p.Email}, nil
}

func (g *FakeGateway) UpdateCustomer(_ context.Context, id string, p gateway.CustomerParams) (*gateway.Customer, error) {
	g.record("update_customer", "")
	return &gateway.Customer{ID: id, Email: p.Email}, nil
}

func (g *FakeGateway) CreatePaymentMethod(_ context.Context, p gateway.PaymentMethodParams) (*gateway.PaymentMethod, error) {
	n := g.record("create_payment_method", "")
	if g.CreatePaymentMethodFunc != nil {
		return g.CreatePaymentMethodFunc(p)
	}
	return &gateway.PaymentMethod{ID: "pm_" + n, Type: p.Type}, nil
}

func (g *FakeGateway) CreateTransaction(ctx context.Context, p gateway.TransactionParams, key string) (*gateway.Transaction, error) {
	n := g.record("create_transaction", key)
	g.mu.Lock()
	g.Transactions = append(g.Transactions, p)
	g.mu.Unlock()
	if g.CreateTransactionFunc != nil {
		return g.CreateTransactionFunc(ctx, p)
	}
	return &gateway.Transaction{ID: "txn_" + n, Status: gateway.StatusSucceeded, Amount: p.Amount, Currency: p.Currency}, nil
}

func (g *FakeGateway) CreateRecurringPayment(_ context.Context, p gateway.RecurringPaymentParams, key string) (*gateway.RecurringPayment, error) {
	n := g.record("create_recurring_payment", key)
	if g.CreateRecurringPaymentFunc != nil {
		return g.CreateRecurringPaymentFunc(p)
	}
	return &gateway.RecurringPayment{
		ID: "rp_" + n, Status: gateway.StatusActive, Amount: p.Amount,
		Interval: p.Interval, IntervalCount: p.IntervalCount,
	}, nil
}

func (g *FakeGateway) recurring(action, id string, status string) (*gateway.RecurringPayment, error) {
	g.record(action+"_recurring_payment", "")
	if g.RecurringActionFunc != nil {
		return g.RecurringActionFunc(action, id)
	}
	return &gateway.RecurringPayment{ID: id, Status: status}, nil
}

func (g *FakeGateway) PauseRecurringPayment(_ context.Context, id string) (*gateway.RecurringPayment, error) {
	return g.recurring("pause", id, gateway.StatusPaused)
}

func (g *FakeGateway) ResumeRecurringPayment(_ context.Context, id string) (*gateway.RecurringPayment, error) {
	return g.recurring("resume", id, gateway.StatusActive)
}

func (g *FakeGateway) CancelRecurringPayment(_ context.Context, id string) (*gateway.RecurringPayment, error) {
	return g.recurring("cancel", id, gateway.StatusCanceled)
}

func (g *FakeGateway) UpdateRecurringPayment(_ context.Context, id string, amount int64) (*gateway.RecurringPayment, error) {
	rp, err := g.recurring("update", id, gateway.StatusActive)
	if rp != nil {
		rp.Amount = amount
	}
	return rp, err
}

func (g *FakeGateway) CreateRefund(_ context.Context, p gateway.RefundParams, key string) (*gateway.RefundObject, error) {
	n := g.record("create_refund", key)
	if g.CreateRefundFunc != nil {
		return g.CreateRefundFunc(p)
	}
	return &gateway.RefundObject{ID: "re_" + n, TransactionID: p.TransactionID, Amount: p.Amount, Status: gateway.StatusSucceeded}, nil
}

// Declined — ошибка отказа банка (не повторяется).
func Declined() error {
	return &gateway.GatewayError{StatusCode: 402, Code: "card_declined", Message: "card declined"}
}

// Unavailable — временная ошибка шлюза (повторяется).
func Unavailable() error {
	return &gateway.GatewayError{StatusCode: 503, Code: "unavailable", Message: "service unavailable", Retryable: true}
}

// =============================================================================
// MockNotifier
// =============================================================================

// MockNotifier — мок notify.Sender. Без ожиданий все вызовы успешны.
type MockNotifier struct {
	mock.Mock
	mu       sync.Mutex
	Receipts []string
	Failures []string
	Refunds  []string
	strict   bool
}

// NewStrictNotifier создаёт мок, требующий явных ожиданий On(...).
func NewStrictNotifier() *MockNotifier {
	return &MockNotifier{strict: true}
}

func (m *MockNotifier) called(method string, args ...any) error {
	if m.strict {
		return m.MethodCalled(method, args...).Error(0)
	}
	return nil
}

func (m *MockNotifier) SendReceipt(ctx context.Context, d *domain.Donation) error {
	m.mu.Lock()
	m.Receipts = append(m.Receipts, d.ID)
	m.mu.Unlock()
	return m.called("SendReceipt", ctx, d)
}

func (m *MockNotifier) SendFailureNotice(ctx context.Context, d *domain.Donation) error {
	m.mu.Lock()
	m.Failures = append(m.Failures, d.ID)
	m.mu.Unlock()
	return m.called("SendFailureNotice", ctx, d)
}

func (m *MockNotifier) SendRefundNotice(ctx context.Context, d *domain.Donation, r *domain.Refund) error {
	m.mu.Lock()
	m.Refunds = append(m.Refunds, r.ID)
	m.mu.Unlock()
	return m.called("SendRefundNotice", ctx, d, r)
}

// ReceiptCount возвращает число отправленных квитанций.
func (m *MockNotifier) ReceiptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Receipts)
}

// RefundNoticeCount возвращает число уведомлений о возвратах.
func (m *MockNotifier) RefundNoticeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Refunds)
}
