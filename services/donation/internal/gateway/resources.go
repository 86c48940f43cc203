package gateway

import (
	"context"
	"net/http"
	"net/url"
)

// Статусы объектов шлюза.
const (
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusProcessing = "processing"
	StatusPending    = "pending"
	StatusCanceled   = "canceled"
	StatusActive     = "active"
	StatusPaused     = "paused"
)

// =============================================================================
// Клиенты и способы оплаты
// =============================================================================

// Address — адрес в формате шлюза.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// CustomerParams — параметры создания/обновления клиента.
type CustomerParams struct {
	Email     string            `json:"email"`
	FirstName string            `json:"first_name"`
	LastName  string            `json:"last_name"`
	Phone     string            `json:"phone,omitempty"`
	Address   *Address          `json:"address,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Customer — клиент шлюза.
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// CreateCustomer создаёт клиента.
func (c *Client) CreateCustomer(ctx context.Context, p CustomerParams) (*Customer, error) {
	var out Customer
	err := c.send(ctx, request{operation: "create_customer", method: http.MethodPost, path: "/v1/customers", body: p}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateCustomer обновляет клиента.
func (c *Client) UpdateCustomer(ctx context.Context, id string, p CustomerParams) (*Customer, error) {
	var out Customer
	err := c.send(ctx, request{operation: "update_customer", method: http.MethodPatch, path: "/v1/customers/" + url.PathEscape(id), body: p}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PaymentMethodParams — привязка токенизированного способа оплаты к клиенту.
type PaymentMethodParams struct {
	CustomerID string `json:"customer_id"`
	Token      string `json:"token"`
	Type       string `json:"type"`
}

// PaymentMethod — способ оплаты в шлюзе.
type PaymentMethod struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Last4 string `json:"last4,omitempty"`
}

// CreatePaymentMethod создаёт способ оплаты.
func (c *Client) CreatePaymentMethod(ctx context.Context, p PaymentMethodParams) (*PaymentMethod, error) {
	var out PaymentMethod
	err := c.send(ctx, request{operation: "create_payment_method", method: http.MethodPost, path: "/v1/payment-methods", body: p}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// Транзакции
// =============================================================================

// TransactionParams — параметры списания.
type TransactionParams struct {
	CustomerID      string            `json:"customer_id"`
	PaymentMethodID string            `json:"payment_method_id"`
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
	Description     string            `json:"description,omitempty"`
	Capture         bool              `json:"capture"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Transaction — транзакция шлюза.
type Transaction struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	FailureCode    string            `json:"failure_code,omitempty"`
	FailureMessage string            `json:"failure_message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CreateTransaction создаёт транзакцию. idempotencyKey защищает от двойного списания при повторах.
func (c *Client) CreateTransaction(ctx context.Context, p TransactionParams, idempotencyKey string) (*Transaction, error) {
	var out Transaction
	err := c.send(ctx, request{
		operation:      "create_transaction",
		method:         http.MethodPost,
		path:           "/v1/transactions",
		body:           p,
		idempotencyKey: idempotencyKey,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CaptureTransaction подтверждает авторизованную транзакцию.
func (c *Client) CaptureTransaction(ctx context.Context, id string) (*Transaction, error) {
	var out Transaction
	err := c.send(ctx, request{operation: "capture_transaction", method: http.MethodPost, path: "/v1/transactions/" + url.PathEscape(id) + "/capture"}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelTransaction отменяет незавершённую транзакцию.
func (c *Client) CancelTransaction(ctx context.Context, id string) (*Transaction, error) {
	var out Transaction
	err := c.send(ctx, request{operation: "cancel_transaction", method: http.MethodPost, path: "/v1/transactions/" + url.PathEscape(id) + "/cancel"}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// Регулярные платежи
// =============================================================================

// RecurringPaymentParams — параметры регулярного платежа.
type RecurringPaymentParams struct {
	CustomerID      string            `json:"customer_id"`
	PaymentMethodID string            `json:"payment_method_id"`
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
	Interval        string            `json:"interval"`
	IntervalCount   int               `json:"interval_count"`
	EndDate         int64             `json:"end_date,omitempty"` // unix seconds
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// RecurringPayment — регулярный платёж шлюза.
type RecurringPayment struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	Interval      string `json:"interval"`
	IntervalCount int    `json:"interval_count"`
	NextPaymentAt int64  `json:"next_payment_at,omitempty"`
}

// CreateRecurringPayment создаёт регулярный платёж.
func (c *Client) CreateRecurringPayment(ctx context.Context, p RecurringPaymentParams, idempotencyKey string) (*RecurringPayment, error) {
	var out RecurringPayment
	err := c.send(ctx, request{
		operation:      "create_recurring_payment",
		method:         http.MethodPost,
		path:           "/v1/recurring-payments",
		body:           p,
		idempotencyKey: idempotencyKey,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) recurringAction(ctx context.Context, id, action string) (*RecurringPayment, error) {
	var out RecurringPayment
	err := c.send(ctx, request{
		operation: action + "_recurring_payment",
		method:    http.MethodPost,
		path:      "/v1/recurring-payments/" + url.PathEscape(id) + "/" + action,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PauseRecurringPayment приостанавливает регулярный платёж.
func (c *Client) PauseRecurringPayment(ctx context.Context, id string) (*RecurringPayment, error) {
	return c.recurringAction(ctx, id, "pause")
}

// ResumeRecurringPayment возобновляет регулярный платёж.
func (c *Client) ResumeRecurringPayment(ctx context.Context, id string) (*RecurringPayment, error) {
	return c.recurringAction(ctx, id, "resume")
}

// CancelRecurringPayment отменяет регулярный платёж.
func (c *Client) CancelRecurringPayment(ctx context.Context, id string) (*RecurringPayment, error) {
	return c.recurringAction(ctx, id, "cancel")
}

// UpdateRecurringPayment меняет сумму будущих списаний.
func (c *Client) UpdateRecurringPayment(ctx context.Context, id string, amount int64) (*RecurringPayment, error) {
	var out RecurringPayment
	err := c.send(ctx, request{
		operation: "update_recurring_payment",
		method:    http.MethodPatch,
		path:      "/v1/recurring-payments/" + url.PathEscape(id),
		body:      map[string]int64{"amount": amount},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// Возвраты
// =============================================================================

// RefundParams — параметры возврата.
type RefundParams struct {
	TransactionID string            `json:"transaction_id"`
	Amount        int64             `json:"amount"`
	Reason        string            `json:"reason,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// RefundObject — возврат в шлюзе.
type RefundObject struct {
	ID             string            `json:"id"`
	TransactionID  string            `json:"transaction_id"`
	Amount         int64             `json:"amount"`
	Status         string            `json:"status"`
	FailureMessage string            `json:"failure_message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CreateRefund создаёт возврат. idempotencyKey — локальный ID возврата.
func (c *Client) CreateRefund(ctx context.Context, p RefundParams, idempotencyKey string) (*RefundObject, error) {
	var out RefundObject
	err := c.send(ctx, request{
		operation:      "create_refund",
		method:         http.MethodPost,
		path:           "/v1/refunds",
		body:           p,
		idempotencyKey: idempotencyKey,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRefund возвращает возврат по ID.
func (c *Client) GetRefund(ctx context.Context, id string) (*RefundObject, error) {
	var out RefundObject
	err := c.send(ctx, request{operation: "get_refund", method: http.MethodGet, path: "/v1/refunds/" + url.PathEscape(id)}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRefunds возвращает возвраты транзакции.
func (c *Client) ListRefunds(ctx context.Context, transactionID string) ([]RefundObject, error) {
	var out struct {
		Data []RefundObject `json:"data"`
	}
	path := "/v1/refunds?transaction_id=" + url.QueryEscape(transactionID)
	if err := c.send(ctx, request{operation: "list_refunds", method: http.MethodGet, path: path}, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}
