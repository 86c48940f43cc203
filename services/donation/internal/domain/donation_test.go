package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDonation(status DonationStatus) *Donation {
	return &Donation{
		ID:             "don-1",
		OrganizationID: "org-1",
		ElectionCycle:  "2026",
		Donor:          DonorInfo{Email: "jane@example.com", FirstName: "Jane", LastName: "Doe"},
		Amount:         10000,
		Currency:       "USD",
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	}
}

// =============================================================================
// State Machine тесты
// =============================================================================

func TestDonationStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   DonationStatus
		terminal bool
	}{
		{DonationPending, false},
		{DonationProcessing, false},
		{DonationSucceeded, false}, // из succeeded возможен refunded
		{DonationFailed, true},
		{DonationCanceled, true},
		{DonationRefunded, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestDonation_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name      string
		from      DonationStatus
		to        DonationStatus
		canChange bool
	}{
		{"pending -> processing", DonationPending, DonationProcessing, true},
		{"pending -> failed", DonationPending, DonationFailed, true},
		{"pending -> canceled", DonationPending, DonationCanceled, true},
		{"pending -> succeeded", DonationPending, DonationSucceeded, false},

		{"processing -> succeeded", DonationProcessing, DonationSucceeded, true},
		{"processing -> failed", DonationProcessing, DonationFailed, true},
		{"processing -> canceled", DonationProcessing, DonationCanceled, true},
		{"processing -> refunded", DonationProcessing, DonationRefunded, false},

		{"succeeded -> refunded", DonationSucceeded, DonationRefunded, true},
		{"succeeded -> failed", DonationSucceeded, DonationFailed, false},

		{"failed -> любой", DonationFailed, DonationSucceeded, false},
		{"canceled -> любой", DonationCanceled, DonationProcessing, false},
		{"refunded -> любой", DonationRefunded, DonationSucceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDonation(tt.from)
			assert.Equal(t, tt.canChange, d.CanTransitionTo(tt.to))
		})
	}
}

func TestDonation_Fail(t *testing.T) {
	t.Run("из processing фиксирует шаг и причину", func(t *testing.T) {
		d := newTestDonation(DonationProcessing)

		err := d.Fail(StepTransaction, "card declined")

		require.NoError(t, err)
		assert.Equal(t, DonationFailed, d.Status)
		require.NotNil(t, d.FailureReason)
		assert.Equal(t, "card declined", *d.FailureReason)
		require.NotNil(t, d.FailedStep)
		assert.Equal(t, StepTransaction, *d.FailedStep)
	})

	t.Run("из succeeded запрещено", func(t *testing.T) {
		d := newTestDonation(DonationSucceeded)

		err := d.Fail(StepTransaction, "late")

		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, DonationSucceeded, d.Status)
		assert.Nil(t, d.FailureReason)
	})
}

func TestDonation_ApplyRefund(t *testing.T) {
	t.Run("частичный возврат оставляет succeeded", func(t *testing.T) {
		d := newTestDonation(DonationSucceeded)

		require.NoError(t, d.ApplyRefund(4000))

		assert.Equal(t, DonationSucceeded, d.Status)
		assert.Equal(t, int64(4000), d.RefundedAmount)
		assert.Equal(t, int64(6000), d.RefundableAmount())
	})

	t.Run("полный возврат переводит в refunded", func(t *testing.T) {
		d := newTestDonation(DonationSucceeded)

		require.NoError(t, d.ApplyRefund(4000))
		require.NoError(t, d.ApplyRefund(6000))

		assert.Equal(t, DonationRefunded, d.Status)
		assert.Equal(t, d.Amount, d.RefundedAmount)
	})

	t.Run("превышение суммы отклоняется", func(t *testing.T) {
		d := newTestDonation(DonationSucceeded)

		err := d.ApplyRefund(10001)

		assert.ErrorIs(t, err, ErrRefundExceedsAmount)
		assert.Zero(t, d.RefundedAmount)
	})

	t.Run("не succeeded — ошибка перехода", func(t *testing.T) {
		d := newTestDonation(DonationProcessing)
		assert.ErrorIs(t, d.ApplyRefund(100), ErrInvalidTransition)
	})
}

func TestDonation_AddFlags(t *testing.T) {
	d := newTestDonation(DonationPending)

	d.AddFlags(FlagItemized, FlagFraudReview, FlagItemized, "")

	assert.Equal(t, []string{FlagItemized, FlagFraudReview}, d.ComplianceFlags)
	assert.True(t, d.HasFlag(FlagFraudReview))
}

func TestNewDonation_NormalizesDonor(t *testing.T) {
	req := &DonationRequest{
		FundraiserID: "fr-1",
		Amount:       2500,
		Currency:     "usd",
		Donor: DonorInfo{
			Email:     "  Jane.Doe@Example.COM ",
			FirstName: " Jane ",
			LastName:  "Doe",
			Address:   &PostalAddress{Line1: "1 Main St", City: "Austin", State: "TX", PostalCode: "78701", Country: "us"},
		},
	}

	d := NewDonation(req, "org-1", "2026", time.Now())

	assert.NotEmpty(t, d.ID)
	assert.Equal(t, DonationPending, d.Status)
	assert.Equal(t, "USD", d.Currency)
	assert.Equal(t, "jane.doe@example.com", d.Donor.Email)
	assert.Equal(t, "Jane", d.Donor.FirstName)
	assert.Equal(t, "US", d.Donor.Address.Country)
	assert.Equal(t, "us", req.Donor.Address.Country, "исходный запрос не меняется")
	assert.Equal(t, DonorKey{DonorID: "jane.doe@example.com", OrganizationID: "org-1", Cycle: "2026"}, d.DonorKey())
}

func TestDonorInfo_HasCompleteAddress(t *testing.T) {
	full := &PostalAddress{Line1: "1 Main St", City: "Austin", State: "TX", PostalCode: "78701", Country: "US"}

	assert.True(t, DonorInfo{Address: full}.HasCompleteAddress())
	assert.False(t, DonorInfo{}.HasCompleteAddress())

	partial := *full
	partial.PostalCode = " "
	assert.False(t, DonorInfo{Address: &partial}.HasCompleteAddress())
}

// =============================================================================
// Ошибки
// =============================================================================

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"валидация", NewValidationError(FieldError{Field: "amount", Code: "min", Message: "too small"}), CodeValidation},
		{"лимит", &ComplianceViolation{Limit: 330000}, CodeComplianceViolation},
		{"фрод", &FraudRejection{Score: 95}, CodeFraudRejected},
		{"возврат", &RefundIneligible{Reason: IneligibleAmount}, CodeRefundIneligible},
		{"обёрнутая валидация", fmt.Errorf("create: %w", NewValidationError()), CodeValidation},
		{"не найдено", ErrDonationNotFound, CodeNotFound},
		{"переход", fmt.Errorf("pause: %w", ErrInvalidTransition), CodeInvalidTransition},
		{"прочее", errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, ErrorCode(tt.err))
		})
	}
}

func TestValidationError_Message(t *testing.T) {
	err := NewValidationError(
		FieldError{Field: "amount", Code: "min", Message: "must be at least $1.00"},
		FieldError{Field: "donor.email", Code: "email", Message: "invalid email"},
	)

	assert.Contains(t, err.Error(), "amount: must be at least $1.00")
	assert.Contains(t, err.Error(), "donor.email: invalid email")
	assert.True(t, err.HasField("donor.email"))
	assert.False(t, err.HasField("currency"))
}
