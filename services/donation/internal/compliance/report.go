package compliance

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"example.com/campaign-payments/services/donation/internal/domain"
)

// DonationLister — источник пожертвований для отчёта.
type DonationLister interface {
	ListForReport(ctx context.Context, organizationID string, period domain.Period) ([]*domain.Donation, error)
}

// ItemizedDonation — одно пожертвование в детализации донора.
type ItemizedDonation struct {
	DonationID string    `json:"donation_id"`
	Date       time.Time `json:"date"`
	Amount     int64     `json:"amount"`
	Refunded   int64     `json:"refunded"`
}

// ItemizedEntry — донор, чья сумма за цикл превышает порог детализации.
type ItemizedEntry struct {
	DonorID     string                `json:"donor_id"`
	Name        string                `json:"name"`
	Address     *domain.PostalAddress `json:"address,omitempty"`
	Employer    string                `json:"employer,omitempty"`
	Occupation  string                `json:"occupation,omitempty"`
	Cycle       string                `json:"cycle"`
	PeriodTotal int64                 `json:"period_total"`
	CycleToDate int64                 `json:"cycle_to_date"`
	Donations   []ItemizedDonation    `json:"donations"`
}

// Report — отчёт организации за период. Суммы — за вычетом возвратов.
type Report struct {
	OrganizationID  string          `json:"organization_id"`
	From            time.Time       `json:"from"`
	To              time.Time       `json:"to"`
	GeneratedAt     time.Time       `json:"generated_at"`
	Itemized        []ItemizedEntry `json:"itemized"`
	ItemizedTotal   int64           `json:"itemized_total"`
	UnitemizedTotal int64           `json:"unitemized_total"`
	UnitemizedCount int             `json:"unitemized_count"`
	TotalReceived   int64           `json:"total_received"`
	TotalRefunded   int64           `json:"total_refunded"`
}

// GenerateReport собирает отчёт: успешные пожертвования периода группируются по донору,
// доноры с суммой за цикл выше порога детализации перечисляются с адресом и местом работы,
// остальные суммируются без детализации.
func (l *Ledger) GenerateReport(ctx context.Context, donations DonationLister, organizationID string, period domain.Period) (*Report, error) {
	if !period.From.Before(period.To) {
		return nil, domain.NewValidationError(domain.FieldError{
			Field: "period", Code: "invalid", Message: "начало периода должно быть раньше конца",
		})
	}

	list, err := donations.ListForReport(ctx, organizationID, period)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки пожертвований: %w", err)
	}

	// Сумма за цикл по ключу донора. Агрегаты читаются один раз на цикл.
	cycleTotals := make(map[domain.DonorKey]int64)
	loaded := make(map[string]bool)
	for _, d := range list {
		if loaded[d.ElectionCycle] {
			continue
		}
		loaded[d.ElectionCycle] = true
		aggs, err := l.aggs.ListAggregates(ctx, organizationID, d.ElectionCycle)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения агрегатов: %w", err)
		}
		for _, a := range aggs {
			cycleTotals[a.Key] = a.Total
		}
	}

	report := &Report{
		OrganizationID: organizationID,
		From:           period.From,
		To:             period.To,
		GeneratedAt:    l.now(),
	}

	entries := make(map[domain.DonorKey]*ItemizedEntry)
	for _, d := range list {
		net := d.Amount - d.RefundedAmount
		report.TotalReceived += d.Amount
		report.TotalRefunded += d.RefundedAmount
		if net <= 0 {
			continue
		}

		key := d.DonorKey()
		if cycleTotals[key] < l.cfg.ItemizationThreshold {
			report.UnitemizedTotal += net
			report.UnitemizedCount++
			continue
		}

		e, ok := entries[key]
		if !ok {
			e = &ItemizedEntry{
				DonorID:     key.DonorID,
				Name:        d.Donor.FullName(),
				Address:     d.Donor.Address,
				Employer:    d.Donor.Employer,
				Occupation:  d.Donor.Occupation,
				Cycle:       key.Cycle,
				CycleToDate: cycleTotals[key],
			}
			entries[key] = e
		}
		e.PeriodTotal += net
		e.Donations = append(e.Donations, ItemizedDonation{
			DonationID: d.ID,
			Date:       d.CreatedAt,
			Amount:     d.Amount,
			Refunded:   d.RefundedAmount,
		})
		report.ItemizedTotal += net
	}

	report.Itemized = make([]ItemizedEntry, 0, len(entries))
	for _, e := range entries {
		report.Itemized = append(report.Itemized, *e)
	}
	sort.Slice(report.Itemized, func(i, j int) bool {
		if report.Itemized[i].Cycle != report.Itemized[j].Cycle {
			return report.Itemized[i].Cycle < report.Itemized[j].Cycle
		}
		return report.Itemized[i].DonorID < report.Itemized[j].DonorID
	})

	return report, nil
}

// FormatCents форматирует сумму в центах как доллары с двумя знаками.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

var csvHeader = []string{
	"donor_id", "name", "address_line1", "address_line2", "city", "state", "postal_code", "country",
	"employer", "occupation", "donation_id", "date", "amount", "refunded", "cycle", "cycle_to_date",
}

// CSV возвращает детализированную часть отчёта и итоговую строку без детализации.
func (r *Report) CSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}

	for _, e := range r.Itemized {
		addr := domain.PostalAddress{}
		if e.Address != nil {
			addr = *e.Address
		}
		for _, d := range e.Donations {
			row := []string{
				e.DonorID, e.Name,
				addr.Line1, addr.Line2, addr.City, addr.State, addr.PostalCode, addr.Country,
				e.Employer, e.Occupation,
				d.DonationID, d.Date.UTC().Format("2006-01-02"),
				FormatCents(d.Amount), FormatCents(d.Refunded),
				e.Cycle, FormatCents(e.CycleToDate),
			}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
	}

	summary := make([]string, len(csvHeader))
	summary[0] = "unitemized"
	summary[1] = strconv.Itoa(r.UnitemizedCount) + " contributions"
	summary[12] = FormatCents(r.UnitemizedTotal)
	if err := w.Write(summary); err != nil {
		return nil, err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
