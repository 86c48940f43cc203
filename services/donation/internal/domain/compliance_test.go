package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCycleFor(t *testing.T) {
	tests := []struct {
		name  string
		at    time.Time
		years int
		want  string
	}{
		{"нечётный год — до следующего", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), 2, "2026"},
		{"чётный год — текущий", time.Date(2026, 11, 30, 0, 0, 0, 0, time.UTC), 2, "2026"},
		{"годовой цикл", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), 1, "2025"},
		{"некорректная длина считается годом", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), 0, "2027"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CycleFor(tt.at, tt.years))
		})
	}
}

func TestContributionAggregate_Apply(t *testing.T) {
	a := &ContributionAggregate{}
	now := time.Now()

	a.Apply(5000, now)
	a.Apply(-2000, now)
	assert.Equal(t, int64(3000), a.Total)
	assert.Equal(t, 1, a.DonationCount)

	a.Apply(-10000, now)
	assert.Zero(t, a.Total, "итог не уходит в минус")
}

func TestPeriod_Contains(t *testing.T) {
	p := Period{
		From: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}

	assert.True(t, p.Contains(p.From))
	assert.False(t, p.Contains(p.To))
	assert.True(t, p.Contains(time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC)))
}

func TestDonorKey_String(t *testing.T) {
	k := DonorKey{DonorID: "a@example.com", OrganizationID: "org-1", Cycle: "2026"}
	assert.Equal(t, "org-1:2026:a@example.com", k.String())
}
