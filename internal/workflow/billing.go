package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/rendis/bizflow/pkg/schema"
)

// Billing frequencies.
const (
	FrequencyOneTime   = "one-time"
	FrequencyMonthly   = "monthly"
	FrequencyQuarterly = "quarterly"
	FrequencyAnnually  = "annually"
)

// Period is one half-open billing interval [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// frequencyMonths maps a periodic frequency to its length in months.
var frequencyMonths = map[string]int{
	FrequencyMonthly:   1,
	FrequencyQuarterly: 3,
	FrequencyAnnually:  12,
}

// PartitionPeriods splits [start, end) into consecutive periods of the given
// frequency. Period boundaries are computed from start so month-end dates do
// not drift; the last period is clipped to end.
func PartitionPeriods(start, end time.Time, frequency string) ([]Period, error) {
	months, ok := frequencyMonths[strings.ToLower(frequency)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown billing frequency %q", frequency).
			WithDetails(map[string]any{"frequency": frequency})
	}
	if !end.After(start) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "billing window is empty: %s to %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	var periods []Period
	cursor := start
	for k := 1; cursor.Before(end); k++ {
		next := start.AddDate(0, k*months, 0)
		if next.After(end) {
			next = end
		}
		periods = append(periods, Period{Start: cursor, End: next})
		cursor = next
	}
	return periods, nil
}

// amountPerPeriod evaluates the configured billing formula.
func (o *Orchestrator) amountPerPeriod(ctx context.Context, value float64, months, periodCount int) (float64, error) {
	return o.expr.EvaluateFloat(ctx, o.formula, map[string]any{
		"contractValue":  value,
		"contractMonths": months,
		"periodCount":    periodCount,
	})
}

// contractType derives the contract type from the quote flags.
func contractType(recurring, retainer bool) string {
	switch {
	case recurring:
		return "recurring"
	case retainer:
		return "retainer"
	default:
		return FrequencyOneTime
	}
}

// effectiveFrequency is the quote's billing frequency, or the default for
// the contract type when the quote has none.
func effectiveFrequency(quoteFrequency, typ string) string {
	f := strings.ToLower(strings.TrimSpace(quoteFrequency))
	if f != "" {
		return f
	}
	if typ == FrequencyOneTime {
		return FrequencyOneTime
	}
	return FrequencyMonthly
}
