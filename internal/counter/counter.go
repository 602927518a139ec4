// Package counter issues sequence numbers and human-readable entity codes.
package counter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/pkg/schema"
)

// Code prefixes.
const (
	PrefixProject  = "PRJ"
	PrefixContract = "CTR"
	PrefixEmployee = "EMP"
)

// Service hands out codes of the form PREFIX-YYYYMM-NNNN. Sequences are
// scoped per prefix and calendar month.
type Service struct {
	store store.CounterStore
}

// New creates a Service backed by the given counter store.
func New(s store.CounterStore) *Service {
	return &Service{store: s}
}

// Next increments and returns the named counter.
func (s *Service) Next(ctx context.Context, name string) (int64, error) {
	return s.store.NextCounter(ctx, name)
}

// Code returns the next code for prefix in the month of at.
func (s *Service) Code(ctx context.Context, prefix string, at time.Time) (string, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "code prefix is required")
	}
	period := at.UTC().Format("200601")
	n, err := s.store.NextCounter(ctx, prefix+"-"+period)
	if err != nil {
		return "", fmt.Errorf("next %s code: %w", prefix, err)
	}
	return Format(prefix, period, n), nil
}

// Format renders a code. Sequence numbers are zero-padded to four digits and
// grow wider past 9999.
func Format(prefix, period string, n int64) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, period, n)
}
