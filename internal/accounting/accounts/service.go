package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Service answers chart of accounts lookups.
type Service struct {
	chart *Chart
}

// NewService constructs the chart of accounts service.
func NewService(chart *Chart) *Service {
	return &Service{chart: chart}
}

// List returns every account, optionally only active ones.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]Account, error) {
	snap, err := s.chart.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(snap.Accounts))
	for _, a := range snap.Accounts {
		if activeOnly && !a.IsActive {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Lookup returns the active account for code.
func (s *Service) Lookup(ctx context.Context, code string) (Account, error) {
	snap, err := s.chart.Snapshot(ctx)
	if err != nil {
		return Account{}, err
	}
	return lookup(snap, code)
}

// Resolve picks the account for a module role. An explicit hint code wins,
// then the configured account_mappings row, then fallback. A fallback code
// missing from the chart counts as an absent mapping.
func (s *Service) Resolve(ctx context.Context, module, key, hint, fallback string) (Account, error) {
	snap, err := s.chart.Snapshot(ctx)
	if err != nil {
		return Account{}, err
	}
	if hint = strings.TrimSpace(hint); hint != "" {
		return lookup(snap, hint)
	}
	module = strings.ToUpper(module)
	for _, m := range snap.Mappings {
		if m.Module == module && m.Key == key {
			return lookup(snap, m.AccountCode)
		}
	}
	if fallback != "" {
		acct, err := lookup(snap, fallback)
		if errors.Is(err, ErrUnknownAccount) {
			return Account{}, fmt.Errorf("%w: %s/%s, default %s not in chart", ErrMappingNotFound, module, key, fallback)
		}
		return acct, err
	}
	return Account{}, fmt.Errorf("%w: %s/%s", ErrMappingNotFound, module, key)
}

// Invalidate drops cached chart data after COA edits.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.chart.Invalidate(ctx)
}

func lookup(snap *Snapshot, code string) (Account, error) {
	for _, a := range snap.Accounts {
		if a.Code == code {
			if !a.IsActive {
				return Account{}, fmt.Errorf("%w: %s is inactive", ErrUnknownAccount, code)
			}
			return a, nil
		}
	}
	return Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, code)
}
