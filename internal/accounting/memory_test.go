package accounting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-books/internal/shared"
)

type ledgerState struct {
	entries map[string]JournalEntry
	links   map[string]string
	sources map[string]string
}

func (s ledgerState) clone() ledgerState {
	out := ledgerState{
		entries: make(map[string]JournalEntry, len(s.entries)),
		links:   make(map[string]string, len(s.links)),
		sources: make(map[string]string, len(s.sources)),
	}
	for k, v := range s.entries {
		out.entries[k] = v
	}
	for k, v := range s.links {
		out.links[k] = v
	}
	for k, v := range s.sources {
		out.sources[k] = v
	}
	return out
}

// memoryLedger commits a transaction's writes only when fn succeeds.
type memoryLedger struct {
	mu     sync.Mutex
	state  ledgerState
	locked map[string]bool
}

func newMemoryLedger(sourceKeys ...string) *memoryLedger {
	m := &memoryLedger{
		state:  ledgerState{entries: map[string]JournalEntry{}, links: map[string]string{}, sources: map[string]string{}},
		locked: map[string]bool{},
	}
	for _, k := range sourceKeys {
		m.state.sources[k] = ""
	}
	return m
}

func sourceKey(sourceType, sourceID string) string {
	return sourceType + "/" + sourceID
}

func (m *memoryLedger) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(ctx, &memoryTx{state: &work, locked: m.locked}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *memoryLedger) GetJournal(_ context.Context, id string) (JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.state.entries[id]
	if !ok {
		return JournalEntry{}, ErrJournalNotFound
	}
	return e, nil
}

func (m *memoryLedger) ListJournals(_ context.Context, filter ListFilter) ([]JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []JournalEntry
	for _, e := range m.state.entries {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		e.Lines = nil
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type memoryTx struct {
	state  *ledgerState
	locked map[string]bool
}

func (tx *memoryTx) IsPeriodLocked(_ context.Context, date time.Time) (bool, error) {
	return tx.locked[date.Format("2006-01-02")], nil
}

func (tx *memoryTx) InsertJournalEntry(_ context.Context, e JournalEntry) error {
	if _, ok := tx.state.entries[e.TransactionID]; ok {
		return fmt.Errorf("duplicate transaction %s", e.TransactionID)
	}
	e.Lines = nil
	tx.state.entries[e.TransactionID] = e
	return nil
}

func (tx *memoryTx) InsertJournalLines(_ context.Context, id string, lines []JournalLine) error {
	e, ok := tx.state.entries[id]
	if !ok {
		return ErrJournalNotFound
	}
	e.Lines = append([]JournalLine(nil), lines...)
	tx.state.entries[id] = e
	return nil
}

func (tx *memoryTx) LinkSource(_ context.Context, sourceType, sourceID, id string) error {
	key := sourceKey(sourceType, sourceID)
	if _, ok := tx.state.links[key]; ok {
		return errSourceConflict
	}
	tx.state.links[key] = id
	return nil
}

func (tx *memoryTx) UnlinkSource(_ context.Context, sourceType, sourceID string) error {
	delete(tx.state.links, sourceKey(sourceType, sourceID))
	return nil
}

func (tx *memoryTx) MarkSourceJournaled(_ context.Context, sourceType, sourceID, id string) error {
	key := sourceKey(sourceType, sourceID)
	if _, ok := tx.state.sources[key]; !ok {
		return ErrSourceNotFound
	}
	tx.state.sources[key] = id
	return nil
}

func (tx *memoryTx) GetJournalForUpdate(_ context.Context, id string) (JournalEntry, error) {
	e, ok := tx.state.entries[id]
	if !ok {
		return JournalEntry{}, ErrJournalNotFound
	}
	return e, nil
}

func (tx *memoryTx) UpdateJournalStatus(_ context.Context, id string, status JournalStatus, reversedBy string) error {
	e, ok := tx.state.entries[id]
	if !ok {
		return ErrJournalNotFound
	}
	e.Status = status
	e.ReversedBy = reversedBy
	tx.state.entries[id] = e
	return nil
}

type memoryAudit struct {
	logs []shared.AuditLog
	err  error
}

func (a *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	if a.err != nil {
		return a.err
	}
	a.logs = append(a.logs, log)
	return nil
}

var errBoom = errors.New("boom")

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("JRN-%03d", n)
	}
}
