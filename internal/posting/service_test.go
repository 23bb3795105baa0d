package posting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-books/internal/accounting"
	"github.com/odyssey-erp/odyssey-books/internal/accounting/accounts"
	"github.com/odyssey-erp/odyssey-books/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-books/internal/shared"
)

type fakeLedger struct {
	posted []accounting.PostingInput
	err    error
}

func (l *fakeLedger) PostJournal(_ context.Context, in accounting.PostingInput) (accounting.JournalEntry, error) {
	if l.err != nil {
		return accounting.JournalEntry{}, l.err
	}
	if err := in.Validate(); err != nil {
		return accounting.JournalEntry{}, err
	}
	l.posted = append(l.posted, in)
	entry := accounting.JournalEntry{TransactionID: "JRN-TEST", SourceType: in.SourceType, SourceID: in.SourceID}
	for i, line := range in.Lines {
		entry.Lines = append(entry.Lines, accounting.JournalLine{LineNo: i + 1, AccountCode: line.AccountCode, AccountName: line.AccountName, Debit: line.Debit, Credit: line.Credit})
	}
	return entry, nil
}

type chartRepo struct {
	accounts []accounts.Account
	mappings []accounts.AccountMapping
}

func (r chartRepo) List(context.Context) ([]accounts.Account, error) { return r.accounts, nil }

func (r chartRepo) ListMappings(context.Context) ([]accounts.AccountMapping, error) {
	return r.mappings, nil
}

func defaultChart(skip ...Role) chartRepo {
	skipped := map[Role]bool{}
	for _, r := range skip {
		skipped[r] = true
	}
	var repo chartRepo
	for role, code := range DefaultAccounts {
		if skipped[role] {
			continue
		}
		repo.accounts = append(repo.accounts, accounts.Account{Code: code, Name: string(role), IsActive: true})
	}
	return repo
}

type stockPrices map[string]decimal.Decimal

func (s stockPrices) UnitPrice(_ context.Context, id string) (decimal.Decimal, error) {
	p, ok := s[id]
	if !ok {
		return decimal.Zero, ErrStockNotFound
	}
	return p, nil
}

type memoryIdem struct {
	keys map[string]bool
}

func (m *memoryIdem) CheckAndInsert(_ context.Context, key, module string) error {
	if m.keys[module+key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[module+key] = true
	return nil
}

func (m *memoryIdem) Delete(_ context.Context, key, module string) error {
	delete(m.keys, module+key)
	return nil
}

type outcomes map[string]int

func (o outcomes) ObservePosting(kind, outcome string) { o[kind+":"+outcome]++ }

type fixture struct {
	svc      *Service
	ledger   *fakeLedger
	idem     *memoryIdem
	outcomes outcomes
}

func newFixture(repo chartRepo) fixture {
	ledger := &fakeLedger{}
	idem := &memoryIdem{keys: map[string]bool{}}
	obs := outcomes{}
	chart := accounts.NewChart(repo, nil, time.Minute, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stock := stockPrices{"STK-1": dec("2500"), "STK-0": decimal.Zero}
	svc := NewService(ledger, accounts.NewService(chart), stock, idem, obs, logger)
	return fixture{svc: svc, ledger: ledger, idem: idem, outcomes: obs}
}

func TestAutoPostCashSale(t *testing.T) {
	f := newFixture(defaultChart())
	rec := cashSale()
	rec.Description = "<i>Penjualan</i> kasir 1"
	res, err := f.svc.AutoPost(context.Background(), Request{Type: KindSale, Record: rec}, Options{Actor: "kasir-1"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "JRN-TEST", res.TransactionID)
	require.Len(t, res.Entries, 3)

	require.Len(t, f.ledger.posted, 1)
	in := f.ledger.posted[0]
	require.Equal(t, "sales_transaction", in.SourceType)
	require.Equal(t, "S-1", in.SourceID)
	require.Equal(t, "Penjualan kasir 1", in.Description)
	require.Equal(t, "kasir-1", in.CreatedBy)
	require.Equal(t, "1-1100", in.Lines[0].AccountCode)
	require.Equal(t, 1, f.outcomes["sales_transaction:posted"])
}

func TestAutoPostStockAdjustmentWithoutPriceWritesNothing(t *testing.T) {
	f := newFixture(defaultChart())
	req := Request{Type: KindStockAdjustment, Record: Record{ID: "A-1", StockID: "STK-0", AdjustmentType: AdjustStockIn, AdjustmentValue: dec("3")}}
	res, err := f.svc.AutoPost(context.Background(), req, Options{})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, CodeMissingUnitPrice, res.Code)
	require.Empty(t, f.ledger.posted)
	require.Equal(t, 1, f.outcomes["stock_adjustment:data_quality"])
}

func TestAutoPostStockAdjustmentUsesStockPrice(t *testing.T) {
	f := newFixture(defaultChart())
	req := Request{Type: KindStockAdjustment, Record: Record{ID: "A-2", StockID: "STK-1", AdjustmentType: AdjustManual, AdjustmentValue: dec("-2")}}
	res, err := f.svc.AutoPost(context.Background(), req, Options{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, DefaultAccounts[RoleOtherExpense], res.Entries[0].AccountCode)
	require.True(t, res.Entries[0].Debit.Equal(dec("5000")))
}

func TestAutoPostUnknownStock(t *testing.T) {
	f := newFixture(defaultChart())
	req := Request{Type: KindInternalUsage, Record: Record{ID: "U-1", StockID: "STK-404", Quantity: dec("1")}}
	res, err := f.svc.AutoPost(context.Background(), req, Options{})
	require.NoError(t, err)
	require.Equal(t, CodeUnknownStock, res.Code)
}

func TestAutoPostMissingCOGSAccountIsDataQuality(t *testing.T) {
	f := newFixture(defaultChart(RoleCOGS))
	rec := cashSale()
	rec.CogsAmount = dec("40000")
	res, err := f.svc.AutoPost(context.Background(), Request{Type: KindSale, Record: rec}, Options{})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, CodeMissingAccountMapping, res.Code)
	require.Empty(t, f.ledger.posted)
}

func TestAutoPostHonoursMappingsAndHints(t *testing.T) {
	repo := defaultChart()
	repo.accounts = append(repo.accounts, accounts.Account{Code: "1-1110", Name: "Kas Kecil", IsActive: true})
	repo.mappings = []accounts.AccountMapping{{Module: MappingModule, Key: string(RoleCash), AccountCode: "1-1110"}}
	f := newFixture(repo)

	res, err := f.svc.AutoPost(context.Background(), Request{Type: KindSale, Record: cashSale()}, Options{})
	require.NoError(t, err)
	require.Equal(t, "1-1110", res.Entries[0].AccountCode)

	rec := cashSale()
	rec.ID = "S-2"
	rec.RevenueAccountCode = "4-0000"
	res, err = f.svc.AutoPost(context.Background(), Request{Type: KindSale, Record: rec}, Options{})
	require.NoError(t, err)
	require.Equal(t, CodeUnknownAccount, res.Code)
}

func TestAutoPostUnbalancedIsRejected(t *testing.T) {
	f := newFixture(defaultChart())
	rec := cashSale()
	rec.TotalAmount = dec("120000")
	_, err := f.svc.AutoPost(context.Background(), Request{Type: KindSale, Record: rec}, Options{})
	require.ErrorIs(t, err, accounting.ErrUnbalanced)
	require.Equal(t, 422, httpx.StatusFor(err))
	require.Empty(t, f.ledger.posted)
	require.Equal(t, 1, f.outcomes["sales_transaction:rejected"])
}

func TestAutoPostValidation(t *testing.T) {
	f := newFixture(defaultChart())
	_, err := f.svc.AutoPost(context.Background(), Request{Type: "payroll", Record: cashSale()}, Options{})
	require.ErrorIs(t, err, httpx.ErrValidation)

	rec := cashSale()
	rec.ID = ""
	_, err = f.svc.AutoPost(context.Background(), Request{Type: KindSale, Record: rec}, Options{})
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestAutoPostIdempotencyKey(t *testing.T) {
	f := newFixture(defaultChart())
	ctx := context.Background()
	req := Request{Type: KindSale, Record: cashSale()}

	_, err := f.svc.AutoPost(ctx, req, Options{IdempotencyKey: "k-1"})
	require.NoError(t, err)
	_, err = f.svc.AutoPost(ctx, req, Options{IdempotencyKey: "k-1"})
	require.ErrorIs(t, err, httpx.ErrDuplicate)

	f.ledger.err = errors.New("db down")
	_, err = f.svc.AutoPost(ctx, req, Options{IdempotencyKey: "k-2"})
	require.Error(t, err)
	require.NotContains(t, f.idem.keys, idempotencyModule+"k-2")
	require.Equal(t, 1, f.outcomes["sales_transaction:error"])
}
