package accounting

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(repo RepositoryPort, audit AuditPort) *Service {
	svc := NewService(repo, audit, nil)
	svc.WithNow(func() time.Time { return fixedNow })
	svc.newID = sequentialIDs()
	return svc
}

func saleInput() PostingInput {
	return PostingInput{
		Date:        time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		SourceType:  "sales_transaction",
		SourceID:    "S-1",
		Description: "Penjualan tunai",
		CreatedBy:   "kasir-1",
		Lines: []PostingLineInput{
			{AccountCode: "1-1100", AccountName: "Kas", Debit: d("110000")},
			{AccountCode: "4-1000", AccountName: "Pendapatan", Credit: d("100000")},
			{AccountCode: "2-1300", AccountName: "PPN Keluaran", Credit: d("10000")},
		},
	}
}

func TestPostingInputValidate(t *testing.T) {
	base := saleInput()

	tooFew := base
	tooFew.Lines = base.Lines[:1]
	require.ErrorIs(t, tooFew.Validate(), ErrTooFewLines)

	unbalanced := base
	unbalanced.Lines = []PostingLineInput{
		{AccountCode: "1", Debit: d("100.00")},
		{AccountCode: "2", Credit: d("99.98")},
	}
	require.ErrorIs(t, unbalanced.Validate(), ErrUnbalanced)

	withinTolerance := base
	withinTolerance.Lines = []PostingLineInput{
		{AccountCode: "1", Debit: d("100.00")},
		{AccountCode: "2", Credit: d("99.99")},
	}
	require.NoError(t, withinTolerance.Validate())

	both := base
	both.Lines = []PostingLineInput{
		{AccountCode: "1", Debit: d("10"), Credit: d("10")},
		{AccountCode: "2", Credit: d("0"), Debit: d("0")},
	}
	require.ErrorIs(t, both.Validate(), ErrInvalidLine)

	missingCode := base
	missingCode.Lines = []PostingLineInput{{Debit: d("1")}, {AccountCode: "2", Credit: d("1")}}
	require.ErrorIs(t, missingCode.Validate(), ErrInvalidLine)

	negative := base
	negative.Lines = []PostingLineInput{{AccountCode: "1", Debit: d("-1")}, {AccountCode: "2", Credit: d("-1")}}
	require.ErrorIs(t, negative.Validate(), ErrInvalidLine)

	noSource := base
	noSource.SourceType = ""
	require.ErrorIs(t, noSource.Validate(), ErrSourceTypeRequired)
}

func TestPostJournalPersistsAtomically(t *testing.T) {
	repo := newMemoryLedger(sourceKey("sales_transaction", "S-1"))
	audit := &memoryAudit{}
	svc := newTestService(repo, audit)

	entry, err := svc.PostJournal(context.Background(), saleInput())
	require.NoError(t, err)
	require.Equal(t, "JRN-001", entry.TransactionID)
	require.Equal(t, JournalStatusPosted, entry.Status)
	require.Equal(t, "2025-03-01", entry.Date.String())
	require.Len(t, entry.Lines, 3)
	require.Equal(t, 1, entry.Lines[0].LineNo)

	stored, err := svc.GetJournal(context.Background(), "JRN-001")
	require.NoError(t, err)
	require.Len(t, stored.Lines, 3)
	require.Equal(t, "JRN-001", repo.state.links[sourceKey("sales_transaction", "S-1")])
	require.Equal(t, "JRN-001", repo.state.sources[sourceKey("sales_transaction", "S-1")])

	require.Len(t, audit.logs, 1)
	require.Equal(t, "journal.post", audit.logs[0].Action)
	require.Equal(t, "kasir-1", audit.logs[0].Actor)
}

func TestPostJournalRejectsDuplicateSourceWithoutWriting(t *testing.T) {
	repo := newMemoryLedger(sourceKey("sales_transaction", "S-1"))
	svc := newTestService(repo, nil)

	_, err := svc.PostJournal(context.Background(), saleInput())
	require.NoError(t, err)

	_, err = svc.PostJournal(context.Background(), saleInput())
	require.ErrorIs(t, err, ErrSourceAlreadyLinked)
	require.Len(t, repo.state.entries, 1)
}

func TestPostJournalRejectsMissingSourceRow(t *testing.T) {
	repo := newMemoryLedger()
	svc := newTestService(repo, nil)

	_, err := svc.PostJournal(context.Background(), saleInput())
	require.ErrorIs(t, err, ErrSourceNotFound)
	require.Empty(t, repo.state.entries)
	require.Empty(t, repo.state.links)
}

func TestPostJournalRejectsLockedPeriod(t *testing.T) {
	repo := newMemoryLedger(sourceKey("sales_transaction", "S-1"))
	repo.locked["2025-03-01"] = true
	svc := newTestService(repo, nil)

	_, err := svc.PostJournal(context.Background(), saleInput())
	require.ErrorIs(t, err, ErrPeriodLocked)
	require.Empty(t, repo.state.entries)
}

func TestPostJournalUnbalancedWritesNothing(t *testing.T) {
	repo := newMemoryLedger(sourceKey("sales_transaction", "S-1"))
	svc := newTestService(repo, nil)
	in := saleInput()
	in.Lines[0].Debit = d("120000")

	_, err := svc.PostJournal(context.Background(), in)
	require.ErrorIs(t, err, ErrUnbalanced)
	require.Empty(t, repo.state.entries)
}

func TestPostJournalIgnoresAuditFailure(t *testing.T) {
	repo := newMemoryLedger(sourceKey("sales_transaction", "S-1"))
	svc := newTestService(repo, &memoryAudit{err: errBoom})

	_, err := svc.PostJournal(context.Background(), saleInput())
	require.NoError(t, err)
}

func TestCancelJournalMirrorsLinesAndReleasesSource(t *testing.T) {
	repo := newMemoryLedger(sourceKey("sales_transaction", "S-1"))
	audit := &memoryAudit{}
	svc := newTestService(repo, audit)
	ctx := context.Background()

	posted, err := svc.PostJournal(ctx, saleInput())
	require.NoError(t, err)

	result, err := svc.CancelJournal(ctx, CancelInput{TransactionID: posted.TransactionID, Actor: "spv", Reason: "salah input"})
	require.NoError(t, err)

	require.Equal(t, JournalStatusReversed, result.Original.Status)
	require.Equal(t, "JRN-002", result.Original.ReversedBy)
	require.Equal(t, JournalStatusReversal, result.Reversal.Status)
	require.Equal(t, posted.TransactionID, result.Reversal.ReversalOf)
	require.Equal(t, posted.Date, result.Reversal.Date)
	require.Contains(t, result.Reversal.Description, "salah input")

	for i, line := range result.Reversal.Lines {
		assert.True(t, line.Debit.Equal(posted.Lines[i].Credit), "line %d debit", i)
		assert.True(t, line.Credit.Equal(posted.Lines[i].Debit), "line %d credit", i)
	}

	stored, err := svc.GetJournal(ctx, posted.TransactionID)
	require.NoError(t, err)
	require.Equal(t, JournalStatusReversed, stored.Status)
	require.NotContains(t, repo.state.links, sourceKey("sales_transaction", "S-1"))
	require.Equal(t, "", repo.state.sources[sourceKey("sales_transaction", "S-1")])

	// The released source can be journaled again.
	again, err := svc.PostJournal(ctx, saleInput())
	require.NoError(t, err)
	require.Equal(t, "JRN-003", again.TransactionID)

	require.Equal(t, "journal.cancel", audit.logs[1].Action)
}

func TestCancelJournalGuards(t *testing.T) {
	repo := newMemoryLedger(sourceKey("sales_transaction", "S-1"))
	svc := newTestService(repo, nil)
	ctx := context.Background()

	_, err := svc.CancelJournal(ctx, CancelInput{TransactionID: "JRN-404"})
	require.ErrorIs(t, err, ErrJournalNotFound)

	posted, err := svc.PostJournal(ctx, saleInput())
	require.NoError(t, err)
	result, err := svc.CancelJournal(ctx, CancelInput{TransactionID: posted.TransactionID})
	require.NoError(t, err)

	_, err = svc.CancelJournal(ctx, CancelInput{TransactionID: posted.TransactionID})
	require.ErrorIs(t, err, ErrAlreadyReversed)

	_, err = svc.CancelJournal(ctx, CancelInput{TransactionID: result.Reversal.TransactionID})
	require.ErrorIs(t, err, ErrInvalidStatus)
	require.Len(t, repo.state.entries, 2)
}

func TestCancelJournalInLockedPeriodIsDatedToday(t *testing.T) {
	repo := newMemoryLedger(sourceKey("sales_transaction", "S-1"))
	svc := newTestService(repo, nil)
	ctx := context.Background()

	posted, err := svc.PostJournal(ctx, saleInput())
	require.NoError(t, err)
	repo.locked["2025-03-01"] = true

	result, err := svc.CancelJournal(ctx, CancelInput{TransactionID: posted.TransactionID})
	require.NoError(t, err)
	require.Equal(t, "2025-03-10", result.Reversal.Date.String())

	repo2 := newMemoryLedger(sourceKey("sales_transaction", "S-1"))
	svc2 := newTestService(repo2, nil)
	posted2, err := svc2.PostJournal(ctx, saleInput())
	require.NoError(t, err)
	repo2.locked["2025-03-01"] = true
	repo2.locked["2025-03-10"] = true
	_, err = svc2.CancelJournal(ctx, CancelInput{TransactionID: posted2.TransactionID})
	require.ErrorIs(t, err, ErrPeriodLocked)
}

func TestDateJSON(t *testing.T) {
	var dt Date
	require.NoError(t, dt.UnmarshalJSON([]byte(`"2025-01-31T15:04:05Z"`)))
	require.Equal(t, "2025-01-31", dt.String())
	out, err := dt.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"2025-01-31"`, string(out))
	require.Error(t, dt.UnmarshalJSON([]byte(`"31/01/2025"`)))
}

func TestNewTransactionIDIsUnique(t *testing.T) {
	a, b := NewTransactionID(), NewTransactionID()
	require.NotEqual(t, a, b)
	require.Len(t, a, len("JRN-")+26)
}
