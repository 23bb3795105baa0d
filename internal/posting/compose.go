package posting

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-books/internal/accounting"
	"github.com/odyssey-erp/odyssey-books/internal/accounting/accounts"
)

// DraftLine is a template line addressed by role rather than account.
type DraftLine struct {
	Role   Role
	Debit  decimal.Decimal
	Credit decimal.Decimal
	Memo   string
}

// Draft is the account-independent journal derived from a record.
type Draft struct {
	Kind        Kind
	Description string
	Lines       []DraftLine
}

// Roles lists the distinct roles the draft needs, in line order.
func (d Draft) Roles() []Role {
	seen := make(map[Role]bool, len(d.Lines))
	var roles []Role
	for _, l := range d.Lines {
		if !seen[l.Role] {
			seen[l.Role] = true
			roles = append(roles, l.Role)
		}
	}
	return roles
}

// Totals sums the draft's debit and credit columns.
func (d Draft) Totals() (debit, credit decimal.Decimal) {
	for _, l := range d.Lines {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	return debit, credit
}

// Bind resolves every role to an account and produces ledger line inputs.
// A role without an account is a data-quality failure.
func (d Draft) Bind(accts map[Role]accounts.Account) ([]accounting.PostingLineInput, error) {
	lines := make([]accounting.PostingLineInput, 0, len(d.Lines))
	for _, l := range d.Lines {
		acct, ok := accts[l.Role]
		if !ok || acct.Code == "" {
			return nil, dataQuality(CodeMissingAccountMapping, "no account mapped for %s", l.Role)
		}
		lines = append(lines, accounting.PostingLineInput{
			AccountCode: acct.Code,
			AccountName: acct.Name,
			Debit:       accounting.Round2(l.Debit),
			Credit:      accounting.Round2(l.Credit),
			Description: l.Memo,
		})
	}
	return lines, nil
}

// Compose applies the posting template for kind to rec. unitPrice is the
// stock item's price used by internal usage, stock adjustment and COGS
// derivation. Compose is pure; balance is checked by the ledger.
func Compose(kind Kind, rec Record, unitPrice decimal.Decimal) (Draft, error) {
	var (
		lines []DraftLine
		err   error
	)
	switch kind {
	case KindSale:
		lines, err = composeSale(rec, unitPrice)
	case KindExpense:
		lines, err = composeExpense(rec)
	case KindTaxPayment:
		lines, err = composeTaxPayment(rec)
	case KindInternalUsage:
		lines, err = composeInternalUsage(rec, unitPrice)
	case KindStockAdjustment:
		lines, err = composeStockAdjustment(rec, unitPrice)
	default:
		return Draft{}, invalid("unknown type %q", kind)
	}
	if err != nil {
		return Draft{}, err
	}
	return Draft{Kind: kind, Description: describe(kind, rec), Lines: lines}, nil
}

func composeSale(rec Record, unitPrice decimal.Decimal) ([]DraftLine, error) {
	revenue := RoleRevenueGoods
	switch rec.TransactionType {
	case SaleGoods, "":
	case SaleService:
		revenue = RoleRevenueService
	default:
		return nil, invalid("unsupported transaction_type %q", rec.TransactionType)
	}
	payment, err := paymentRole(rec.PaymentMethod, true)
	if err != nil {
		return nil, err
	}
	tax := rec.TaxAmount
	subtotal := rec.Subtotal
	total := rec.TotalAmount
	if total.IsZero() {
		total = subtotal.Add(tax)
	}
	if subtotal.IsZero() {
		subtotal = total.Sub(tax)
	}
	if !total.IsPositive() {
		return nil, invalid("total_amount must be positive")
	}
	lines := []DraftLine{
		{Role: payment, Debit: total, Memo: "Penerimaan penjualan"},
		{Role: revenue, Credit: subtotal, Memo: "Pendapatan"},
	}
	if tax.IsPositive() {
		lines = append(lines, DraftLine{Role: RoleVATOut, Credit: tax, Memo: "PPN Keluaran"})
	}
	if revenue == RoleRevenueGoods {
		cogs := rec.CogsAmount
		if cogs.IsZero() && rec.Quantity.IsPositive() {
			cogs = rec.Quantity.Mul(unitPrice)
		}
		if cogs.IsPositive() {
			lines = append(lines,
				DraftLine{Role: RoleCOGS, Debit: cogs, Memo: "Harga pokok penjualan"},
				DraftLine{Role: RoleInventory, Credit: cogs, Memo: "Pengurangan persediaan"},
			)
		}
	}
	return lines, nil
}

func composeExpense(rec Record) ([]DraftLine, error) {
	payment, err := paymentRole(rec.PaymentMethod, false)
	if err != nil {
		return nil, err
	}
	amount := rec.Amount
	if amount.IsZero() {
		amount = rec.Subtotal
	}
	tax := rec.TaxAmount
	total := rec.TotalAmount
	if total.IsZero() {
		total = amount.Add(tax)
	}
	if !amount.IsPositive() {
		return nil, invalid("amount must be positive")
	}
	lines := []DraftLine{{Role: RoleExpense, Debit: amount, Memo: "Beban"}}
	if tax.IsPositive() {
		lines = append(lines, DraftLine{Role: RoleVATIn, Debit: tax, Memo: "PPN Masukan"})
	}
	lines = append(lines, DraftLine{Role: payment, Credit: total, Memo: "Pembayaran beban"})
	return lines, nil
}

func composeTaxPayment(rec Record) ([]DraftLine, error) {
	payment, err := paymentRole(rec.PaymentMethod, false)
	if err != nil {
		return nil, err
	}
	amount := rec.Amount
	if amount.IsZero() {
		amount = rec.TotalAmount
	}
	if !amount.IsPositive() {
		return nil, invalid("amount must be positive")
	}
	return []DraftLine{
		{Role: RoleTaxLiability, Debit: amount, Memo: "Pelunasan utang pajak"},
		{Role: payment, Credit: amount, Memo: "Pembayaran pajak"},
	}, nil
}

func composeInternalUsage(rec Record, unitPrice decimal.Decimal) ([]DraftLine, error) {
	amount := rec.Amount
	if amount.IsZero() {
		if !rec.Quantity.IsPositive() {
			return nil, invalid("quantity must be positive")
		}
		if !unitPrice.IsPositive() {
			return nil, dataQuality(CodeMissingUnitPrice, "stock item %s has no unit price", rec.StockID)
		}
		amount = rec.Quantity.Mul(unitPrice)
	}
	if !amount.IsPositive() {
		return nil, invalid("amount must be positive")
	}
	return []DraftLine{
		{Role: RoleExpense, Debit: amount, Memo: "Pemakaian internal"},
		{Role: RoleInventory, Credit: amount, Memo: "Pengurangan persediaan"},
	}, nil
}

func composeStockAdjustment(rec Record, unitPrice decimal.Decimal) ([]DraftLine, error) {
	value := rec.AdjustmentValue
	if value.IsZero() {
		return nil, invalid("adjustment_value must be non-zero")
	}
	increase := false
	switch rec.AdjustmentType {
	case AdjustStockIn:
		increase = true
	case AdjustStockOut:
	case AdjustManual:
		increase = value.IsPositive()
	default:
		return nil, invalid("unsupported adjustment_type %q", rec.AdjustmentType)
	}
	if !unitPrice.IsPositive() {
		return nil, dataQuality(CodeMissingUnitPrice, "stock item %s has no unit price; set it before adjusting", rec.StockID)
	}
	amount := value.Abs().Mul(unitPrice)
	if increase {
		return []DraftLine{
			{Role: RoleInventory, Debit: amount, Memo: "Penambahan persediaan"},
			{Role: RoleOtherIncome, Credit: amount, Memo: "Selisih lebih persediaan"},
		}, nil
	}
	return []DraftLine{
		{Role: RoleOtherExpense, Debit: amount, Memo: "Selisih kurang persediaan"},
		{Role: RoleInventory, Credit: amount, Memo: "Pengurangan persediaan"},
	}, nil
}

var kindLabels = map[Kind]string{
	KindSale:            "Penjualan",
	KindExpense:         "Beban",
	KindTaxPayment:      "Pembayaran pajak",
	KindInternalUsage:   "Pemakaian internal",
	KindStockAdjustment: "Penyesuaian stok",
}

func describe(kind Kind, rec Record) string {
	if rec.Description != "" {
		return rec.Description
	}
	label := kindLabels[kind]
	if kind == KindSale && rec.TransactionType != "" {
		label += " " + rec.TransactionType
	}
	if rec.ID == "" {
		return label
	}
	return fmt.Sprintf("%s %s", label, rec.ID)
}
