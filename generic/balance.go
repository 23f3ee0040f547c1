package generic

import "sort"

// =============================================================================
// BALANCES - Derived from entries, never stored
// =============================================================================

// AccountBalanceOf sums entries of one account code in its normal direction:
// debit-normal accounts are debit-credit, credit-normal are credit-debit.
func AccountBalanceOf(code AccountCode, entries []Entry) Money {
	var debit, credit Money
	for _, e := range entries {
		if e.Code != code {
			continue
		}
		debit += e.Debit
		credit += e.Credit
	}
	if code.DebitNormal() {
		return debit - credit
	}
	return credit - debit
}

// AccountBalance is one row of a trial balance.
type AccountBalance struct {
	EntityID EntityID
	Code     AccountCode
	Debit    Money
	Credit   Money
	Balance  Money
}

// TrialBalance lists every account with its totals.
type TrialBalance struct {
	Accounts    []AccountBalance
	TotalDebit  Money
	TotalCredit Money
}

// Balanced reports whether the whole ledger balances.
func (tb TrialBalance) Balanced() bool { return tb.TotalDebit == tb.TotalCredit }

// BuildTrialBalance aggregates entries per (entity, code), sorted by entity
// then code.
func BuildTrialBalance(entries []Entry) TrialBalance {
	type key struct {
		entity EntityID
		code   AccountCode
	}
	rows := map[key]*AccountBalance{}
	var tb TrialBalance
	for _, e := range entries {
		k := key{e.EntityID, e.Code}
		row, ok := rows[k]
		if !ok {
			row = &AccountBalance{EntityID: e.EntityID, Code: e.Code}
			rows[k] = row
		}
		row.Debit += e.Debit
		row.Credit += e.Credit
		tb.TotalDebit += e.Debit
		tb.TotalCredit += e.Credit
	}
	for _, row := range rows {
		if row.Code.DebitNormal() {
			row.Balance = row.Debit - row.Credit
		} else {
			row.Balance = row.Credit - row.Debit
		}
		tb.Accounts = append(tb.Accounts, *row)
	}
	sort.Slice(tb.Accounts, func(i, j int) bool {
		if tb.Accounts[i].EntityID != tb.Accounts[j].EntityID {
			return tb.Accounts[i].EntityID < tb.Accounts[j].EntityID
		}
		return tb.Accounts[i].Code < tb.Accounts[j].Code
	})
	return tb
}

// UnbalancedTransactions returns the ids of transactions whose entries do
// not balance. A healthy ledger always returns an empty slice.
func UnbalancedTransactions(entries []Entry) []TransactionID {
	sums := map[TransactionID]Money{}
	var order []TransactionID
	for _, e := range entries {
		if _, ok := sums[e.TxID]; !ok {
			order = append(order, e.TxID)
		}
		sums[e.TxID] += e.Debit - e.Credit
	}
	var bad []TransactionID
	for _, id := range order {
		if sums[id] != 0 {
			bad = append(bad, id)
		}
	}
	return bad
}
