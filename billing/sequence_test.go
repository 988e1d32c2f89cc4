package billing_test

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-ledger/billing"
)

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "INV-00007", billing.FormatNumber("INV-", 7))
	assert.Equal(t, "PAY-99999", billing.FormatNumber("PAY-", 99999))
	assert.Equal(t, "INV-100000", billing.FormatNumber("INV-", 100000), "grows past five digits")
}

func TestSequence_StartsAtOnePerAccountAndType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q1, err := f.seq.Next(ctx, acct, billing.SequenceQuote)
	require.NoError(t, err)
	q2, err := f.seq.Next(ctx, acct, billing.SequenceQuote)
	require.NoError(t, err)
	j1, err := f.seq.Next(ctx, acct, billing.SequenceJob)
	require.NoError(t, err)
	other, err := f.seq.Next(ctx, otherAcc, billing.SequenceQuote)
	require.NoError(t, err)

	assert.Equal(t, "QUO-00001", q1)
	assert.Equal(t, "QUO-00002", q2)
	assert.Equal(t, "JOB-00001", j1, "types count independently")
	assert.Equal(t, "QUO-00001", other, "accounts count independently")
}

func TestSequence_ConfiguredStartUnderConcurrency(t *testing.T) {
	// GIVEN: A quote sequence configured to start after 4
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.seq.Configure(ctx, acct, billing.SequenceQuote, "Q-", 4))

	// WHEN: Two callers mint concurrently
	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.seq.Next(ctx, acct, billing.SequenceQuote)
		}(i)
	}
	wg.Wait()

	// THEN: They get 5 and 6, in some order
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	sort.Strings(results)
	assert.Equal(t, []string{"Q-00005", "Q-00006"}, results)
}

func TestSequence_ManyConcurrentCallersNeverCollide(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		// GIVEN: Fifty callers asking for a job number at once
		const n = 50
		var mu sync.Mutex
		seen := make(map[string]bool, n)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				num, err := f.seq.Next(ctx, acct, billing.SequenceJob)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[num] = true
				mu.Unlock()
			}()
		}

		// WHEN: They all run
		close(start)
		wg.Wait()

		// THEN: Every number is distinct and the counter ends at n
		assert.Len(t, seen, n)
		assert.True(t, seen["JOB-00001"])
		assert.True(t, seen["JOB-00050"])
		next, err := f.seq.Next(ctx, acct, billing.SequenceJob)
		require.NoError(t, err)
		assert.Equal(t, "JOB-00051", next)
	})
}

func TestSequence_ConfigureRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.seq.Configure(ctx, acct, billing.SequenceType("receipt"), "R-", 0)
	assert.ErrorIs(t, err, billing.ErrValidation, "unknown type")

	err = f.seq.Configure(ctx, acct, billing.SequenceInvoice, "INV-", -1)
	assert.ErrorIs(t, err, billing.ErrValidation, "negative start")

	// Once a sequence has issued numbers it can no longer be reset.
	_, err = f.seq.Next(ctx, acct, billing.SequenceInvoice)
	require.NoError(t, err)
	err = f.seq.Configure(ctx, acct, billing.SequenceInvoice, "INV-", 1000)
	assert.ErrorIs(t, err, billing.ErrInvalidState)
}

func TestSequence_FailedCreateDoesNotDuplicate(t *testing.T) {
	// GIVEN: An invoice create that fails (unknown job)
	f := newFixture(t)
	ctx := context.Background()

	first := f.createInvoice(t)
	_, err := f.invoices.Create(ctx, billing.CreateInvoiceInput{
		AccountID: acct,
		ClientID:  clientID,
		JobID:     "missing-job",
		Items:     standardItems(),
	})
	require.Error(t, err)

	// WHEN: The next invoice is created
	second := f.createInvoice(t)

	// THEN: Numbers are unique and increasing
	assert.Equal(t, "INV-00001", first.InvoiceNumber)
	assert.Equal(t, "INV-00002", second.InvoiceNumber)
}

func TestSequence_CustomPrefixFromSettings(t *testing.T) {
	f := newFixture(t)
	deps := f.deps(f.store)
	deps.Settings.Prefixes = map[billing.SequenceType]string{billing.SequenceInvoice: "ACME-"}
	f.build(deps)

	inv := f.createInvoice(t)
	assert.Equal(t, "ACME-00001", inv.InvoiceNumber)

	q, err := f.seq.Next(context.Background(), acct, billing.SequenceQuote)
	require.NoError(t, err)
	assert.Equal(t, "QUO-00001", q, "unset types keep the default prefix")
}
