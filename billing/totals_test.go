package billing_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-ledger/billing"
)

func item(qty, price string, taxable bool) billing.LineItem {
	return billing.LineItem{Quantity: d(qty), UnitPrice: d(price), IsTaxable: taxable}
}

func TestCalculateTotals(t *testing.T) {
	tests := []struct {
		name     string
		items    []billing.LineItem
		taxRate  string
		discount string
		subtotal string
		taxable  string
		tax      string
		total    string
	}{
		{
			name:     "all taxable",
			items:    []billing.LineItem{item("2", "50.00", true)},
			taxRate:  "0.08",
			discount: "0",
			subtotal: "100.00", taxable: "100.00", tax: "8.00", total: "108.00",
		},
		{
			name:     "mixed taxable and exempt",
			items:    []billing.LineItem{item("3", "40.00", true), item("1", "75.00", false)},
			taxRate:  "0.10",
			discount: "15.00",
			subtotal: "195.00", taxable: "120.00", tax: "12.00", total: "192.00",
		},
		{
			name:     "tax rounds half up to cents",
			items:    []billing.LineItem{item("1", "33.33", true)},
			taxRate:  "0.0825",
			discount: "0",
			subtotal: "33.33", taxable: "33.33", tax: "2.75", total: "36.08",
		},
		{
			name:     "fractional quantity",
			items:    []billing.LineItem{item("1.5", "85.00", true), item("0.25", "10.10", false)},
			taxRate:  "0",
			discount: "0",
			subtotal: "130.03", taxable: "127.50", tax: "0.00", total: "130.03",
		},
		{
			name:     "no items",
			items:    nil,
			taxRate:  "0.08",
			discount: "0",
			subtotal: "0.00", taxable: "0.00", tax: "0.00", total: "0.00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := billing.CalculateTotals(tt.items, d(tt.taxRate), d(tt.discount))
			assertMoney(t, tt.subtotal, got.Subtotal, "subtotal")
			assertMoney(t, tt.taxable, got.TaxableSubtotal, "taxable subtotal")
			assertMoney(t, tt.tax, got.TaxAmount, "tax")
			assertMoney(t, tt.total, got.Total, "total")
		})
	}
}

func TestCalculateTotals_TotalIsSumOfRoundedParts(t *testing.T) {
	// GIVEN: Prices whose unrounded tax would drift the total by a cent
	items := []billing.LineItem{item("3", "19.99", true), item("7", "0.35", true)}

	// WHEN: Totals are computed twice
	first := billing.CalculateTotals(items, d("0.0725"), d("1.10"))
	second := billing.CalculateTotals(items, d("0.0725"), d("1.10"))

	// THEN: total equals the rounded components exactly, and is stable
	assert.True(t, first.Total.Equal(first.Subtotal.Add(first.TaxAmount).Sub(first.DiscountAmount)))
	assert.Equal(t, first, second)
}

func TestBuildLineItems_DefaultsAndOrder(t *testing.T) {
	items, err := billing.BuildLineItems("test", "inv-1", []billing.LineItemInput{
		{Name: "  Labor  ", Quantity: d("2"), UnitPrice: d("65.00")},
		{Name: "Permit fee", ItemType: "fee", Quantity: d("1"), UnitPrice: d("40.00"), Taxable: ptr(false)},
	}, uuid.NewString)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "Labor", items[0].Name)
	assert.Equal(t, "service", items[0].ItemType)
	assert.True(t, items[0].IsTaxable, "taxable by default")
	assertMoney(t, "130.00", items[0].TotalPrice)
	assert.Equal(t, 0, items[0].SortOrder)

	assert.Equal(t, "fee", items[1].ItemType)
	assert.False(t, items[1].IsTaxable)
	assert.Equal(t, 1, items[1].SortOrder)
	assert.Equal(t, billing.InvoiceID("inv-1"), items[1].InvoiceID)
	assert.NotEqual(t, items[0].ID, items[1].ID)
}

func TestBuildLineItems_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input billing.LineItemInput
	}{
		{"missing name", billing.LineItemInput{Quantity: d("1"), UnitPrice: d("1")}},
		{"zero quantity", billing.LineItemInput{Name: "x", Quantity: d("0"), UnitPrice: d("1")}},
		{"negative quantity", billing.LineItemInput{Name: "x", Quantity: d("-1"), UnitPrice: d("1")}},
		{"negative price", billing.LineItemInput{Name: "x", Quantity: d("1"), UnitPrice: d("-0.01")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := billing.BuildLineItems("test", "inv-1", []billing.LineItemInput{tt.input}, uuid.NewString)
			assert.ErrorIs(t, err, billing.ErrValidation)
		})
	}
}
