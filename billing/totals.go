/*
totals.go - Line item totals calculator

PURPOSE:
  Pure function turning line items, a flat tax rate and a discount into
  subtotal, taxable subtotal, tax, and grand total. No I/O, no state.

FORMULA:
  subtotal        = Σ quantity × unitPrice           (all items)
  taxableSubtotal = Σ quantity × unitPrice           (taxable items)
  taxAmount       = taxableSubtotal × taxRate
  total           = subtotal + taxAmount − discount

ROUNDING:
  Each output is rounded to cents independently (half-up) and total is
  built from the ROUNDED components, so total == subtotal + tax − discount
  holds exactly on the returned values. Recomputing from the same input
  always yields the same output.

VALIDATION:
  This function trusts its input. Callers reject negative discounts,
  non-positive quantities and negative prices first (see ValidateLineItems).
*/
package billing

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Totals struct {
	Subtotal        decimal.Decimal
	TaxableSubtotal decimal.Decimal
	TaxAmount       decimal.Decimal
	DiscountAmount  decimal.Decimal
	Total           decimal.Decimal
}

// CalculateTotals computes invoice totals. Empty items yield all zeros
// (minus the discount).
func CalculateTotals(items []LineItem, taxRate, discount decimal.Decimal) Totals {
	subtotal := decimal.Zero
	taxable := decimal.Zero
	for _, item := range items {
		line := item.Quantity.Mul(item.UnitPrice)
		subtotal = subtotal.Add(line)
		if item.IsTaxable {
			taxable = taxable.Add(line)
		}
	}

	t := Totals{
		Subtotal:        Round2(subtotal),
		TaxableSubtotal: Round2(taxable),
		TaxAmount:       Round2(taxable.Mul(taxRate)),
		DiscountAmount:  Round2(discount),
	}
	t.Total = Round2(t.Subtotal.Add(t.TaxAmount).Sub(t.DiscountAmount))
	return t
}

// LineItemInput is the caller-facing shape of a line item. Taxable is a
// pointer so an absent flag defaults to taxable.
type LineItemInput struct {
	ItemType    string
	Name        string
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Taxable     *bool
}

// BuildLineItems validates inputs and turns them into ordered line items.
func BuildLineItems(op string, invoiceID InvoiceID, inputs []LineItemInput, newID func() string) ([]LineItem, error) {
	items := make([]LineItem, 0, len(inputs))
	for i, in := range inputs {
		if strings.TrimSpace(in.Name) == "" {
			return nil, validation(op, "line item %d: name is required", i+1)
		}
		if !in.Quantity.IsPositive() {
			return nil, validation(op, "line item %d: quantity must be greater than zero", i+1)
		}
		if in.UnitPrice.IsNegative() {
			return nil, validation(op, "line item %d: unit price cannot be negative", i+1)
		}
		taxable := true
		if in.Taxable != nil {
			taxable = *in.Taxable
		}
		itemType := in.ItemType
		if itemType == "" {
			itemType = "service"
		}
		items = append(items, LineItem{
			ID:          newID(),
			InvoiceID:   invoiceID,
			ItemType:    itemType,
			Name:        strings.TrimSpace(in.Name),
			Description: in.Description,
			Quantity:    in.Quantity,
			UnitPrice:   in.UnitPrice,
			TotalPrice:  Round2(in.Quantity.Mul(in.UnitPrice)),
			IsTaxable:   taxable,
			SortOrder:   i,
		})
	}
	return items, nil
}

func validateRateAndDiscount(op string, taxRate, discount decimal.Decimal) error {
	if taxRate.IsNegative() || taxRate.GreaterThan(decimal.NewFromInt(1)) {
		return validation(op, "tax rate must be between 0 and 1")
	}
	if discount.IsNegative() {
		return validation(op, "discount cannot be negative")
	}
	return nil
}
