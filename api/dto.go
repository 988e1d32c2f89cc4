/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts go out as fixed two-decimal strings ("108.00"). Request amounts
  accept either a JSON string or a number; decimal.Decimal decodes both.

DATES:
  Invoice and due dates are calendar days ("2024-03-01"). Timestamps are
  RFC 3339.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain types
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-ledger/billing"
)

const dateLayout = "2006-01-02"

// =============================================================================
// INVOICES
// =============================================================================

type LineItemDTO struct {
	ID          string `json:"id"`
	ItemType    string `json:"itemType,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unitPrice"`
	TotalPrice  string `json:"totalPrice"`
	IsTaxable   bool   `json:"isTaxable"`
	SortOrder   int    `json:"sortOrder"`
}

type InvoiceDTO struct {
	ID                 string        `json:"id"`
	InvoiceNumber      string        `json:"invoiceNumber"`
	ClientID           string        `json:"clientId"`
	JobID              string        `json:"jobId,omitempty"`
	Status             string        `json:"status"`
	Subtotal           string        `json:"subtotal"`
	TaxRate            string        `json:"taxRate"`
	TaxAmount          string        `json:"taxAmount"`
	DiscountAmount     string        `json:"discountAmount"`
	Total              string        `json:"total"`
	AmountPaid         string        `json:"amountPaid"`
	BalanceDue         string        `json:"balanceDue"`
	Overpaid           bool          `json:"overpaid,omitempty"`
	InvoiceDate        string        `json:"invoiceDate"`
	DueDate            string        `json:"dueDate"`
	PaidDate           *time.Time    `json:"paidDate,omitempty"`
	SentAt             *time.Time    `json:"sentAt,omitempty"`
	ViewedAt           *time.Time    `json:"viewedAt,omitempty"`
	LastReminderSentAt *time.Time    `json:"lastReminderSentAt,omitempty"`
	ReminderCount      int           `json:"reminderCount"`
	Notes              string        `json:"notes,omitempty"`
	LineItems          []LineItemDTO `json:"lineItems"`
	Version            int           `json:"version"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
	DeletedAt          *time.Time    `json:"deletedAt,omitempty"`
}

type LineItemRequest struct {
	ItemType    string          `json:"itemType"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Taxable     *bool           `json:"taxable"`
}

type CreateInvoiceRequest struct {
	ClientID    string            `json:"clientId"`
	JobID       string            `json:"jobId"`
	InvoiceDate string            `json:"invoiceDate"`
	DueDate     string            `json:"dueDate"`
	TaxRate     decimal.Decimal   `json:"taxRate"`
	Discount    decimal.Decimal   `json:"discount"`
	Items       []LineItemRequest `json:"items"`
	Notes       string            `json:"notes"`
}

// UpdateInvoiceRequest leaves absent fields unchanged.
type UpdateInvoiceRequest struct {
	Items    *[]LineItemRequest `json:"items"`
	TaxRate  *decimal.Decimal   `json:"taxRate"`
	Discount *decimal.Decimal   `json:"discount"`
	DueDate  *string            `json:"dueDate"`
	Notes    *string            `json:"notes"`
}

// =============================================================================
// PAYMENTS & REFUNDS
// =============================================================================

type PaymentDTO struct {
	ID                 string     `json:"id"`
	PaymentNumber      string     `json:"paymentNumber"`
	InvoiceID          string     `json:"invoiceId"`
	ClientID           string     `json:"clientId"`
	Amount             string     `json:"amount"`
	Currency           string     `json:"currency"`
	Method             string     `json:"method"`
	Status             string     `json:"status"`
	ProcessorPaymentID string     `json:"processorPaymentId,omitempty"`
	Reference          string     `json:"reference,omitempty"`
	PaymentDate        time.Time  `json:"paymentDate"`
	SettledAt          *time.Time `json:"settledAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

type RefundDTO struct {
	ID                string     `json:"id"`
	PaymentID         string     `json:"paymentId"`
	InvoiceID         string     `json:"invoiceId"`
	Amount            string     `json:"amount"`
	Reason            string     `json:"reason,omitempty"`
	Status            string     `json:"status"`
	ProcessorRefundID string     `json:"processorRefundId,omitempty"`
	RefundedAt        *time.Time `json:"refundedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// AllocationDTO is a payment together with the invoice it was applied to.
type AllocationDTO struct {
	Payment PaymentDTO  `json:"payment"`
	Invoice *InvoiceDTO `json:"invoice,omitempty"`
}

type RefundOutcomeDTO struct {
	Refund  RefundDTO   `json:"refund"`
	Invoice *InvoiceDTO `json:"invoice,omitempty"`
}

type ManualPaymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method"`
	Reference   string          `json:"reference"`
	PaymentDate *time.Time      `json:"paymentDate"`
}

type ProcessedPaymentRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	InstrumentRef string          `json:"instrumentRef"`
}

// RefundRequest refunds the full refundable amount when Amount is omitted.
type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

// =============================================================================
// SEQUENCES & ADMIN
// =============================================================================

type ConfigureSequenceRequest struct {
	Prefix string `json:"prefix"`
	Start  int64  `json:"start"`
}

type NumberDTO struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type SweepResultDTO struct {
	Scanned      int `json:"scanned"`
	Transitioned int `json:"transitioned"`
	Errors       int `json:"errors"`
}

type ReminderResultDTO struct {
	Candidates int `json:"candidates"`
	Sent       int `json:"sent"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

type ReconcileResultDTO struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	StillOpen int `json:"stillOpen"`
	Errors    int `json:"errors"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func invoiceToDTO(inv *billing.Invoice) *InvoiceDTO {
	if inv == nil {
		return nil
	}
	items := make([]LineItemDTO, 0, len(inv.LineItems))
	for _, li := range inv.LineItems {
		items = append(items, LineItemDTO{
			ID:          li.ID,
			ItemType:    li.ItemType,
			Name:        li.Name,
			Description: li.Description,
			Quantity:    li.Quantity.String(),
			UnitPrice:   li.UnitPrice.StringFixed(2),
			TotalPrice:  li.TotalPrice.StringFixed(2),
			IsTaxable:   li.IsTaxable,
			SortOrder:   li.SortOrder,
		})
	}
	return &InvoiceDTO{
		ID:                 string(inv.ID),
		InvoiceNumber:      inv.InvoiceNumber,
		ClientID:           string(inv.ClientID),
		JobID:              string(inv.JobID),
		Status:             string(inv.Status),
		Subtotal:           inv.Subtotal.StringFixed(2),
		TaxRate:            inv.TaxRate.String(),
		TaxAmount:          inv.TaxAmount.StringFixed(2),
		DiscountAmount:     inv.DiscountAmount.StringFixed(2),
		Total:              inv.Total.StringFixed(2),
		AmountPaid:         inv.AmountPaid.StringFixed(2),
		BalanceDue:         inv.BalanceDue.StringFixed(2),
		Overpaid:           inv.Overpaid,
		InvoiceDate:        inv.InvoiceDate.Format(dateLayout),
		DueDate:            inv.DueDate.Format(dateLayout),
		PaidDate:           inv.PaidDate,
		SentAt:             inv.SentAt,
		ViewedAt:           inv.ViewedAt,
		LastReminderSentAt: inv.LastReminderSentAt,
		ReminderCount:      inv.ReminderCount,
		Notes:              inv.Notes,
		LineItems:          items,
		Version:            inv.Version,
		CreatedAt:          inv.CreatedAt,
		UpdatedAt:          inv.UpdatedAt,
		DeletedAt:          inv.DeletedAt,
	}
}

func paymentToDTO(p *billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:                 string(p.ID),
		PaymentNumber:      p.PaymentNumber,
		InvoiceID:          string(p.InvoiceID),
		ClientID:           string(p.ClientID),
		Amount:             p.Amount.StringFixed(2),
		Currency:           p.Currency,
		Method:             string(p.PaymentMethod),
		Status:             string(p.Status),
		ProcessorPaymentID: p.ProcessorPaymentID,
		Reference:          p.Reference,
		PaymentDate:        p.PaymentDate,
		SettledAt:          p.SettledAt,
		CreatedAt:          p.CreatedAt,
	}
}

func refundToDTO(r *billing.Refund) RefundDTO {
	return RefundDTO{
		ID:                string(r.ID),
		PaymentID:         string(r.PaymentID),
		InvoiceID:         string(r.InvoiceID),
		Amount:            r.Amount.StringFixed(2),
		Reason:            r.Reason,
		Status:            string(r.Status),
		ProcessorRefundID: r.ProcessorRefundID,
		RefundedAt:        r.RefundedAt,
		CreatedAt:         r.CreatedAt,
	}
}

func lineItemInputs(reqs []LineItemRequest) []billing.LineItemInput {
	out := make([]billing.LineItemInput, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, billing.LineItemInput{
			ItemType:    r.ItemType,
			Name:        r.Name,
			Description: r.Description,
			Quantity:    r.Quantity,
			UnitPrice:   r.UnitPrice,
			Taxable:     r.Taxable,
		})
	}
	return out
}

// parseDay parses an optional calendar day. Empty yields the zero time.
func parseDay(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD: %w", field, err)
	}
	return t, nil
}
