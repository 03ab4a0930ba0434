package models

import "errors"

type SaleStatus string

const (
	SaleStatusPending   SaleStatus = "Pending"
	SaleStatusPaid      SaleStatus = "Paid"
	SaleStatusCancelled SaleStatus = "Cancelled"
)

// DocumentType selects the receipt class and its numbering series.
// Type A requires a registered customer (tax-identified receipt);
// type B is the anonymous counter ticket.
type DocumentType string

const (
	DocumentTypeA DocumentType = "A"
	DocumentTypeB DocumentType = "B"
)

func (t DocumentType) Valid() bool {
	return t == DocumentTypeA || t == DocumentTypeB
}

// RequiresCustomer reports whether sales of this document type must name
// a registered customer.
func (t DocumentType) RequiresCustomer() bool {
	return t == DocumentTypeA
}

type MovementType string

const (
	MovementTypeSale         MovementType = "SALE"
	MovementTypeSaleReversal MovementType = "SALE_REVERSAL"
	MovementTypeAdjustment   MovementType = "ADJUSTMENT"
)

type PaymentMethod string

const (
	PaymentMethodCash     PaymentMethod = "CASH"
	PaymentMethodCard     PaymentMethod = "CARD"
	PaymentMethodTransfer PaymentMethod = "TRANSFER"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodTransfer:
		return true
	}
	return false
}

type SaleEventType string

const (
	SaleEventTypePosted    SaleEventType = "POSTED"
	SaleEventTypeCancelled SaleEventType = "CANCELLED"
)

var ErrInvalidDocumentType = errors.New("invalid document type")
