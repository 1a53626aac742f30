package models

import (
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stockaudit_backend/utils"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type RecoveryTicket struct {
	ID              int                  `gorm:"primary_key" json:"id"`
	StoreId         string               `gorm:"size:64;not null;index;index:idx_rt_store_status,priority:1" json:"storeId"`
	ProductId       *int                 `gorm:"index" json:"productId"`
	Barcode         string               `gorm:"size:100;index" json:"barcode"`
	ProductName     string               `gorm:"size:255" json:"productName"`
	Quantity        int                  `gorm:"not null" json:"quantity"`
	UnitPrice       decimal.Decimal      `gorm:"type:decimal(20,4);not null;default:0" json:"unitPrice"`
	TotalAmount     decimal.Decimal      `gorm:"type:decimal(20,4);not null;default:0" json:"totalAmount"`
	Status          RecoveryTicketStatus `gorm:"size:20;not null;index;index:idx_rt_store_status,priority:2" json:"status"`
	Reason          string               `gorm:"type:text;not null" json:"reason"`
	Notes           string               `gorm:"type:text" json:"notes"`
	ScanPeriod      string               `gorm:"size:7;index" json:"scanPeriod,omitempty"`
	Shift           string               `gorm:"size:50" json:"shift,omitempty"`
	CreatedBy       int                  `gorm:"not null;index" json:"createdBy"`
	SubmittedAt     time.Time            `json:"submittedAt"`
	ApprovedBy      *int                 `json:"approvedBy"`
	ApprovedAt      *time.Time           `json:"approvedAt"`
	RejectedBy      *int                 `json:"rejectedBy"`
	RejectedAt      *time.Time           `json:"rejectedAt"`
	RejectionReason *string              `gorm:"type:text" json:"rejectionReason"`
	InProgressAt    *time.Time           `json:"inProgressAt"`
	RecoveredAt     *time.Time           `json:"recoveredAt"`
	RecoveredAmount *decimal.Decimal     `gorm:"type:decimal(20,4)" json:"recoveredAmount"`
	CancelledBy     *int                 `json:"cancelledBy"`
	CancelledAt     *time.Time           `json:"cancelledAt"`
	AssignedTo      *int                 `gorm:"index" json:"assignedTo"`
	CreatedAt       time.Time            `gorm:"autoCreateTime;index" json:"createdAt"`
	UpdatedAt       time.Time            `gorm:"autoUpdateTime" json:"updatedAt"`
}

type NewRecoveryTicket struct {
	StoreId     string          `json:"storeId" validate:"required"`
	ProductId   *int            `json:"productId" validate:"required"`
	Barcode     string          `json:"barcode"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity" validate:"gt=0"`
	UnitPrice   decimal.Decimal `json:"unitPrice" validate:"-"`
	Reason      string          `json:"reason" validate:"required"`
	Notes       string          `json:"notes"`
	ScanPeriod  string          `json:"scanPeriod"`
	Shift       string          `json:"shift"`
}

var validate = validator.New()

var validationFields = map[string]string{
	"StoreId":   "storeId",
	"ProductId": "productId",
	"Quantity":  "quantity",
	"Reason":    "reason",
}

var validationMessages = map[string]string{
	"required": "is required",
	"gt":       "must be greater than 0",
}

// Validate reports the first failing field as a *ValidationError.
func (input NewRecoveryTicket) Validate() error {
	input.StoreId = strings.TrimSpace(input.StoreId)
	input.Reason = strings.TrimSpace(input.Reason)

	if err := validate.Struct(input); err != nil {
		failures := utils.ProcessValidationErrors(err)
		for _, field := range []string{"StoreId", "ProductId", "Quantity", "Reason"} {
			if tag, ok := failures[field]; ok {
				msg := validationMessages[tag]
				if msg == "" {
					msg = "is invalid"
				}
				return NewValidationError(validationFields[field], msg)
			}
		}
		return NewValidationError("input", err.Error())
	}
	if input.UnitPrice.IsNegative() {
		return NewValidationError("unitPrice", "must not be negative")
	}
	return nil
}

// BuildRecoveryTicket validates input and returns a PENDING ticket with the
// derived total. Nothing is persisted.
func BuildRecoveryTicket(input NewRecoveryTicket, createdBy int, now time.Time) (*RecoveryTicket, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	return &RecoveryTicket{
		StoreId:     strings.TrimSpace(input.StoreId),
		ProductId:   input.ProductId,
		Barcode:     strings.TrimSpace(input.Barcode),
		ProductName: strings.TrimSpace(input.ProductName),
		Quantity:    input.Quantity,
		UnitPrice:   input.UnitPrice,
		TotalAmount: input.UnitPrice.Mul(decimal.NewFromInt(int64(input.Quantity))),
		Status:      RecoveryTicketStatusPending,
		Reason:      strings.TrimSpace(input.Reason),
		Notes:       input.Notes,
		ScanPeriod:  input.ScanPeriod,
		Shift:       input.Shift,
		CreatedBy:   createdBy,
		SubmittedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// TicketPatch holds the columns one lifecycle step writes. Nil fields, and an
// empty Status, are left alone.
type TicketPatch struct {
	Status          RecoveryTicketStatus
	ApprovedBy      *int
	ApprovedAt      *time.Time
	RejectedBy      *int
	RejectedAt      *time.Time
	RejectionReason *string
	InProgressAt    *time.Time
	RecoveredAt     *time.Time
	RecoveredAmount *decimal.Decimal
	CancelledBy     *int
	CancelledAt     *time.Time
	AssignedTo      *int
}

func (p TicketPatch) columns(now time.Time) map[string]interface{} {
	cols := map[string]interface{}{
		"updated_at": now,
	}
	if p.Status != "" {
		cols["status"] = p.Status
	}
	set := func(name string, ok bool, v interface{}) {
		if ok {
			cols[name] = v
		}
	}
	set("approved_by", p.ApprovedBy != nil, p.ApprovedBy)
	set("approved_at", p.ApprovedAt != nil, p.ApprovedAt)
	set("rejected_by", p.RejectedBy != nil, p.RejectedBy)
	set("rejected_at", p.RejectedAt != nil, p.RejectedAt)
	set("rejection_reason", p.RejectionReason != nil, p.RejectionReason)
	set("in_progress_at", p.InProgressAt != nil, p.InProgressAt)
	set("recovered_at", p.RecoveredAt != nil, p.RecoveredAt)
	set("recovered_amount", p.RecoveredAmount != nil, p.RecoveredAmount)
	set("cancelled_by", p.CancelledBy != nil, p.CancelledBy)
	set("cancelled_at", p.CancelledAt != nil, p.CancelledAt)
	set("assigned_to", p.AssignedTo != nil, p.AssignedTo)
	return cols
}
