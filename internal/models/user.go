package models

import (
	"time"
)

// UserPaymentStatus is the per-user projection kept by the downstream sync.
type UserPaymentStatus struct {
	UserID          string    `bson:"_id" json:"user_id"`
	HasPaid         bool      `bson:"has_paid" json:"has_paid"`
	PaymentStatus   string    `bson:"payment_status" json:"payment_status"` // "active" or "inactive"
	LastStatus      Status    `bson:"last_status" json:"last_status"`
	LastPaymentDate time.Time `bson:"last_payment_date" json:"last_payment_date"`
	UpdatedAt       time.Time `bson:"updated_at" json:"updated_at"`
}

// NewUserPaymentStatus derives the projection for status at now.
func NewUserPaymentStatus(userID string, status Status, now time.Time) UserPaymentStatus {
	ups := UserPaymentStatus{
		UserID:        userID,
		HasPaid:       status == StatusCompleted,
		PaymentStatus: "inactive",
		LastStatus:    status,
		UpdatedAt:     now,
	}
	if ups.HasPaid {
		ups.PaymentStatus = "active"
		ups.LastPaymentDate = now
	}
	return ups
}
