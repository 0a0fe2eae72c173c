package models

import "time"

type SyncType string

const (
	SyncPaymentRecord     SyncType = "payment_record"
	SyncUserPaymentStatus SyncType = "user_payment_status"
)

// SyncLog records one downstream sync attempt. Data is the JSON that was
// handed to the adapter.
type SyncLog struct {
	ID            string    `bson:"_id" json:"id"`
	SyncType      SyncType  `bson:"sync_type" json:"sync_type"`
	TransactionID string    `bson:"transaction_id" json:"transaction_id"`
	UserID        string    `bson:"user_id" json:"user_id"`
	Success       bool      `bson:"success" json:"success"`
	ErrorMessage  string    `bson:"error_message,omitempty" json:"error_message,omitempty"`
	Data          string    `bson:"data" json:"data"`
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
}
