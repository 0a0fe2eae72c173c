package models

import "time"

// CallbackRecord is the append-only audit log of inbound provider
// notifications. RawPayload is stored before the payload is interpreted.
type CallbackRecord struct {
	ID            string        `bson:"_id" json:"id"`
	Provider      PaymentMethod `bson:"provider" json:"provider"`
	CorrelationID string        `bson:"correlation_id" json:"correlation_id"`
	TransactionID string        `bson:"transaction_id" json:"transaction_id"`
	RawPayload    string        `bson:"raw_payload" json:"raw_payload"`
	Processed     bool          `bson:"processed" json:"processed"`
	Success       bool          `bson:"success" json:"success"`
	Orphaned      bool          `bson:"orphaned" json:"orphaned"`
	ErrorKind     ErrorKind     `bson:"error_kind,omitempty" json:"error_kind,omitempty"`
	ErrorMessage  string        `bson:"error_message,omitempty" json:"error_message,omitempty"`
	CreatedAt     time.Time     `bson:"created_at" json:"created_at"`
	ProcessedAt   *time.Time    `bson:"processed_at,omitempty" json:"processed_at,omitempty"`
}

// CallbackOutcome is written once, after interpretation.
type CallbackOutcome struct {
	CorrelationID string
	TransactionID string
	Success       bool
	Orphaned      bool
	ErrorKind     ErrorKind
	ErrorMessage  string
}
