package downstream

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/markjakearzadon/paybridge/internal/models"
)

// MongoSyncer upserts payment records and the per-user projection. Writes
// merge into existing documents, so repeated calls are harmless.
type MongoSyncer struct {
	payments *mongo.Collection
	users    *mongo.Collection
	now      func() time.Time
}

func NewMongoSyncer(db *mongo.Database) *MongoSyncer {
	return &MongoSyncer{
		payments: db.Collection("payment_records"),
		users:    db.Collection("user_payment_status"),
		now:      time.Now,
	}
}

func (s *MongoSyncer) RecordPayment(ctx context.Context, snapshot PaymentSnapshot) error {
	amount, err := primitive.ParseDecimal128(snapshot.Amount.String())
	if err != nil {
		return fmt.Errorf("failed to encode amount: %w", err)
	}
	display, err := primitive.ParseDecimal128(snapshot.DisplayAmount.String())
	if err != nil {
		return fmt.Errorf("failed to encode display amount: %w", err)
	}

	set := bson.M{
		"user_id":            snapshot.UserID,
		"email":              snapshot.Email,
		"purpose":            snapshot.Purpose,
		"amount":             amount,
		"currency":           snapshot.Currency,
		"display_amount":     display,
		"display_currency":   snapshot.DisplayCurrency,
		"payment_method":     snapshot.Method,
		"status":             snapshot.Status,
		"provider_reference": snapshot.ProviderReference,
		"recorded_at":        snapshot.RecordedAt,
	}
	if snapshot.CompletedAt != nil {
		set["completed_at"] = *snapshot.CompletedAt
	}

	_, err = s.payments.UpdateOne(ctx,
		bson.M{"_id": snapshot.TransactionID},
		bson.M{"$set": set},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert payment record: %w", err)
	}
	return nil
}

func (s *MongoSyncer) UpdateUserPaymentStatus(ctx context.Context, userID string, status models.Status) error {
	ups := models.NewUserPaymentStatus(userID, status, s.now().UTC())
	set := bson.M{
		"has_paid":       ups.HasPaid,
		"payment_status": ups.PaymentStatus,
		"last_status":    ups.LastStatus,
		"updated_at":     ups.UpdatedAt,
	}
	if ups.HasPaid {
		set["last_payment_date"] = ups.LastPaymentDate
	}

	_, err := s.users.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": set},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user payment status: %w", err)
	}
	return nil
}
