// Package mongostore is the MongoDB-backed store. Transitions use an
// optimistic version check: the document is re-read and the rule re-applied
// when another writer got there first.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/markjakearzadon/paybridge/internal/models"
	"github.com/markjakearzadon/paybridge/internal/store"
)

const (
	transactionsCollection = "transactions"
	callbacksCollection    = "callback_records"
	syncLogsCollection     = "sync_logs"

	opTimeout            = 5 * time.Second
	maxTransitionRetries = 5
)

type transactionDoc struct {
	ID                string               `bson:"_id"`
	UserID            string               `bson:"user_id"`
	Email             string               `bson:"email,omitempty"`
	Name              string               `bson:"name,omitempty"`
	PhoneNumber       string               `bson:"phone_number,omitempty"`
	Purpose           string               `bson:"purpose,omitempty"`
	Amount            primitive.Decimal128 `bson:"amount"`
	Currency          string               `bson:"currency"`
	DisplayAmount     primitive.Decimal128 `bson:"display_amount"`
	DisplayCurrency   string               `bson:"display_currency"`
	ConversionRate    primitive.Decimal128 `bson:"conversion_rate"`
	Method            models.PaymentMethod `bson:"method"`
	Status            models.Status        `bson:"status"`
	CorrelationID     string               `bson:"correlation_id"`
	MerchantRequestID string               `bson:"merchant_request_id,omitempty"`
	CheckoutURL       string               `bson:"checkout_url,omitempty"`
	ProviderReference string               `bson:"provider_reference,omitempty"`
	FailureReason     string               `bson:"failure_reason,omitempty"`
	RetryCount        int                  `bson:"retry_count"`
	RetryOf           string               `bson:"retry_of,omitempty"`
	Version           int64                `bson:"version"`
	CreatedAt         time.Time            `bson:"created_at"`
	UpdatedAt         time.Time            `bson:"updated_at"`
	CompletedAt       *time.Time           `bson:"completed_at,omitempty"`
}

type Store struct {
	transactions *mongo.Collection
	callbacks    *mongo.Collection
	syncLogs     *mongo.Collection
	now          func() time.Time
}

func New(db *mongo.Database) *Store {
	return &Store{
		transactions: db.Collection(transactionsCollection),
		callbacks:    db.Collection(callbacksCollection),
		syncLogs:     db.Collection(syncLogsCollection),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the lookup indexes used by the store.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	txIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "method", Value: 1}, {Key: "correlation_id", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	}
	if _, err := s.transactions.Indexes().CreateMany(ctx, txIndexes); err != nil {
		log.Error().Err(err).Str("collection", transactionsCollection).Msg("Failed to create indexes")
		return fmt.Errorf("failed to create transaction indexes: %w", err)
	}
	cbIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "correlation_id", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	}
	if _, err := s.callbacks.Indexes().CreateMany(ctx, cbIndexes); err != nil {
		log.Error().Err(err).Str("collection", callbacksCollection).Msg("Failed to create indexes")
		return fmt.Errorf("failed to create callback indexes: %w", err)
	}
	syncIndex := mongo.IndexModel{Keys: bson.D{{Key: "transaction_id", Value: 1}, {Key: "created_at", Value: 1}}}
	if _, err := s.syncLogs.Indexes().CreateOne(ctx, syncIndex); err != nil {
		log.Error().Err(err).Str("collection", syncLogsCollection).Msg("Failed to create indexes")
		return fmt.Errorf("failed to create sync log indexes: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, tx *models.Transaction) (*models.Transaction, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	stored := tx.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.UpdatedAt = stored.CreatedAt
	stored.Status = models.StatusPending
	stored.Version = 1

	doc, err := toDoc(stored)
	if err != nil {
		return nil, false, err
	}
	if _, err := s.transactions.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			existing, err := s.Get(ctx, tx.ID)
			return existing, false, err
		}
		return nil, false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return stored, true, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Transaction, error) {
	return s.findOne(ctx, bson.M{"_id": id}, "transaction %s not found", id)
}

func (s *Store) FindByCorrelation(ctx context.Context, method models.PaymentMethod, correlationID string) (*models.Transaction, error) {
	if correlationID == "" {
		return nil, models.NewNotFoundError("empty correlation id")
	}
	return s.findOne(ctx, bson.M{"method": method, "correlation_id": correlationID},
		"no %s transaction for correlation id %s", method, correlationID)
}

func (s *Store) findOne(ctx context.Context, filter bson.M, notFound string, args ...any) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc transactionDoc
	if err := s.transactions.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.NewNotFoundError(notFound, args...)
		}
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	return doc.toModel()
}

func (s *Store) SetInitiation(ctx context.Context, id string, in store.Initiation) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"correlation_id":      in.CorrelationID,
			"merchant_request_id": in.MerchantRequestID,
			"checkout_url":        in.CheckoutURL,
			"updated_at":          s.now(),
		},
		"$inc": bson.M{"version": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc transactionDoc
	if err := s.transactions.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.NewNotFoundError("transaction %s not found", id)
		}
		return nil, fmt.Errorf("failed to record initiation: %w", err)
	}
	return doc.toModel()
}

// Transition re-reads and re-applies on a version conflict, up to
// maxTransitionRetries times.
func (s *Store) Transition(ctx context.Context, id string, u models.StatusUpdate) (*models.Transaction, bool, error) {
	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		tx, err := s.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		prev := tx.Version
		if !tx.Apply(u, s.now()) {
			return tx, false, nil
		}
		tx.Version = prev + 1

		doc, err := toDoc(tx)
		if err != nil {
			return nil, false, err
		}
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		res, err := s.transactions.ReplaceOne(opCtx, bson.M{"_id": id, "version": prev}, doc)
		cancel()
		if err != nil {
			return nil, false, fmt.Errorf("failed to update transaction: %w", err)
		}
		if res.MatchedCount == 1 {
			return tx, true, nil
		}
		log.Debug().Str("transaction_id", id).Int("attempt", attempt+1).Msg("Version conflict, retrying transition")
	}
	return nil, false, models.NewRetryableError(fmt.Sprintf("transaction %s is being updated concurrently", id), nil)
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]*models.Transaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	return s.find(ctx, bson.M{"user_id": userID}, opts)
}

func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	filter := bson.M{
		"status":     bson.M{"$in": []models.Status{models.StatusPending, models.StatusProcessing}},
		"created_at": bson.M{"$lt": cutoff},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, filter, opts)
}

func (s *Store) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cursor, err := s.transactions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []transactionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", err)
	}
	out := make([]*models.Transaction, 0, len(docs))
	for i := range docs {
		tx, err := docs[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *Store) RecordCallback(ctx context.Context, rec *models.CallbackRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if _, err := s.callbacks.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("failed to insert callback record: %w", err)
	}
	return nil
}

// CompleteCallback only matches unprocessed records, so the outcome is
// written once.
func (s *Store) CompleteCallback(ctx context.Context, id string, outcome models.CallbackOutcome) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	set := bson.M{
		"processed":      true,
		"processed_at":   s.now(),
		"transaction_id": outcome.TransactionID,
		"success":        outcome.Success,
		"orphaned":       outcome.Orphaned,
		"error_kind":     outcome.ErrorKind,
		"error_message":  outcome.ErrorMessage,
	}
	if outcome.CorrelationID != "" {
		set["correlation_id"] = outcome.CorrelationID
	}
	if _, err := s.callbacks.UpdateOne(ctx, bson.M{"_id": id, "processed": false}, bson.M{"$set": set}); err != nil {
		return fmt.Errorf("failed to complete callback record: %w", err)
	}
	return nil
}

func (s *Store) RecordSync(ctx context.Context, entry *models.SyncLog) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if _, err := s.syncLogs.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("failed to insert sync log: %w", err)
	}
	return nil
}

func (s *Store) ListSyncLogs(ctx context.Context, transactionID string) ([]*models.SyncLog, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.syncLogs.Find(ctx, bson.M{"transaction_id": transactionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find sync logs: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*models.SyncLog
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode sync logs: %w", err)
	}
	return out, nil
}

func toDoc(tx *models.Transaction) (*transactionDoc, error) {
	amount, err := toDecimal128(tx.Amount)
	if err != nil {
		return nil, err
	}
	display, err := toDecimal128(tx.DisplayAmount)
	if err != nil {
		return nil, err
	}
	rate, err := toDecimal128(tx.ConversionRate)
	if err != nil {
		return nil, err
	}
	return &transactionDoc{
		ID:                tx.ID,
		UserID:            tx.UserID,
		Email:             tx.Email,
		Name:              tx.Name,
		PhoneNumber:       tx.PhoneNumber,
		Purpose:           tx.Purpose,
		Amount:            amount,
		Currency:          tx.Currency,
		DisplayAmount:     display,
		DisplayCurrency:   tx.DisplayCurrency,
		ConversionRate:    rate,
		Method:            tx.Method,
		Status:            tx.Status,
		CorrelationID:     tx.CorrelationID,
		MerchantRequestID: tx.MerchantRequestID,
		CheckoutURL:       tx.CheckoutURL,
		ProviderReference: tx.ProviderReference,
		FailureReason:     tx.FailureReason,
		RetryCount:        tx.RetryCount,
		RetryOf:           tx.RetryOf,
		Version:           tx.Version,
		CreatedAt:         tx.CreatedAt,
		UpdatedAt:         tx.UpdatedAt,
		CompletedAt:       tx.CompletedAt,
	}, nil
}

func (d *transactionDoc) toModel() (*models.Transaction, error) {
	amount, err := fromDecimal128(d.Amount)
	if err != nil {
		return nil, err
	}
	display, err := fromDecimal128(d.DisplayAmount)
	if err != nil {
		return nil, err
	}
	rate, err := fromDecimal128(d.ConversionRate)
	if err != nil {
		return nil, err
	}
	return &models.Transaction{
		ID:                d.ID,
		UserID:            d.UserID,
		Email:             d.Email,
		Name:              d.Name,
		PhoneNumber:       d.PhoneNumber,
		Purpose:           d.Purpose,
		Amount:            amount,
		Currency:          d.Currency,
		DisplayAmount:     display,
		DisplayCurrency:   d.DisplayCurrency,
		ConversionRate:    rate,
		Method:            d.Method,
		Status:            d.Status,
		CorrelationID:     d.CorrelationID,
		MerchantRequestID: d.MerchantRequestID,
		CheckoutURL:       d.CheckoutURL,
		ProviderReference: d.ProviderReference,
		FailureReason:     d.FailureReason,
		RetryCount:        d.RetryCount,
		RetryOf:           d.RetryOf,
		Version:           d.Version,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		CompletedAt:       d.CompletedAt,
	}, nil
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("failed to encode amount %s: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode amount %s: %w", v, err)
	}
	return d, nil
}
