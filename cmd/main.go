package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/markjakearzadon/paybridge/internal/cache"
	"github.com/markjakearzadon/paybridge/internal/config"
	"github.com/markjakearzadon/paybridge/internal/currency"
	"github.com/markjakearzadon/paybridge/internal/db"
	"github.com/markjakearzadon/paybridge/internal/downstream"
	"github.com/markjakearzadon/paybridge/internal/gateway"
	"github.com/markjakearzadon/paybridge/internal/handlers"
	"github.com/markjakearzadon/paybridge/internal/services"
	"github.com/markjakearzadon/paybridge/internal/store"
	"github.com/markjakearzadon/paybridge/internal/store/mongostore"
	"github.com/markjakearzadon/paybridge/internal/store/pgstore"
	"go.mongodb.org/mongo-driver/mongo"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	cfg.SetupLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	converter, err := currency.NewConverter(cfg.BaseCurrency, cfg.Rates, cfg.DisplayFallbackCurrency)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid exchange rates")
	}

	// Mongo backs the downstream records whenever it is configured, even when
	// transactions live elsewhere.
	var mongoDB *mongo.Database
	if cfg.MongoURI != "" {
		client, err := db.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			log.Fatal().Err(err).Msg("MongoDB unavailable")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := client.Disconnect(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Error disconnecting from MongoDB")
			}
		}()
		mongoDB = client.Database(cfg.MongoDatabase)
	}

	var st store.Store
	switch cfg.Store {
	case config.StoreMongo:
		ms := mongostore.New(mongoDB)
		if err := ms.EnsureIndexes(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to create MongoDB indexes")
		}
		st = ms
	case config.StorePostgres:
		pool, err := db.ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Postgres unavailable")
		}
		defer pool.Close()
		ps := pgstore.New(pool)
		if err := ps.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate Postgres schema")
		}
		st = ps
	default:
		log.Warn().Msg("Using in-memory store; transactions are lost on restart")
		st = store.NewMemoryStore()
	}
	log.Info().Str("store", cfg.Store).Msg("Transaction store ready")

	var tokens gateway.TokenStore
	if cfg.RedisURL != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, provider tokens cached in process only")
		} else {
			defer rdb.Close()
			tokens = cache.NewTokenStore(rdb)
			log.Info().Msg("Connected to Redis")
		}
	}

	syncers := downstream.Multi{downstream.LogSyncer{}}
	if mongoDB != nil {
		syncers = append(syncers, downstream.NewMongoSyncer(mongoDB))
	}
	if cfg.RabbitMQURL != "" {
		conn, ch, err := downstream.DialRabbitMQ(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			log.Warn().Err(err).Msg("RabbitMQ unavailable, payment events will not be published")
		} else {
			defer conn.Close()
			defer ch.Close()
			syncers = append(syncers, downstream.NewRabbitMQSyncer(ch, cfg.RabbitMQExchange))
			log.Info().Str("exchange", cfg.RabbitMQExchange).Msg("Connected to RabbitMQ")
		}
	}

	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}
	registry := gateway.NewRegistry()
	if cfg.Mpesa.Enabled() {
		registry.Register(gateway.NewMpesaGateway(gateway.MpesaConfig{
			BaseURL:        cfg.Mpesa.BaseURL,
			ConsumerKey:    cfg.Mpesa.ConsumerKey,
			ConsumerSecret: cfg.Mpesa.ConsumerSecret,
			Shortcode:      cfg.Mpesa.Shortcode,
			Passkey:        cfg.Mpesa.Passkey,
			CallbackURL:    cfg.Mpesa.CallbackURL,
			Timeout:        cfg.ProviderTimeout,
		}, httpClient, tokens))
	}
	if cfg.Flutterwave.Enabled() {
		registry.Register(gateway.NewFlutterwaveGateway(gateway.FlutterwaveConfig{
			BaseURL:       cfg.Flutterwave.BaseURL,
			SecretKey:     cfg.Flutterwave.SecretKey,
			WebhookSecret: cfg.Flutterwave.WebhookSecret,
			RedirectURL:   cfg.Flutterwave.RedirectURL,
			Timeout:       cfg.ProviderTimeout,
		}, httpClient))
	}
	if len(registry.Methods()) == 0 {
		log.Warn().Msg("No payment provider configured")
	}

	machine := services.NewStateMachine(st, syncers, cfg.SyncTimeout)
	paymentService := services.NewPaymentService(st, registry, converter, machine, services.PaymentConfig{
		MinAmount:  cfg.MinAmount,
		MaxAmount:  cfg.MaxAmount,
		MaxRetries: cfg.MaxRetries,
	})
	statusService := services.NewStatusService(st, registry, machine, cfg.PendingTimeout)
	callbackService := services.NewCallbackService(st, registry, machine)

	if cfg.SweepInterval > 0 {
		services.NewSweeper(st, statusService, cfg.SweepInterval, cfg.PendingTimeout).Start(ctx)
	}

	paymentHandler := handlers.NewPaymentHandler(paymentService, statusService, converter)
	callbackHandler := handlers.NewCallbackHandler(callbackService, cfg.RejectInvalidSignatures)
	currencyHandler := handlers.NewCurrencyHandler(converter)

	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "HEAD")

	router.HandleFunc("/api/payments", paymentHandler.CreatePayment).Methods("POST")
	router.HandleFunc("/api/payments/{transactionID}", paymentHandler.GetPayment).Methods("GET")
	router.HandleFunc("/api/payments/{transactionID}/retry", paymentHandler.RetryPayment).Methods("POST")
	router.HandleFunc("/api/payments/{transactionID}/sync", paymentHandler.SyncPayment).Methods("POST")
	router.HandleFunc("/api/users/{userID}/payments", paymentHandler.GetPaymentsByUserID).Methods("GET")

	router.HandleFunc("/api/callbacks/mpesa", callbackHandler.Mpesa).Methods("POST")
	router.HandleFunc("/api/callbacks/flutterwave", callbackHandler.Flutterwave).Methods("POST")

	router.HandleFunc("/api/currencies", currencyHandler.ListCurrencies).Methods("GET")
	router.HandleFunc("/api/currencies/convert", currencyHandler.Convert).Methods("GET")

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.ProviderTimeout + 10*time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Strs("providers", methodNames(registry)).Msg("Server running")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}

func methodNames(r *gateway.Registry) []string {
	methods := r.Methods()
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = string(m)
	}
	return names
}
