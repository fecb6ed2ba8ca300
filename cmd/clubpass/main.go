// cmd/clubpass/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"clubpass/internal/config"
	"clubpass/internal/directory"
	"clubpass/internal/identity"
	"clubpass/internal/ledger"
	"clubpass/internal/membership"
	"clubpass/internal/mq"
	"clubpass/internal/obs"
	"clubpass/internal/payments"
	"clubpass/internal/sweeper"
	"clubpass/migrations"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, "clubpass", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer shutdownTracer(context.Background())

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := migrations.Up(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	var gw payments.Gateway
	if cfg.UseSandbox() {
		log.Printf("[payments] STRIPE_SECRET_KEY not set, using sandbox gateway")
		gw = payments.NewSandbox("http://localhost" + cfg.HTTPAddr)
	} else {
		gw = payments.NewStripeGateway(cfg.StripeSecretKey)
	}
	gw = payments.NewGuard(gw, payments.GuardOptions{
		Timeout:    cfg.GatewayTimeout,
		RatePerSec: cfg.GatewayRatePerSec,
		Burst:      cfg.GatewayBurst,
	})

	var publisher membership.Publisher
	if cfg.RabbitURL != "" {
		p, err := mq.NewPublisher(cfg.RabbitURL, cfg.LifecycleExchange)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer p.Close()
		publisher = p
	}

	dir := directory.NewService(db)
	svc := membership.NewService(ledger.NewPostgresStore(db), dir, gw, membership.Options{
		Policy: membership.Policy{
			PendingMembershipTTL:   cfg.PendingMembershipTTL,
			PendingRegistrationTTL: cfg.PendingRegistrationTTL,
			MembershipTermMonths:   cfg.MembershipTermMonths,
		},
		Currency:   cfg.Currency,
		SuccessURL: cfg.CheckoutSuccessURL,
		CancelURL:  cfg.CheckoutCancelURL,
		Publisher:  publisher,
	})

	var locker sweeper.Locker = sweeper.NewLocalLocker()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		locker = sweeper.NewRedisLocker(client)
	}
	go sweeper.New(svc, locker, cfg.SweepInterval).Run(ctx)

	authn := identity.Middleware(identity.NewVerifier(cfg.JWTSecret))
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	directory.NewHandler(dir).Register(r, authn)
	membership.NewHandler(svc).Register(r, authn)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	fmt.Printf("🚀 Starting ClubPass on %s\n", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
}
