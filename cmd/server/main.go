package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/openagents/core/internal/auth"
	"github.com/openagents/core/internal/config"
	"github.com/openagents/core/internal/dvm"
	"github.com/openagents/core/internal/dvm/backend"
	"github.com/openagents/core/internal/relay"
)

func main() {
	log.Println("🔥 Starting OpenAgents Core (session authority, relay fabric, DVM pipeline)...")

	cfg := config.Get()
	port := cfg.GetPort()

	authSvc := buildAuthService(cfg)
	relayConns := buildRelayConnections(cfg)
	dvmSvc := buildDvmService(cfg, relayConns)

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	if err := dvmSvc.Start(shutdownCtx); err != nil {
		slog.Warn("dvm: start returned an error, continuing in degraded mode", "error", err)
	}

	router := mux.NewRouter()
	router.Use(corsMiddleware(cfg.Server.CORSAllowOrigins))
	router.Use(loggingMiddleware)

	router.HandleFunc("/health", handleHealth(relayConns)).Methods(http.MethodGet)

	auth.RegisterRoutes(router, authSvc)
	registerDvmRoutes(router, cfg, dvmSvc)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("received shutdown signal, shutting down gracefully")

		shutdownCancel()
		dvmSvc.Stop()
		for _, conn := range relayConns {
			_ = conn.Disconnect()
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("openagents-core listening", "port", port, "health_check", "http://localhost:"+port+"/health")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}
	slog.Info("server stopped")
}

func buildAuthService(cfg *config.Config) *auth.AuthService {
	authCfg := auth.Config{
		ProviderMode:     cfg.Auth.ProviderMode,
		MockMagicCode:    cfg.Auth.MockMagicCode,
		RemoteClientID:   cfg.Auth.RemoteClientID,
		RemoteAPIKey:     cfg.Auth.RemoteAPIKey,
		RemoteAPIBaseURL: cfg.Auth.RemoteAPIBaseURL,
		ChallengeTTL:     cfg.Auth.ChallengeTTL(),
		AccessTokenTTL:   cfg.Auth.AccessTokenTTL(),
		RefreshTokenTTL:  cfg.Auth.RefreshTokenTTL(),
	}
	svc := auth.NewAuthService(authCfg, slog.Default())
	slog.Info("auth: identity provider selected", "provider", svc.ProviderName())
	return svc
}

func buildRelayConnections(cfg *config.Config) []*relay.RelayConnection {
	relayCfg := relay.Config{
		ConnectTimeout:       time.Duration(cfg.Relay.ConnectTimeoutSec) * time.Second,
		MaxReconnectAttempts: uint32(cfg.Relay.MaxReconnectAttempts),
		ReconnectDelay:       time.Duration(cfg.Relay.ReconnectDelayMs) * time.Millisecond,
		MaxReconnectDelay:    time.Duration(cfg.Relay.MaxReconnectDelaySec) * time.Second,
		PingInterval:         time.Duration(cfg.Relay.PingIntervalSec) * time.Second,
		EnableQueue:          cfg.Relay.EnableQueue,
		QueuePollInterval:    time.Duration(cfg.Relay.QueuePollIntervalSec) * time.Second,
	}
	if cfg.Relay.RedisURL != "" {
		if opts, err := redis.ParseURL(cfg.Relay.RedisURL); err != nil {
			slog.Warn("relay: invalid redis url, falling back to in-process queue", "error", err)
		} else {
			relayCfg.RedisClient = redis.NewClient(opts)
		}
	}

	conns := make([]*relay.RelayConnection, 0, len(cfg.Relay.URLs))
	for _, url := range cfg.Relay.URLs {
		conn, err := relay.NewConnection(url, relayCfg)
		if err != nil {
			slog.Warn("relay: skipping misconfigured relay", "url", url, "error", err)
			continue
		}
		conns = append(conns, conn)
	}
	return conns
}

func buildDvmService(cfg *config.Config, relayConns []*relay.RelayConnection) *dvm.DvmService {
	registry := backend.NewRegistry()
	registry.Register(backend.NewMockBackend("mock"))

	if cfg.Dvm.OllamaBaseURL != "" {
		registry.Register(backend.NewHTTPBackend("ollama", cfg.Dvm.OllamaBaseURL))
	} else if local, ok := backend.DetectLocal(context.Background(), 500*time.Millisecond); ok {
		registry.Register(local)
		slog.Info("dvm: local ollama backend auto-detected")
	}

	policy := dvm.Policy{
		AllowedProviders:   cfg.Dvm.AllowedProviders,
		AllowedModels:      cfg.Dvm.AllowedModels,
		BlockedModels:      cfg.Dvm.BlockedModels,
		DefaultMaxCostUSD:  cfg.Dvm.DefaultMaxCostUSD,
		RequireMaxCost:     cfg.Dvm.RequireMaxCost,
		RequireIdempotency: cfg.Dvm.RequireIdempotency,
		RequirePayment:     cfg.Dvm.RequirePayment,
		MinPriceMillisat:   cfg.Dvm.MinPriceMillisat,
		InvoiceExpiry:      time.Duration(cfg.Dvm.InvoiceExpirySec) * time.Second,
		Budget: dvm.BudgetPolicy{
			PerTickUSD: cfg.Dvm.PerTickBudgetUSD,
			PerDayUSD:  cfg.Dvm.PerDayBudgetUSD,
		},
		PaymentMonitorPeriod: time.Duration(cfg.Dvm.PaymentMonitorSec) * time.Second,
		HandlerInfoKind:      cfg.Dvm.HandlerInfoKind,
	}

	var journal dvm.IdempotencyJournal
	if cfg.Dvm.IdempotencyRedisURL != "" {
		opts, err := redis.ParseURL(cfg.Dvm.IdempotencyRedisURL)
		if err != nil {
			slog.Warn("dvm: invalid idempotency redis url, falling back to in-process journal", "error", err)
			journal = dvm.NewInProcessIdempotencyJournal()
		} else {
			journal = dvm.NewRedisIdempotencyJournal(redis.NewClient(opts))
		}
	} else {
		journal = dvm.NewInProcessIdempotencyJournal()
	}

	return dvm.NewDvmService(dvm.Config{
		Relays:      relayConns,
		Backends:    registry,
		Signer:      dvm.NewMockSigner(cfg.Dvm.SignerPubkey),
		Payment:     dvm.NewMockPaymentCapability(),
		Policy:      policy,
		Idempotency: journal,
		Log:         slog.Default(),
	})
}

func registerDvmRoutes(router *mux.Router, cfg *config.Config, svc *dvm.DvmService) {
	guard, err := auth.NewAdminKeyGuard(cfg.Server.AdminKey)
	if err != nil {
		slog.Warn("dvm: admin key hashing failed, admin routes locked", "error", err)
		guard, _ = auth.NewAdminKeyGuard("")
	}

	admin := router.PathPrefix("/dvm/admin").Subrouter()
	admin.Use(guard.Middleware)

	admin.HandleFunc("/jobs/{id}/invoice", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		inv, err := svc.GetJobInvoice(id)
		if err != nil {
			writeJSONError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inv)
	}).Methods(http.MethodGet)

	admin.HandleFunc("/jobs/{id}/confirm-payment", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := svc.ConfirmPayment(r.Context(), id); err != nil {
			writeJSONError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
	}).Methods(http.MethodPost)

	admin.HandleFunc("/jobs/{id}/payment-status", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		status, err := svc.CheckPaymentStatus(r.Context(), id)
		if err != nil {
			writeJSONError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"status": int(status)})
	}).Methods(http.MethodGet)
}

func handleHealth(conns []*relay.RelayConnection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states := make([]string, 0, len(conns))
		for _, c := range conns {
			states = append(states, c.State().String())
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"relays": states,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *dvm.NotFoundError:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case *dvm.ValidationError:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func corsMiddleware(allowOrigins []string) mux.MiddlewareFunc {
	origin := "*"
	if len(allowOrigins) > 0 {
		origin = allowOrigins[0]
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("request", "method", r.Method, "path", r.URL.Path, "duration_ms", strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	})
}
