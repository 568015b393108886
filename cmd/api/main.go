package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/flags"
	"gatehouse.dev/internal/httpapi"
	"gatehouse.dev/internal/obs"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("GATEHOUSE_COMMIT"))

	dsn := os.Getenv("GATEHOUSE_PG_DSN")
	if dsn == "" {
		log.Fatal("GATEHOUSE_PG_DSN is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	secret := strings.TrimSpace(os.Getenv("GATEHOUSE_AUTH_SECRET"))
	if secret == "" {
		log.Fatal("GATEHOUSE_AUTH_SECRET is required")
	}
	environment := envOr("GATEHOUSE_ENV", "production")

	store := auth.NewPGStore(db)
	flagStore := flags.NewPGStore(db)
	flagCache := flags.NewCache(flagStore, environment)
	flagSvc, err := flags.NewService(flagStore, flagCache)
	if err != nil {
		log.Fatalf("flags service: %v", err)
	}

	authSvc, err := auth.NewService(store, []byte(secret),
		auth.WithIssuerName(envOr("GATEHOUSE_ISSUER", "gatehouse")),
		auth.WithAudience(os.Getenv("GATEHOUSE_AUDIENCE")),
		auth.WithAccessTTL(time.Duration(envInt("GATEHOUSE_ACCESS_TTL_MINUTES", 15))*time.Minute),
		auth.WithRefreshTTL(time.Duration(envInt("GATEHOUSE_REFRESH_TTL_DAYS", 7))*24*time.Hour),
		auth.WithDefaultRole(os.Getenv("GATEHOUSE_DEFAULT_ROLE")),
		auth.WithFlags(flagCache),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	rbacSvc, err := auth.NewRBACService(store)
	if err != nil {
		log.Fatalf("rbac service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := rbacSvc.SeedBuiltins(ctx); err != nil {
		log.Printf("seed builtin permissions: %v", err)
	}
	cancel()

	api := httpapi.New(httpapi.Config{
		Ready:       httpapi.ReadyProbe{DB: db},
		Version:     version,
		Store:       store,
		Auth:        authSvc,
		RBAC:        rbacSvc,
		Flags:       flagSvc,
		FlagCache:   flagCache,
		Environment: environment,
	})

	srv := &http.Server{
		Addr:              envOr("GATEHOUSE_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting gatehouse-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = db.Close()
	log.Println("Stopped")
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
