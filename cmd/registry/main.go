// Command registry runs a standalone bootstrap registry: peers register
// their signing/DH keys and base URL here so they can build a group.Group
// without a shared static config file.
//
// # Endpoints
//
//   - POST   /registry/register     - Register a member
//   - DELETE /registry/{id}         - Remove a member
//   - GET    /registry/members      - List registered members
//   - GET    /healthz               - Health check
//
// # Usage
//
//	go run ./cmd/registry --addr=:8080
//	go run ./cmd/registry --addr=:8080 --postgres-host=localhost --postgres-db=adcnet
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flashbots/adcnet/group"
	"github.com/flashbots/adcnet/registry"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "HTTP listen address")
		postgresHost = flag.String("postgres-host", "", "Postgres host; empty uses an in-memory store")
		postgresPort = flag.Int("postgres-port", 5432, "Postgres port")
		postgresUser = flag.String("postgres-user", "adcnet", "Postgres user")
		postgresPass = flag.String("postgres-password", "", "Postgres password")
		postgresDB   = flag.String("postgres-db", "adcnet", "Postgres database")
		postgresSSL  = flag.String("postgres-sslmode", "disable", "Postgres sslmode")
	)
	flag.Parse()

	var store registry.Store
	if *postgresHost != "" {
		pg, err := registry.NewPostgresStore(&registry.PostgresConfig{
			Host:     *postgresHost,
			Port:     *postgresPort,
			User:     *postgresUser,
			Password: *postgresPass,
			Database: *postgresDB,
			SSLMode:  *postgresSSL,
		})
		if err != nil {
			fmt.Printf("Error connecting to postgres: %v\n", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
	} else {
		store = registry.NewInMemoryStore()
	}

	reg, err := registry.New(store, group.ZeroID)
	if err != nil {
		fmt.Printf("Error starting registry: %v\n", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	reg.RegisterRoutes(r)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         *addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		fmt.Printf("Registry listening on %s\n", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Server error: %v\n", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down registry...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Printf("Shutdown error: %v\n", err)
	}
}
