package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"herd-backend/cmd"
	"herd-backend/internal/api"
	"herd-backend/internal/auth"
	"herd-backend/internal/config"
	"herd-backend/internal/database"
	"herd-backend/internal/herd"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type APIConfig struct {
	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite://herd.db"`

	NodesFile   string `env:"NODES_FILE" envDefault:"nodes.yml"`
	RolesFile   string `env:"ROLES_FILE" envDefault:"roles.yml"`
	UsersFile   string `env:"USERS_FILE" envDefault:"users.yml"`
	PromptsFile string `env:"PROMPTS_FILE" envDefault:"prompts.yml"`

	APIPort         string        `env:"API_PORT" envDefault:"8001"`
	DispatchTimeout time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"30s"`
	ReloadInterval  time.Duration `env:"RELOAD_INTERVAL" envDefault:"1h"`
}

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	var cfg APIConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	directory, err := config.NewDirectory(config.Paths{
		Nodes:   cfg.NodesFile,
		Roles:   cfg.RolesFile,
		Users:   cfg.UsersFile,
		Prompts: cfg.PromptsFile,
	})
	if err != nil {
		log.Fatalf("Failed to load configuration directories: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orchestrator := herd.NewOrchestrator(db, directory, herd.Options{
		DispatchTimeout: cfg.DispatchTimeout,
	})
	orchestrator.Start(ctx)
	defer orchestrator.Stop()

	stopReloader := make(chan struct{})
	defer close(stopReloader)
	directory.StartReloader(cfg.ReloadInterval, stopReloader, func() {
		orchestrator.OnDirectoryReload(ctx)
	})

	gate := auth.NewGate(directory, db)

	// --- Chi Router Setup ---
	r := chi.NewRouter()

	// Middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(orchestrator, gate)
	r.Route("/api/v1", apiHandler.AddRoutes)

	r.Handle("/metrics", promhttp.Handler())

	// --- Start HTTP Server ---
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("API server listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
