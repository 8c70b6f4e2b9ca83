package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"kiro-nexus/internal/config"
	"kiro-nexus/internal/kiro"
	"kiro-nexus/internal/manager"
	"kiro-nexus/internal/proxy/handlers"
	"kiro-nexus/internal/proxy/middleware"
	"kiro-nexus/internal/proxy/monitor"
	"kiro-nexus/internal/scheduler"
	"kiro-nexus/internal/store"
	"kiro-nexus/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Verbose {
		os.Setenv("KIRO_NEXUS_VERBOSE", "1")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	// The relational database always runs: it backs the API key and the
	// request log even when the account document lives on disk.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		log.Fatalf("Failed to create db dir: %v", err)
	}
	database, err := store.OpenDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	store.EnsureAPIKey(database)

	var docs store.DocumentStore
	switch cfg.StoreBackend {
	case "sqlite":
		docs = store.NewSQLiteStore(database)
	default:
		fs, err := store.NewFileStore(cfg.DataDir)
		if err != nil {
			log.Fatalf("Failed to initialize file store: %v", err)
		}
		docs = fs
	}

	mgr := manager.New(docs, kiro.NewRefresher(), kiro.NewPortalClient())
	client := kiro.NewClient()
	mon := monitor.New(database)
	sessions := middleware.NewSessions(cfg.AdminPassword)

	sched := scheduler.New(mgr)
	maintCfg, err := mgr.LoadSettings()
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}
	sched.Reconfigure(maintCfg)
	defer sched.Stop()

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// OpenAI- and Anthropic-compatible API (API key required)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(database))
		r.Post("/chat/completions", handlers.OpenAIChatHandler(mgr, client, mon))
		r.Post("/messages", handlers.ClaudeMessagesHandler(mgr, client, mon))
		r.Get("/models", handlers.ModelsHandler())
	})

	// Management API (session cookie required when a password is set)
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", sessions.LoginHandler())
		r.Get("/auth/check", sessions.CheckHandler())

		r.Group(func(r chi.Router) {
			r.Use(sessions.Require)
			r.Post("/auth/logout", sessions.LogoutHandler())

			r.Get("/settings", handlers.GetSettingsHandler(mgr))
			r.Put("/settings", handlers.UpdateSettingsHandler(mgr, sched))
			r.Post("/scheduler/trigger/{job}", handlers.TriggerHandler(sched))

			r.Get("/accounts", handlers.ListAccountsHandler(mgr))
			r.Get("/accounts/export", handlers.ExportAccountsHandler(mgr))
			r.Post("/accounts/import", handlers.ImportAccountsHandler(mgr))
			r.Get("/accounts/{id}", handlers.GetAccountHandler(mgr))
			r.Put("/accounts/{id}", handlers.UpdateAccountHandler(mgr))
			r.Delete("/accounts/{id}", handlers.DeleteAccountHandler(mgr))
			r.Post("/accounts/{id}/refresh", handlers.RefreshAccountHandler(mgr))
			r.Post("/accounts/{id}/machine-id", handlers.RegenerateMachineIDHandler(mgr))
			r.Post("/accounts/{id}/set-current", handlers.SetCurrentAccountHandler(mgr))

			r.Get("/discovery/scan", handlers.DiscoveryScanHandler())
			r.Get("/discovery/check", handlers.DiscoveryCheckHandler(cfg.DataDir, cfg.DBPath))
			r.Post("/discovery/import", handlers.DiscoveryImportHandler(mgr))

			r.Get("/stats", handlers.StatsHandler(mgr, mon))
			r.Get("/logs", handlers.LogsHandler(mon))
			r.Delete("/logs", handlers.ClearLogsHandler(mon))

			r.Get("/config/apikey", handlers.GetAPIKeyHandler(database))
			r.Post("/config/apikey/regenerate", handlers.RegenerateAPIKeyHandler(database))
		})
	})

	log.Printf("🚀 Kiro-Nexus %s (%s) starting on http://%s", version.Version, version.Commit, cfg.Addr())
	log.Printf("🔌 OpenAI API: http://%s/v1/chat/completions", cfg.Addr())
	log.Printf("🔌 Anthropic API: http://%s/v1/messages", cfg.Addr())
	log.Printf("🗂  Store backend: %s", cfg.StoreBackend)

	if err := http.ListenAndServe(cfg.Addr(), r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
