package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clharman/afkbot/internal/auth"
	"github.com/clharman/afkbot/internal/config"
	"github.com/clharman/afkbot/internal/database"
	"github.com/clharman/afkbot/internal/logging"
	"github.com/clharman/afkbot/internal/relay"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
)

// unusedDeviceGrace is how long an issued-but-never-connected
// credential survives before the hourly sweep revokes it.
const unusedDeviceGrace = 30 * 24 * time.Hour

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 && os.Args[1] == "--create-user" {
		runCreateUser()
		return
	}

	config.Load()
	logging.Init(config.Cfg.LogFile, config.Cfg.Debug)
	defer logging.Close()

	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: Host=%s Port=%d DB=%s PublicURL=%s Push=%v Debug=%v",
		config.Cfg.Host, config.Cfg.Port, config.Cfg.DatabasePath,
		config.Cfg.PublicURL, config.Cfg.PushGatewayURL != "", config.Cfg.Debug)

	hub := relay.NewHub(relay.NewGatewayPush(config.Cfg.PushGatewayURL))
	pairing := relay.NewPairingStore()
	api := relay.NewAPI(hub, pairing)

	// Background sweeps
	sweeper := cron.New()
	sweeper.AddFunc("* * * * *", pairing.Sweep)
	sweeper.AddFunc("@hourly", func() {
		n, err := database.PruneUnusedDevices(unusedDeviceGrace)
		if err != nil {
			log.Printf("[relay] device sweep: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[relay] revoked %d never-used device credentials", n)
		}
	})
	sweeper.Start()
	defer sweeper.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", api.Health)

	// WebSocket endpoints; auth happens on the first frame
	r.Get("/ws/workstation", hub.ServeWorkstation)
	r.Get("/ws/viewer", hub.ServeViewer)

	// Device pairing
	r.Post("/pair", api.CreatePairing)
	r.Get("/pair/{code}", api.PollPairing)
	r.Post("/pair/verify", api.VerifyPairing)
	r.Post("/devices", api.CreateDevice)

	if config.Cfg.Debug {
		r.Get("/logs", api.Logs)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Cfg.Host, config.Cfg.Port),
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Relay listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Relay stopped")
}

// runCreateUser bootstraps the first account: a user row plus one
// viewer credential, printed exactly once. Everything after that goes
// through pairing or POST /devices.
func runCreateUser() {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	email := fs.String("email", "", "Email address for the new user")
	deviceName := fs.String("device", "bootstrap", "Name for the initial viewer credential")
	fs.Parse(os.Args[2:])

	if *email == "" {
		fmt.Fprintln(os.Stderr, "Usage: afkbot-relay --create-user --email <address> [--device <name>]")
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	user := &database.User{Email: *email}
	if err := database.CreateUser(user); err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}

	dev, token, err := auth.IssueDevice(user.ID, *deviceName, database.DeviceKindViewer)
	if err != nil {
		log.Fatalf("Failed to issue credential: %v", err)
	}

	fmt.Printf("User '%s' created (id %d).\n", *email, user.ID)
	fmt.Printf("Viewer device %s issued. Token (shown once):\n%s\n", dev.ID, token)
}
