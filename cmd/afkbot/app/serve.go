package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clharman/afkbot/internal/adapter"
	"github.com/clharman/afkbot/internal/config"
	"github.com/clharman/afkbot/internal/relayclient"
	"github.com/clharman/afkbot/internal/sessionmgr"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session manager, relay link, and configured adapters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ws, err := config.LoadWorkstation(configPath)
		if err != nil {
			return err
		}
		return runServe(ws, "")
	},
}

// runServe wires the session manager to the relay link and adapters,
// then serves the runner socket until interrupted. only narrows the
// adapter set to a single name; empty means every configured adapter.
func runServe(ws *config.Workstation, only string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := sessionmgr.New(time.Duration(ws.IdleAfterSeconds) * time.Second)

	if ws.RelayURL != "" && ws.DeviceToken != "" {
		client := relayclient.New(ws.RelayURL, ws.DeviceToken, mgr)
		mgr.Subscribe(client)
		go func() {
			if err := client.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[client] relay link stopped: %v", err)
			}
		}()
	} else {
		log.Printf("[client] no relay configured; run 'afkbot pair <relay-url>' to link one")
	}

	for _, name := range adapterNames(ws, only) {
		b, err := buildAdapter(ctx, name, mgr)
		if err != nil {
			return err
		}
		mgr.Subscribe(b)
		go b.Run(ctx)
		log.Printf("[adapter] %s bound", name)
	}

	return mgr.Listen(ctx, ws.SocketPath)
}

func adapterNames(ws *config.Workstation, only string) []string {
	if only != "" {
		return []string{only}
	}
	names := make([]string, 0, len(ws.Adapters))
	for name := range ws.Adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// buildAdapter constructs the named adapter bound to every local
// session. Console is the only in-tree adapter; platform adapters ship
// separately and register the same way.
func buildAdapter(ctx context.Context, name string, mgr *sessionmgr.Manager) (*adapter.Binder, error) {
	switch name {
	case "console":
		b := adapter.NewBinder(adapter.NewConsole(nil), mgr, 0)
		b.BindAll()
		go adapter.RunInput(ctx, b, mgr, os.Stdin)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown adapter %q (available: console)", name)
	}
}
