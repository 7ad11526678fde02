package app

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/clharman/afkbot/internal/config"
	"github.com/clharman/afkbot/internal/crypto"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report session manager and relay link state",
	Args:  cobra.NoArgs,
	RunE:  statusCmdFunc,
}

func statusCmdFunc(cmd *cobra.Command, _ []string) error {
	ws, err := config.LoadWorkstation(configPath)
	if err != nil {
		return err
	}

	fmt.Printf("socket:  %s %s\n", ws.SocketPath, socketState(ws.SocketPath))

	if ws.RelayURL == "" {
		fmt.Println("relay:   not configured")
		return nil
	}
	fmt.Printf("relay:   %s %s\n", ws.RelayURL, relayState(ws.RelayURL))
	fmt.Printf("device:  %s\n", crypto.Mask(ws.DeviceToken))

	if len(ws.Adapters) > 0 {
		for name := range ws.Adapters {
			fmt.Printf("adapter: %s\n", name)
		}
	}
	return nil
}

func socketState(path string) string {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return "(not serving)"
	}
	conn.Close()
	return "(serving)"
}

func relayState(relayURL string) string {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(relayURL + "/health")
	if err != nil {
		return "(unreachable)"
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("(%s)", resp.Status)
	}

	var h struct {
		Status       string `json:"status"`
		Workstations int    `json:"workstations"`
		Viewers      int    `json:"viewers"`
		Sessions     int    `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return "(bad health payload)"
	}
	return fmt.Sprintf("(%s; %d workstations, %d viewers, %d sessions)",
		h.Status, h.Workstations, h.Viewers, h.Sessions)
}
