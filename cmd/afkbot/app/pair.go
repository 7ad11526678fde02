package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/clharman/afkbot/internal/config"
)

var pairName string

var pairCmd = &cobra.Command{
	Use:   "pair [relay-url]",
	Short: "Pair this workstation with a relay server",
	Long: `Requests a pairing code from the relay and waits for a signed-in
viewer to approve it. On approval the issued workstation credential is
saved to the config file and 'afkbot serve' will use it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: pairCmdFunc,
}

func init() {
	pairCmd.Flags().StringVar(&pairName, "name", "", "Device name shown on the relay (default: hostname)")
}

var pairPollInterval = 2 * time.Second

func pairCmdFunc(cmd *cobra.Command, args []string) error {
	ws, err := config.LoadWorkstation(configPath)
	if err != nil {
		return err
	}

	relayURL := ws.RelayURL
	if len(args) == 1 {
		relayURL = strings.TrimRight(args[0], "/")
	}
	if relayURL == "" {
		return errors.New("no relay URL: pass one as an argument or set relay_url in the config")
	}

	name := pairName
	if name == "" {
		name, _ = os.Hostname()
	}

	code, verifyURL, expiresIn, err := requestPairing(relayURL, name)
	if err != nil {
		return err
	}

	fmt.Printf("Pairing code: %s\n", code)
	fmt.Printf("Approve it from a signed-in viewer at %s\n", verifyURL)
	fmt.Println("Waiting for approval...")

	deadline := time.Now().Add(time.Duration(expiresIn) * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(pairPollInterval)

		token, deviceID, pending, err := pollPairing(relayURL, code)
		if err != nil {
			return err
		}
		if pending {
			continue
		}

		ws.RelayURL = relayURL
		ws.DeviceToken = token
		if err := config.SaveWorkstation(configPath, ws); err != nil {
			return err
		}
		fmt.Printf("Paired as device %s. Credential saved.\n", deviceID)
		return nil
	}
	return fmt.Errorf("%w: pairing code expired before approval", ErrAuth)
}

var pairHTTP = &http.Client{Timeout: 10 * time.Second}

func requestPairing(relayURL, name string) (code, verifyURL string, expiresIn int, err error) {
	body, _ := json.Marshal(map[string]string{"name": name})
	resp, err := pairHTTP.Post(relayURL+"/pair", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", "", 0, fmt.Errorf("request pairing code: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", 0, fmt.Errorf("request pairing code: %s", httpDetail(resp))
	}

	var out struct {
		Code            string `json:"code"`
		VerificationURL string `json:"verification_url"`
		ExpiresIn       int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", 0, fmt.Errorf("decode pairing response: %w", err)
	}
	return out.Code, out.VerificationURL, out.ExpiresIn, nil
}

func pollPairing(relayURL, code string) (token, deviceID string, pending bool, err error) {
	resp, err := pairHTTP.Get(relayURL + "/pair/" + code)
	if err != nil {
		return "", "", false, fmt.Errorf("poll pairing code: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return "", "", true, nil
	case http.StatusGone:
		return "", "", false, fmt.Errorf("%w: pairing code rejected by the relay", ErrAuth)
	case http.StatusOK:
		var out struct {
			Token    string `json:"token"`
			DeviceID string `json:"device_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", "", false, fmt.Errorf("decode pairing credential: %w", err)
		}
		return out.Token, out.DeviceID, false, nil
	default:
		return "", "", false, fmt.Errorf("poll pairing code: %s", httpDetail(resp))
	}
}

// httpDetail pulls the {"detail": ...} message out of an error reply,
// falling back to the HTTP status.
func httpDetail(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var out struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &out) == nil && out.Detail != "" {
		return fmt.Sprintf("%s (%s)", out.Detail, resp.Status)
	}
	return resp.Status
}
