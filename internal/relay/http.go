package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clharman/afkbot/internal/auth"
	"github.com/clharman/afkbot/internal/config"
	"github.com/clharman/afkbot/internal/database"
	"github.com/clharman/afkbot/internal/logging"
)

// API carries the REST surface around the hub: health, pairing, device
// issue, and the debug log tail.
type API struct {
	hub     *Hub
	pairing *PairingStore
	started time.Time
}

func NewAPI(hub *Hub, pairing *PairingStore) *API {
	return &API{hub: hub, pairing: pairing, started: time.Now()}
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	workstations, viewers, sessions := a.hub.Counts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"uptime":       int64(time.Since(a.started).Seconds()),
		"workstations": workstations,
		"viewers":      viewers,
		"sessions":     sessions,
	})
}

// CreatePairing starts a device-code pairing. No auth: the caller is
// exactly the device that has no credential yet.
func (a *API) CreatePairing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	code, expires, err := a.pairing.Create(req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create pairing code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code":             code,
		"verification_url": verificationURL(code),
		"expires_in":       int(time.Until(expires).Seconds()),
	})
}

// PollPairing reports pairing progress: 202 while pending, 200 exactly
// once with the credential, 410 for anything else.
func (a *API) PollPairing(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	raw, deviceID, pending, err := a.pairing.Claim(code)
	switch {
	case errors.Is(err, ErrCodeExpired):
		writeError(w, http.StatusGone, "pairing code expired")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "could not issue credential")
	case pending:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"token":     raw,
			"device_id": deviceID,
		})
	}
}

// VerifyPairing approves a pending code on behalf of the authenticated
// viewer's user.
func (a *API) VerifyPairing(w http.ResponseWriter, r *http.Request) {
	device, user, err := bearerPrincipal(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if device.Kind != database.DeviceKindViewer {
		writeError(w, http.StatusForbidden, "viewer credential required")
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}
	if err := a.pairing.Approve(strings.ToUpper(req.Code), user.ID); err != nil {
		writeError(w, http.StatusGone, "pairing code expired")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateDevice issues a fresh credential directly to a caller that
// already holds a viewer credential.
func (a *API) CreateDevice(w http.ResponseWriter, r *http.Request) {
	device, user, err := bearerPrincipal(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if device.Kind != database.DeviceKindViewer {
		writeError(w, http.StatusForbidden, "viewer credential required")
		return
	}

	var req struct {
		Name string `json:"name"`
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind == "" {
		req.Kind = database.DeviceKindViewer
	}
	if req.Kind != database.DeviceKindViewer && req.Kind != database.DeviceKindWorkstation {
		writeError(w, http.StatusBadRequest, "invalid device kind")
		return
	}
	if req.Name == "" {
		req.Name = req.Kind
	}

	dev, raw, err := auth.IssueDevice(user.ID, req.Name, req.Kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue credential")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":     raw,
		"device_id": dev.ID,
	})
}

// Logs serves the log tail. Only routed when debug mode is on.
func (a *API) Logs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	tail, err := logging.ReadTail(config.Cfg.LogFile, n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not read log file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}

func bearerPrincipal(r *http.Request) (*database.Device, *database.User, error) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, nil, auth.ErrInvalidToken
	}
	return auth.VerifyCredential(token)
}

func verificationURL(code string) string {
	base := strings.TrimRight(config.Cfg.PublicURL, "/")
	return base + "/pair/" + code
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
