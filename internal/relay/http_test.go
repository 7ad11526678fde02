package relay

import (
	"net/http"
	"strings"
	"testing"

	"github.com/clharman/afkbot/internal/auth"
	"github.com/clharman/afkbot/internal/database"
)

func TestPairingLifecycle(t *testing.T) {
	ts, _ := setupRelay(t)
	user := mustUser(t, "amy@example.com")
	viewToken := mustCredential(t, user.ID, database.DeviceKindViewer)

	// Workstation asks for a code.
	resp := httpPost(t, ts.URL+"/pair", "", map[string]string{"name": "laptop"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /pair: expected 200, got %d", resp.StatusCode)
	}
	var created struct {
		Code            string `json:"code"`
		VerificationURL string `json:"verification_url"`
		ExpiresIn       int    `json:"expires_in"`
	}
	decodeBody(t, resp, &created)
	if len(created.Code) != pairCodeLen {
		t.Fatalf("expected %d-char code, got %q", pairCodeLen, created.Code)
	}
	for _, c := range created.Code {
		if !strings.ContainsRune(pairAlphabet, c) {
			t.Fatalf("code %q contains %q outside the alphabet", created.Code, c)
		}
	}
	if created.ExpiresIn <= 0 || created.ExpiresIn > int(pairTTL.Seconds()) {
		t.Errorf("implausible expires_in %d", created.ExpiresIn)
	}
	if !strings.HasSuffix(created.VerificationURL, "/pair/"+created.Code) {
		t.Errorf("unexpected verification url %q", created.VerificationURL)
	}

	// Unverified poll is pending.
	resp = httpGet(t, ts.URL+"/pair/"+created.Code)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("pending poll: expected 202, got %d", resp.StatusCode)
	}

	// Verification requires a viewer credential.
	resp = httpPost(t, ts.URL+"/pair/verify", "", map[string]string{"code": created.Code})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated verify: expected 401, got %d", resp.StatusCode)
	}
	resp = httpPost(t, ts.URL+"/pair/verify", viewToken, map[string]string{"code": created.Code})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d", resp.StatusCode)
	}

	// The next poll returns the credential exactly once.
	resp = httpGet(t, ts.URL+"/pair/"+created.Code)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d", resp.StatusCode)
	}
	var claimed struct {
		Token    string `json:"token"`
		DeviceID string `json:"device_id"`
	}
	decodeBody(t, resp, &claimed)
	if claimed.Token == "" || claimed.DeviceID == "" {
		t.Fatalf("claim returned empty credential: %+v", claimed)
	}

	dev, owner, err := auth.VerifyCredential(claimed.Token)
	if err != nil {
		t.Fatalf("issued credential does not verify: %v", err)
	}
	if dev.ID != claimed.DeviceID || dev.Kind != database.DeviceKindWorkstation || dev.Name != "laptop" {
		t.Errorf("unexpected device: %+v", dev)
	}
	if owner.ID != user.ID {
		t.Errorf("device bound to user %d, want %d", owner.ID, user.ID)
	}

	// Claimed codes are gone.
	resp = httpGet(t, ts.URL+"/pair/"+created.Code)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("re-claim: expected 410, got %d", resp.StatusCode)
	}
	resp = httpGet(t, ts.URL+"/pair/ZZZZZZ")
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("unknown code: expected 410, got %d", resp.StatusCode)
	}
}

func TestVerifyRejectsWorkstationCredential(t *testing.T) {
	ts, _ := setupRelay(t)
	user := mustUser(t, "amy@example.com")
	wsToken := mustCredential(t, user.ID, database.DeviceKindWorkstation)

	resp := httpPost(t, ts.URL+"/pair", "", map[string]string{})
	var created struct {
		Code string `json:"code"`
	}
	decodeBody(t, resp, &created)

	resp = httpPost(t, ts.URL+"/pair/verify", wsToken, map[string]string{"code": created.Code})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("workstation verify: expected 403, got %d", resp.StatusCode)
	}
}

func TestCreateDeviceEndpoint(t *testing.T) {
	ts, _ := setupRelay(t)
	user := mustUser(t, "amy@example.com")
	viewToken := mustCredential(t, user.ID, database.DeviceKindViewer)

	resp := httpPost(t, ts.URL+"/devices", viewToken, map[string]string{"name": "phone"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /devices: expected 200, got %d", resp.StatusCode)
	}
	var issued struct {
		Token    string `json:"token"`
		DeviceID string `json:"device_id"`
	}
	decodeBody(t, resp, &issued)

	dev, owner, err := auth.VerifyCredential(issued.Token)
	if err != nil {
		t.Fatalf("issued credential does not verify: %v", err)
	}
	if dev.Kind != database.DeviceKindViewer || dev.Name != "phone" || owner.ID != user.ID {
		t.Errorf("unexpected device: %+v (owner %d)", dev, owner.ID)
	}

	// No credential, no device.
	resp = httpPost(t, ts.URL+"/devices", "", map[string]string{"name": "phone"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: expected 401, got %d", resp.StatusCode)
	}

	// Unknown kinds are refused.
	resp = httpPost(t, ts.URL+"/devices", viewToken, map[string]string{"kind": "toaster"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad kind: expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthCounters(t *testing.T) {
	ts, _ := setupRelay(t)
	user := mustUser(t, "amy@example.com")

	resp := httpGet(t, ts.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health: expected 200, got %d", resp.StatusCode)
	}
	var health struct {
		Status       string `json:"status"`
		Workstations int    `json:"workstations"`
		Viewers      int    `json:"viewers"`
		Sessions     int    `json:"sessions"`
	}
	decodeBody(t, resp, &health)
	if health.Status != "ok" || health.Workstations != 0 {
		t.Fatalf("unexpected initial health: %+v", health)
	}

	ws := dialWS(t, ts, "/ws/workstation", mustCredential(t, user.ID, database.DeviceKindWorkstation))
	sendFrame(t, ws, Message{Type: MsgSessionStart, SessionID: "s1", Name: "demo", Cwd: "/w"})
	viewer := dialWS(t, ts, "/ws/viewer", mustCredential(t, user.ID, database.DeviceKindViewer))
	waitForSession(t, viewer, "s1")

	resp = httpGet(t, ts.URL+"/health")
	decodeBody(t, resp, &health)
	if health.Workstations != 1 || health.Viewers != 1 || health.Sessions != 1 {
		t.Fatalf("expected 1/1/1 counters, got %+v", health)
	}
}
