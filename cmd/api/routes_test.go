package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"workstation-guard/internal/config"
	"workstation-guard/internal/identity"
	"workstation-guard/pkg/logger"

	"github.com/gin-gonic/gin"
)

var cheapHash = identity.HashParams{MemoryKiB: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func testConfig(t *testing.T, mutate func(*config.Config)) config.Config {
	t.Helper()
	cfg := config.Config{
		App:    config.AppConfig{Env: "local", Port: 8080},
		Store:  config.StoreConfig{Backend: "memory", SeedDev: true, BootstrapAdmin: "04A1B2C3D4E5"},
		Auth:   config.AuthConfig{JWTSecret: "test-secret-test-secret-test-secret"},
		Ledger: config.LedgerConfig{Backend: "memory", FallbackPath: filepath.Join(t.TempDir(), "fallback.jsonl")},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func startApp(t *testing.T, cfg config.Config) *app {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, cfg, logger.Discard(), cheapHash)
	if err != nil {
		cancel()
		t.Fatalf("newApp: %v", err)
	}
	a.start(ctx)
	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		if err := a.close(cctx); err != nil {
			t.Errorf("close: %v", err)
		}
		cancel()
	})
	return a
}

type client struct {
	t *testing.T
	h http.Handler
}

func (c client) call(method, path string, body any, header ...string) (int, map[string]any) {
	c.t.Helper()
	var req *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal: %v", err)
		}
		req = httptest.NewRequest(method, path, strings.NewReader(string(b)))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	c.h.ServeHTTP(w, req)

	out := map[string]any{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			c.t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code, out
}

func admit(tokenID, pin, station string) map[string]string {
	return map[string]string{"token_id": tokenID, "pin": pin, "device_id": station}
}

func TestRoutes_SessionLifecycle(t *testing.T) {
	a := startApp(t, testConfig(t, nil))
	c := client{t: t, h: a.handler}

	if code, body := c.call(http.MethodGet, "/health", nil); code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("health: %d %v", code, body)
	}

	code, body := c.call(http.MethodPost, "/authenticate", admit("04F6G7H8I9J0", "9999", "WS-1"))
	if code != http.StatusOK || body["success"] != false {
		t.Fatalf("bad pin: %d %v", code, body)
	}
	if _, hasUser := body["user"]; hasUser {
		t.Fatalf("failed admission must not expose the identity: %v", body)
	}

	code, body = c.call(http.MethodPost, "/session/start", admit("04F6G7H8I9J0", "0000", "WS-1"))
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("start: %d %v", code, body)
	}
	token, _ := body["session_token"].(string)
	sessionID, _ := body["session_id"].(string)
	if token == "" || sessionID == "" {
		t.Fatalf("expected session token and id: %v", body)
	}

	if code, _ := c.call(http.MethodPost, "/session/start", admit("04F6G7H8I9J0", "0000", "WS-1")); code != http.StatusConflict {
		t.Fatalf("second start at same station: expected 409, got %d", code)
	}
	if code, _ := c.call(http.MethodPost, "/session/start", admit("04F6G7H8I9J0", "1234", "WS-2")); code != http.StatusUnauthorized {
		t.Fatalf("bad pin start: expected 401, got %d", code)
	}

	code, body = c.call(http.MethodPost, "/session/activity", map[string]string{
		"session_token": token, "activity_type": "data-export", "description": "export client list",
	})
	if code != http.StatusOK || body["is_suspicious"] != true {
		t.Fatalf("activity: %d %v", code, body)
	}
	activityReceipt, _ := body["receipt_id"].(string)

	if _, body := c.call(http.MethodGet, "/session/check/"+token, nil); body["is_active"] != true {
		t.Fatalf("expected active: %v", body)
	}

	code, body = c.call(http.MethodPost, "/session/logout", map[string]string{"session_token": token})
	if code != http.StatusOK {
		t.Fatalf("logout: %d %v", code, body)
	}
	sum, _ := body["summary"].(map[string]any)
	if sum["reason"] != "manual" || sum["activity_count"] != float64(1) || sum["suspicious_count"] != float64(1) {
		t.Fatalf("unexpected summary: %v", sum)
	}
	if code, again := c.call(http.MethodPost, "/session/logout", map[string]string{"session_token": token}); code != http.StatusOK || again["summary"].(map[string]any)["ended_at"] != sum["ended_at"] {
		t.Fatalf("second logout must return the same summary: %d %v", code, again)
	}

	if _, body := c.call(http.MethodGet, "/session/check/"+token, nil); body["is_active"] != false {
		t.Fatalf("expected inactive: %v", body)
	}
	if code, _ := c.call(http.MethodPost, "/session/activity", map[string]string{
		"session_token": token, "activity_type": "document-view", "description": "late",
	}); code != http.StatusGone {
		t.Fatalf("activity after logout: expected 410, got %d", code)
	}
	if code, _ := c.call(http.MethodPost, "/session/activity", map[string]string{
		"session_token": "garbage", "activity_type": "document-view",
	}); code != http.StatusUnauthorized {
		t.Fatalf("bad session token: expected 401, got %d", code)
	}
	if _, body := c.call(http.MethodGet, "/session/check/garbage", nil); body["is_active"] != false {
		t.Fatalf("garbage token must read inactive: %v", body)
	}

	if code, body := c.call(http.MethodGet, "/user/04f6g7h8i9j0", nil); code != http.StatusOK || body["account_name"] != "carlosruiz" {
		t.Fatalf("user lookup: %d %v", code, body)
	}
	if code, _ := c.call(http.MethodGet, "/user/FFFFFFFF", nil); code != http.StatusNotFound {
		t.Fatalf("unknown user: expected 404, got %d", code)
	}

	adminHeader := adminToken(t, c)

	if code, body := c.call(http.MethodGet, "/admin/ledger/"+activityReceipt+"/verify", nil, adminHeader...); code != http.StatusOK || body["verified"] != true {
		t.Fatalf("verify: %d %v", code, body)
	}
	if code, body := c.call(http.MethodGet, "/admin/ledger/audit", nil, adminHeader...); code != http.StatusOK || body["intact"] != true {
		t.Fatalf("audit: %d %v", code, body)
	}
	if code, body := c.call(http.MethodGet, "/admin/sessions/"+sessionID+"/alerts", nil, adminHeader...); code != http.StatusOK || len(body["alerts"].([]any)) == 0 {
		t.Fatalf("alerts: %d %v", code, body)
	}
	if code, body := c.call(http.MethodGet, "/admin/sessions/"+sessionID+"/activities", nil, adminHeader...); code != http.StatusOK || len(body["activities"].([]any)) == 0 {
		t.Fatalf("activities: %d %v", code, body)
	}

	code, body = c.call(http.MethodGet, "/admin/reports/admissions", nil, adminHeader...)
	if code != http.StatusOK || body["failed"] != float64(2) || body["succeeded"] != float64(3) {
		t.Fatalf("admission report: %d %v", code, body)
	}
	code, body = c.call(http.MethodGet, "/admin/reports/alerts", nil, adminHeader...)
	if code != http.StatusOK || body["total"].(float64) < 1 {
		t.Fatalf("alert report: %d %v", code, body)
	}
	if code, body := c.call(http.MethodGet, "/admin/logs?limit=2", nil, adminHeader...); code != http.StatusOK || len(body["records"].([]any)) != 2 {
		t.Fatalf("logs: %d %v", code, body)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "workstation_guard_") {
		t.Fatalf("metrics: %d", w.Code)
	}
}

// adminToken authenticates the bootstrap admin and returns the bearer header.
func adminToken(t *testing.T, c client) []string {
	t.Helper()
	code, body := c.call(http.MethodPost, "/authenticate", admit("04A1B2C3D4E5", "0000", "ADMIN-1"))
	tok, _ := body["admin_token"].(string)
	if code != http.StatusOK || tok == "" {
		t.Fatalf("admin authenticate: %d %v", code, body)
	}
	return []string{"Authorization", "Bearer " + tok}
}

func TestRoutes_AdminRequiresAdminToken(t *testing.T) {
	a := startApp(t, testConfig(t, nil))
	c := client{t: t, h: a.handler}

	if code, _ := c.call(http.MethodGet, "/admin/users", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", code)
	}

	// Holders get no admin token, and a session token is not an access token.
	_, body := c.call(http.MethodPost, "/authenticate", admit("04K1L2M3N4O5", "0000", "WS-3"))
	if _, ok := body["admin_token"]; ok {
		t.Fatalf("holder must not receive an admin token: %v", body)
	}
	_, body = c.call(http.MethodPost, "/session/start", admit("04K1L2M3N4O5", "0000", "WS-3"))
	sessTok, _ := body["session_token"].(string)
	if code, _ := c.call(http.MethodGet, "/admin/users", nil, "Authorization", "Bearer "+sessTok); code != http.StatusUnauthorized {
		t.Fatalf("session token on admin route: expected 401, got %d", code)
	}

	admin := adminToken(t, c)
	code, body := c.call(http.MethodGet, "/admin/users", nil, admin...)
	if code != http.StatusOK || len(body["users"].([]any)) != 4 {
		t.Fatalf("users: %d %v", code, body)
	}
}

func TestRoutes_AdminDirectory(t *testing.T) {
	a := startApp(t, testConfig(t, nil))
	c := client{t: t, h: a.handler}
	admin := adminToken(t, c)

	code, body := c.call(http.MethodPost, "/admin/register-card", map[string]string{
		"token_id": "0A0B0C0D", "account_name": "root2", "display_name": "Second Admin", "secret": "4321",
	}, admin...)
	if code != http.StatusOK || body["user"].(map[string]any)["is_admin"] != true {
		t.Fatalf("register-card: %d %v", code, body)
	}
	if _, body := c.call(http.MethodPost, "/authenticate", admit("0A0B0C0D", "4321", "ADMIN-2")); body["admin_token"] == nil {
		t.Fatalf("new admin card must authenticate as admin: %v", body)
	}

	if code, _ := c.call(http.MethodPost, "/admin/users/04F6G7H8I9J0/secret", map[string]string{"secret": "12"}, admin...); code != http.StatusBadRequest {
		t.Fatalf("weak secret: expected 400, got %d", code)
	}
	if code, _ := c.call(http.MethodPost, "/admin/users/04F6G7H8I9J0/secret", map[string]string{"secret": "5678"}, admin...); code != http.StatusOK {
		t.Fatalf("rotate: expected 200, got %d", code)
	}
	if _, body := c.call(http.MethodPost, "/authenticate", admit("04F6G7H8I9J0", "5678", "WS-1")); body["success"] != true {
		t.Fatalf("rotated secret must admit: %v", body)
	}

	if code, body := c.call(http.MethodPost, "/admin/users/04F6G7H8I9J0/promote", nil, admin...); code != http.StatusOK || body["user"].(map[string]any)["security_tier"] != float64(identity.AdminTier) {
		t.Fatalf("promote: %d %v", code, body)
	}

	if code, _ := c.call(http.MethodPost, "/admin/users/04K1L2M3N4O5/deactivate", nil, admin...); code != http.StatusOK {
		t.Fatalf("deactivate: expected 200, got %d", code)
	}
	if _, body := c.call(http.MethodPost, "/authenticate", admit("04K1L2M3N4O5", "0000", "WS-3")); body["success"] != false {
		t.Fatalf("deactivated identity must be refused: %v", body)
	}
	if code, _ := c.call(http.MethodGet, "/user/04K1L2M3N4O5", nil); code != http.StatusNotFound {
		t.Fatalf("deactivated user view: expected 404, got %d", code)
	}
	if code, _ := c.call(http.MethodPost, "/admin/users/FFFFFFFF/promote", nil, admin...); code != http.StatusNotFound {
		t.Fatalf("unknown promote: expected 404, got %d", code)
	}
}

func TestRoutes_StationPresence(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) {
		c.Presence.Mode = "station"
		c.Presence.StationKey = "reader-key"
		c.Presence.PollInterval = 50 * time.Millisecond
		c.Presence.PollTimeout = 20 * time.Millisecond
		c.Presence.StaleAfter = time.Minute
	})
	a := startApp(t, cfg)
	c := client{t: t, h: a.handler}
	key := []string{"X-Station-Key", "reader-key"}
	beat := map[string]string{"station_id": "WS-7", "token_id": "A0F9001E"}

	if code, _ := c.call(http.MethodPost, "/station/presence", beat); code != http.StatusUnauthorized {
		t.Fatalf("heartbeat without key: expected 401, got %d", code)
	}

	if code, _ := c.call(http.MethodPost, "/session/start", admit("A0F9001E", "0000", "WS-7")); code != http.StatusForbidden {
		t.Fatalf("start without token at reader: expected 403, got %d", code)
	}

	if code, _ := c.call(http.MethodPost, "/station/presence", beat, key...); code != http.StatusOK {
		t.Fatalf("heartbeat: expected 200, got %d", code)
	}
	if _, body := c.call(http.MethodGet, "/station/WS-7/uid", nil, key...); body["token_id"] != "A0F9001E" {
		t.Fatalf("uid: %v", body)
	}

	code, body := c.call(http.MethodPost, "/session/start", admit("A0F9001E", "0000", "WS-7"))
	if code != http.StatusOK {
		t.Fatalf("start with token present: %d %v", code, body)
	}
	token := body["session_token"].(string)

	// Lifting the token ends the session.
	if code, _ := c.call(http.MethodPost, "/station/presence", map[string]string{"station_id": "WS-7"}, key...); code != http.StatusOK {
		t.Fatalf("heartbeat (lifted): %d", code)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body := c.call(http.MethodGet, "/session/check/"+token, nil)
		if body["is_active"] == false {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session still active after token was lifted")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
