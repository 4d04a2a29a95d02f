package e2e

import (
	"net/http"
	"testing"
)

func TestRootReportsServerTime(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doRequest(ta.app, http.MethodGet, "/", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	if ts, ok := parseJSON(t, resp)["timestamp"].(float64); !ok || ts <= 0 {
		t.Errorf("expected a unix timestamp, got %v", ts)
	}
}

// The e2e app runs without an LLM key or engine endpoint, so both report
// false while the sqlite audit log reports true.
func TestHealth_ReportsBackends(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	services, ok := body["services"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected services map, got %v", body["services"])
	}
	want := map[string]bool{"llm": false, "engine": false, "audit": true}
	for name, up := range want {
		if services[name] != up {
			t.Errorf("services[%s] = %v, want %v", name, services[name], up)
		}
	}
}

func TestTaskFeed_RequiresUpgrade(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doRequest(ta.app, http.MethodGet, "/ws/tasks/abc", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUpgradeRequired)

	errBody, _ := parseJSON(t, resp)["error"].(map[string]interface{})
	if errBody["code"] != "SERVICE_ERROR" {
		t.Errorf("expected SERVICE_ERROR code for 426, got %v", errBody["code"])
	}
}
