package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"vpa-trader/pkg/config"
)

// trading_api_check/main.go
//
// Smoke test for a running engine's HTTP API: read-only endpoints first,
// then an admin token and, optionally, one analysis submission.
//
// Usage:
//   go run ./scripts/trading_api_check
//
// Environment (same as the engine):
//   PORT, ADMIN_KEY
//
// Controls:
//   API_CHECK_BASE_URL       (default "http://localhost:$PORT")
//   API_CHECK_SUBMIT_SIGNAL  (default "false")
//        - false: only query endpoints and fetch a token
//        - true : also POST one analysis to /api/signals
//   API_CHECK_SYMBOL         (default "ETHUSDT")

func main() {
	log.Println("=== Trading API check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	base := getenv("API_CHECK_BASE_URL", "http://localhost:"+cfg.Port)
	submit := getenv("API_CHECK_SUBMIT_SIGNAL", "false") == "true"
	symbol := getenv("API_CHECK_SYMBOL", "ETHUSDT")
	client := &http.Client{Timeout: 10 * time.Second}

	log.Printf("Config: base=%s submit=%v symbol=%s", base, submit, symbol)

	for _, path := range []string{
		"/health",
		"/api/account",
		"/api/positions",
		"/api/orders",
		"/api/orders/conditional",
		"/api/risk/portfolio",
		"/api/risk/report",
		"/api/stats/execution",
		"/api/signals?limit=5",
	} {
		status, body, err := call(client, http.MethodGet, base+path, "", nil)
		report(path, status, body, err)
	}

	var tok struct {
		Token string `json:"token"`
	}
	status, body, err := call(client, http.MethodPost, base+"/api/auth/token", "", map[string]string{"admin_key": cfg.AdminKey})
	report("/api/auth/token", status, body, err)
	if err != nil || status != http.StatusOK || json.Unmarshal(body, &tok) != nil || tok.Token == "" {
		log.Fatalf("[AUTH] could not obtain a token, stopping")
	}

	if !submit {
		log.Println("[SIGNAL] API_CHECK_SUBMIT_SIGNAL=false, skipping submission")
		return
	}
	status, body, err = call(client, http.MethodPost, base+"/api/signals", tok.Token, map[string]any{
		"analysis_text": "Bullish spring with no supply. 建议买入, 止损 2940, 目标 3180",
		"symbol":        symbol,
	})
	report("/api/signals", status, body, err)
}

func call(client *http.Client, method, url, token string, payload any) (int, []byte, error) {
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return 0, nil, err
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func report(path string, status int, body []byte, err error) {
	if err != nil {
		log.Printf("[FAIL] %s: %v", path, err)
		return
	}
	mark := "OK"
	if status >= 400 {
		mark = "FAIL"
	}
	log.Printf("[%s] %s -> %d %s", mark, path, status, truncate(string(body), 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
