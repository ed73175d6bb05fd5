// Command run_sweeps triggers the escalation sweeps over HTTP. It is meant to
// be run from cron on deployments that disable the in-process ticker, so the
// sweep schedule lives in one place.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type loginResponse struct {
	Data struct {
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

type sweepResponse struct {
	Data  map[string]interface{} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func main() {
	var (
		base     string
		email    string
		password string
		token    string
		only     string
		timeout  time.Duration
	)

	flag.StringVar(&base, "base", "http://localhost:8080", "API base URL")
	flag.StringVar(&email, "email", os.Getenv("SWEEP_EMAIL"), "Staff account email")
	flag.StringVar(&password, "password", os.Getenv("SWEEP_PASSWORD"), "Staff account password")
	flag.StringVar(&token, "token", os.Getenv("SWEEP_TOKEN"), "Pre-issued access token (skips login)")
	flag.StringVar(&only, "only", "", "Run a single sweep: daily or reminders")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "HTTP client timeout")
	flag.Parse()

	client := &http.Client{Timeout: timeout}

	if token == "" {
		var err error
		token, err = login(client, base, email, password)
		if err != nil {
			log.Fatalf("login failed: %v", err)
		}
	}

	sweeps := []string{"daily", "reminders"}
	if only != "" {
		sweeps = []string{only}
	}

	failed := false
	for _, sweep := range sweeps {
		summary, err := trigger(client, base, token, sweep)
		if err != nil {
			log.Printf("sweep %s failed: %v", sweep, err)
			failed = true
			continue
		}
		line, _ := json.Marshal(summary)
		log.Printf("sweep %s: %s", sweep, line)
	}
	if failed {
		os.Exit(1)
	}
}

func login(client *http.Client, base, email, password string) (string, error) {
	if email == "" || password == "" {
		return "", fmt.Errorf("email and password (or -token) are required")
	}
	payload, _ := json.Marshal(map[string]string{"email": email, "password": password})
	resp, err := client.Post(base+"/api/v1/auth/login", "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Data.AccessToken == "" {
		return "", fmt.Errorf("no access token in response")
	}
	return body.Data.AccessToken, nil
}

func trigger(client *http.Client, base, token, sweep string) (map[string]interface{}, error) {
	req, err := http.NewRequest(http.MethodPost, base+"/api/v1/sweeps/"+sweep, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body sweepResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if body.Error != nil {
			return nil, fmt.Errorf("%s: %s", body.Error.Code, body.Error.Message)
		}
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body.Data, nil
}
