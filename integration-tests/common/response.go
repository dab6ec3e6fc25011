package common

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HealthResponse mirrors the broker's /healthz body, decoded field-by-field
// so scenario tests can assert on active session counts.
type HealthResponse struct {
	Status         string  `json:"status"`
	ActiveSessions int     `json:"activeSessions"`
	UptimeSeconds  float64 `json:"uptimeSeconds"`
}

// GetHealth fetches and decodes /healthz.
func GetHealth() (*HealthResponse, error) {
	resp, err := http.Get(BaseURL + "/healthz")
	if err != nil {
		return nil, fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading health response: %w", err)
	}

	var h HealthResponse
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, fmt.Errorf("parsing health response: %w", err)
	}
	return &h, nil
}
