package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Progress mirrors the public JSON surface of a player's item progress.
type Progress struct {
	PlayerID     string    `json:"player_id"`
	ItemID       string    `json:"item_id"`
	CurrentValue float64   `json:"current_value"`
	ClaimedTiers []int     `json:"claimed_tiers"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Claimable identifies an earned but unclaimed tier.
type Claimable struct {
	ItemID string `json:"item_id"`
	Family string `json:"family"`
	Tier   int    `json:"tier"`
}

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]interface{} `json:"checks"`
}

// APIError is the error payload the server returns for failed requests.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed: status %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Code == "" {
			return fmt.Errorf("request failed: status %d", resp.StatusCode)
		}
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// ErrEmptyPlayerID is returned when the player id is empty.
var ErrEmptyPlayerID = errors.New("player id is required")
