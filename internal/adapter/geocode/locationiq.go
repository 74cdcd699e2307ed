// Package geocode resolves coordinates to street addresses through the
// LocationIQ reverse geocoding API.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aubus-app/aubus-server/internal/domain/types"
	wrap "github.com/aubus-app/aubus-server/pkg/logger/wrapper"
)

var ErrAddressNotFound = errors.New("address not found")

const defaultBaseURL = "https://us1.locationiq.com"

type LocationIQClient struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
}

func New(apiKey string) *LocationIQClient {
	return &LocationIQClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpc:   &http.Client{Timeout: 5 * time.Second},
	}
}

// GetAddress fetches the display address for a coordinate pair.
func (c *LocationIQClient) GetAddress(ctx context.Context, latitude, longitude float64) (string, error) {
	url := fmt.Sprintf("%s/v1/reverse?key=%s&lat=%f&lon=%f&format=json", c.baseURL, c.apiKey, latitude, longitude)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build LocationIQ request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		ctx = wrap.WithAction(ctx, types.ActionExternalServiceFailed)
		return "", wrap.Error(ctx, fmt.Errorf("failed to make request to LocationIQ: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		ctx = wrap.WithAction(ctx, types.ActionExternalServiceFailed)
		return "", wrap.Error(ctx, fmt.Errorf("unexpected response status %d", resp.StatusCode))
	}

	var payload struct {
		Address string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", wrap.Error(ctx, fmt.Errorf("failed to decode LocationIQ response: %w", err))
	}
	if payload.Address == "" {
		return "", ErrAddressNotFound
	}
	return payload.Address, nil
}
