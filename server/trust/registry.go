package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vitaltag/vitaltag/shared"
)

// RegistryRecord is what the government professional-registry knows about a
// license number.
type RegistryRecord struct {
	License  string `json:"license"`
	FullName string `json:"full_name"`
	Active   bool   `json:"active"`
}

// RegistryClient looks up a license in the professional registry. A nil
// record with a nil error means the registry answered but has no data for
// that license.
type RegistryClient interface {
	Lookup(ctx context.Context, license string) (*RegistryRecord, error)
}

const registryCallTimeout = 3 * time.Second

type httpRegistryClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewRegistryClient(config shared.RegistryConfig) RegistryClient {
	return &httpRegistryClient{
		baseURL:    config.BaseURL,
		apiKey:     config.APIKey,
		httpClient: &http.Client{Timeout: registryCallTimeout},
	}
}

func (c *httpRegistryClient) Lookup(ctx context.Context, license string) (*RegistryRecord, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("registry lookup: no registry endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%v/licenses/%v", c.baseURL, license), nil)
	if err != nil {
		return nil, fmt.Errorf("registry lookup: %v", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry lookup: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry lookup: unexpected status %v", resp.StatusCode)
	}

	record := RegistryRecord{}
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("registry lookup: %v", err)
	}

	return &record, nil
}
