package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DefaultDecoderTimeout bounds a single upstream decode call
const DefaultDecoderTimeout = 10 * time.Second

// HTTPProducer decodes VINs against a vPIC-style HTTP API
// (DecodeVinValues returning a flat Results array).
type HTTPProducer struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Producer = (*HTTPProducer)(nil)

// NewHTTPProducer creates a producer against the given decoder base URL,
// e.g. "https://vpic.nhtsa.dot.gov/api"
func NewHTTPProducer(baseURL string, httpClient *http.Client, logger *slog.Logger) *HTTPProducer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultDecoderTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProducer{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

type decodeVinResponse struct {
	Results []map[string]string `json:"Results"`
}

// Produce fetches and decodes one VIN
func (p *HTTPProducer) Produce(ctx context.Context, vin string) (*Report, error) {
	endpoint := fmt.Sprintf("%s/vehicles/DecodeVinValues/%s?format=json", p.baseURL, url.PathEscape(vin))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build decode request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("decode request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("decoder returned status %d", resp.StatusCode)
	}

	var decoded decodeVinResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(decoded.Results) == 0 {
		return nil, fmt.Errorf("decoder returned no results for VIN")
	}

	values := decoded.Results[0]
	report := &Report{
		VIN:          vin,
		Make:         values["Make"],
		Model:        values["Model"],
		ModelYear:    values["ModelYear"],
		Manufacturer: values["Manufacturer"],
		BodyClass:    values["BodyClass"],
		PlantCountry: values["PlantCountry"],
		FetchedAt:    time.Now(),
	}

	// Keep the remaining non-empty attributes for the full report
	attrs := make(map[string]string)
	for key, value := range values {
		if value == "" {
			continue
		}
		switch key {
		case "Make", "Model", "ModelYear", "Manufacturer", "BodyClass", "PlantCountry":
		default:
			attrs[key] = value
		}
	}
	if len(attrs) > 0 {
		report.Attributes = attrs
	}

	return report, nil
}
