package report

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Producer turns a VIN into a vehicle report. Implementations aggregate
// external vehicle-data APIs; the session layer treats them as opaque.
type Producer interface {
	Produce(ctx context.Context, vin string) (*Report, error)
}

// Report is the decoded vehicle data for one VIN
type Report struct {
	VIN          string            `json:"vin"`
	Make         string            `json:"make,omitempty"`
	Model        string            `json:"model,omitempty"`
	ModelYear    string            `json:"model_year,omitempty"`
	Manufacturer string            `json:"manufacturer,omitempty"`
	BodyClass    string            `json:"body_class,omitempty"`
	PlantCountry string            `json:"plant_country,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	FetchedAt    time.Time         `json:"fetched_at"`
}

// NormalizeVIN canonicalizes a VIN for lookup and cache keying
func NormalizeVIN(vin string) string {
	return strings.ToUpper(strings.TrimSpace(vin))
}

// ValidateVIN checks the shape of a normalized VIN: 17 characters from the
// VIN alphabet, which excludes I, O, and Q. Checksum verification is left to
// the producer.
func ValidateVIN(vin string) error {
	if len(vin) != 17 {
		return fmt.Errorf("VIN must be 17 characters, got %d", len(vin))
	}
	for _, ch := range vin {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'A' && ch <= 'Z' && ch != 'I' && ch != 'O' && ch != 'Q':
		default:
			return fmt.Errorf("VIN contains invalid character %q", ch)
		}
	}
	return nil
}
