package security

import (
	"net/http/httptest"
	"testing"
)

func TestGetClientIP_Direct(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:54321"

	if got := GetClientIP(r, false, 0); got != "203.0.113.9" {
		t.Errorf("GetClientIP() = %q, want 203.0.113.9", got)
	}
}

func TestGetClientIP_IgnoresHeadersWithoutTrust(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:54321"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	r.Header.Set("X-Real-IP", "198.51.100.2")

	// Spoofable headers must not win for direct connections
	if got := GetClientIP(r, false, 0); got != "203.0.113.9" {
		t.Errorf("GetClientIP() = %q, want 203.0.113.9", got)
	}
}

func TestGetClientIP_XForwardedFor(t *testing.T) {
	tests := []struct {
		name              string
		xff               string
		trustedProxyCount int
		want              string
	}{
		{
			name: "single proxy",
			xff:  "198.51.100.1, 10.0.0.1",
			want: "198.51.100.1",
		},
		{
			name:              "two trusted proxies",
			xff:               "198.51.100.1, 10.0.0.1, 10.0.0.2",
			trustedProxyCount: 2,
			want:              "198.51.100.1",
		},
		{
			name: "single entry",
			xff:  "198.51.100.1",
			want: "198.51.100.1",
		},
		{
			name:              "fewer entries than trusted proxies",
			xff:               "198.51.100.1",
			trustedProxyCount: 3,
			want:              "198.51.100.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = "10.0.0.1:443"
			r.Header.Set("X-Forwarded-For", tt.xff)

			if got := GetClientIP(r, true, tt.trustedProxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetClientIP_XRealIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:443"
	r.Header.Set("X-Real-IP", "198.51.100.7")

	if got := GetClientIP(r, true, 0); got != "198.51.100.7" {
		t.Errorf("GetClientIP() = %q, want 198.51.100.7", got)
	}
}

func TestGetClientIP_InvalidHeaderFallsBack(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:54321"
	r.Header.Set("X-Forwarded-For", "not-an-ip")
	r.Header.Set("X-Real-IP", "also-not-an-ip")

	if got := GetClientIP(r, true, 0); got != "203.0.113.9" {
		t.Errorf("GetClientIP() = %q, want fallback to RemoteAddr", got)
	}
}
