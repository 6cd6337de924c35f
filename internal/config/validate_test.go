package config

import "testing"

func TestValidateDomain(t *testing.T) {
	cases := []struct {
		domain  string
		wantErr bool
	}{
		{"caffeine.tv", false},
		{"staging.caffeine.tv", false},
		{"", true},
		{"https://caffeine.tv", true},
		{"caffeine.tv/v1", true},
		{"caffeine tv", true},
	}

	for _, tc := range cases {
		err := validateDomain(tc.domain)
		if (err != nil) != tc.wantErr {
			t.Errorf("validateDomain(%q) error = %v, wantErr %v", tc.domain, err, tc.wantErr)
		}
	}
}

func TestLoadDefaultsWithoutEnv(t *testing.T) {
	t.Setenv("LIBCAFFEINE_DOMAIN", "")

	endpoints, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if endpoints.Domain != defaultDomain {
		t.Errorf("expected default domain %q, got %q", defaultDomain, endpoints.Domain)
	}
	if endpoints.API != "https://api."+defaultDomain {
		t.Errorf("unexpected API base: %q", endpoints.API)
	}
}

func TestLoadReadsEnvOverride(t *testing.T) {
	t.Setenv("LIBCAFFEINE_DOMAIN", "staging.caffeine.tv")

	endpoints, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if endpoints.Domain != "staging.caffeine.tv" {
		t.Errorf("expected overridden domain, got %q", endpoints.Domain)
	}
	if endpoints.Realtime != "https://realtime.staging.caffeine.tv" {
		t.Errorf("unexpected realtime base: %q", endpoints.Realtime)
	}
	if got := endpoints.StageURL("alice"); got != "https://realtime.staging.caffeine.tv/v4/stage/alice" {
		t.Errorf("unexpected stage URL: %q", got)
	}
}
