package api

import "testing"

func TestAuthConfig_IsValidKey(t *testing.T) {
	cfg := AuthConfig{Enabled: true, APIKeys: []string{"secret-key-123", "another-key"}}

	if !cfg.isValidKey("secret-key-123") {
		t.Error("expected secret-key-123 to be valid")
	}
	if !cfg.isValidKey("another-key") {
		t.Error("expected another-key to be valid")
	}
	if cfg.isValidKey("wrong-key") {
		t.Error("expected wrong-key to be invalid")
	}
	if cfg.isValidKey("") {
		t.Error("expected empty key to be invalid")
	}
}

func TestAuthConfig_IsValidKey_EmptyKeySet(t *testing.T) {
	cfg := AuthConfig{Enabled: true}
	if cfg.isValidKey("any-key") {
		t.Error("expected no key to validate against an empty key set")
	}
}

func TestAuthConfig_IsExcludedPath_Exact(t *testing.T) {
	cfg := AuthConfig{ExcludePaths: []string{"/health", "/metrics"}}

	cases := map[string]bool{
		"/health":        true,
		"/metrics":       true,
		"/api/devices":   false,
		"/health/detail": false,
	}
	for path, want := range cases {
		if got := cfg.isExcluded(path); got != want {
			t.Errorf("isExcluded(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestAuthConfig_IsExcludedPath_Wildcard(t *testing.T) {
	cfg := AuthConfig{ExcludePaths: []string{"/public/*", "/docs/*"}}

	cases := map[string]bool{
		"/public/info":        true,
		"/public/assets/logo": true,
		"/docs/api":           true,
		"/api/devices":        false,
	}
	for path, want := range cases {
		if got := cfg.isExcluded(path); got != want {
			t.Errorf("isExcluded(%q) = %v, want %v", path, got, want)
		}
	}
}
