package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TENANTS", "")
	t.Setenv("PORT", "")
	t.Setenv("MATCH_TOLERANCE", "")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != "8080" {
		t.Errorf("Port = %q", c.Port)
	}
	if c.MatchWindowDays != 3 || c.MatchMaxStates != 200000 {
		t.Errorf("match defaults = %d/%d", c.MatchWindowDays, c.MatchMaxStates)
	}
	if !c.MatchTolerance.Equal(decimal.Zero) {
		t.Errorf("tolerance = %s", c.MatchTolerance)
	}
	if c.ProviderTimeout != 60*time.Second || c.TokenLookahead != 5*time.Minute {
		t.Errorf("timeouts = %s/%s", c.ProviderTimeout, c.TokenLookahead)
	}
	if c.RetryMaxAttempts != 4 || c.RetryBase != 30*time.Second || c.RetryCap != 30*time.Minute {
		t.Errorf("retry = %d %s %s", c.RetryMaxAttempts, c.RetryBase, c.RetryCap)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"duration":  {"SYNC_INTERVAL", "soon"},
		"int":       {"MATCH_WINDOW_DAYS", "three"},
		"range":     {"MATCH_MAX_SEARCH_STATES", "10"},
		"tolerance": {"MATCH_TOLERANCE", "-1"},
		"tenants":   {"TENANTS", "acme"},
		"level":     {"LOG_LEVEL", "loud"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", kv[0], kv[1])
			}
		})
	}
}

func TestParseTenants(t *testing.T) {
	got, err := ParseTenants(" acme:123 , globex:456 ")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != (Tenant{"acme", "123"}) || got[1] != (Tenant{"globex", "456"}) {
		t.Errorf("got %+v", got)
	}

	_, err = ParseTenants("acme:1,acme:2")
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected duplicate error, got %v", err)
	}
}
