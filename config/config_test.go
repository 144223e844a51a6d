package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultMatchesComponentDefaults(t *testing.T) {
	c := Default()
	if c.KeepAlive {
		t.Fatalf("expected keep_alive default false")
	}
	if c.MaxRequestRetries != 3 {
		t.Fatalf("expected max_request_retries default 3, got %d", c.MaxRequestRetries)
	}
	if c.PersistStateInterval != c.SystemInfoInterval*60 {
		t.Fatalf("expected persist_state_interval to default to 60x the system_info interval, got %v vs %v", c.PersistStateInterval, c.SystemInfoInterval)
	}
}

func TestFromEnvOverridesDefaults(t *testing.T) {
	for k, v := range map[string]string{
		"CRAWLKIT_PURGE_ON_START":          "true",
		"CRAWLKIT_PERSIST_STORAGE":         "true",
		"CRAWLKIT_PERSIST_STATE_INTERVAL":  "30s",
		"CRAWLKIT_SYSTEM_INFO_INTERVAL":    "2s",
		"CRAWLKIT_DEFAULT_BROWSER_PATH":    "/usr/bin/chromium",
		"CRAWLKIT_MAX_REQUEST_RETRIES":     "7",
		"CRAWLKIT_KEEP_ALIVE":              "true",
	} {
		t.Setenv(k, v)
	}

	c := FromEnv()
	if !c.PurgeOnStart || !c.PersistStorage {
		t.Fatalf("expected purge_on_start/persist_storage true, got %+v", c)
	}
	if c.PersistStateInterval != 30*time.Second {
		t.Fatalf("expected persist_state_interval 30s, got %v", c.PersistStateInterval)
	}
	if c.SystemInfoInterval != 2*time.Second {
		t.Fatalf("expected system_info_interval 2s, got %v", c.SystemInfoInterval)
	}
	if c.DefaultBrowserPath != "/usr/bin/chromium" {
		t.Fatalf("expected default_browser_path override, got %q", c.DefaultBrowserPath)
	}
	if c.MaxRequestRetries != 7 {
		t.Fatalf("expected max_request_retries override 7, got %d", c.MaxRequestRetries)
	}
	if !c.KeepAlive {
		t.Fatalf("expected keep_alive override true")
	}
}

func TestFromEnvIgnoresUnsetVars(t *testing.T) {
	os.Unsetenv("CRAWLKIT_MAX_REQUEST_RETRIES")
	c := FromEnv()
	if c.MaxRequestRetries != Default().MaxRequestRetries {
		t.Fatalf("expected default to pass through when env var unset")
	}
}

func TestToOptionsCarriesPersistenceAndPurgeFlags(t *testing.T) {
	c := Default()
	c.PurgeOnStart = true
	c.PersistStorage = true
	c.PersistStateInterval = 5 * time.Minute

	opts := c.ToOptions()
	if !opts.PurgeOnStart || !opts.PersistStorage {
		t.Fatalf("expected ToOptions to carry purge_on_start/persist_storage through")
	}
	if opts.PersistStateInterval != 5*time.Minute {
		t.Fatalf("expected persist_state_interval to carry through, got %v", opts.PersistStateInterval)
	}
	if opts.Monitor.Interval != c.SystemInfoInterval {
		t.Fatalf("expected Monitor.Interval to be sourced from SystemInfoInterval")
	}
}
