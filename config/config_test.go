package config

import (
	"os"
	"path/filepath"
	"testing"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.FeedMode != "sim" {
		t.Errorf("FeedMode = %q, want sim", c.FeedMode)
	}
	if c.RedisAddr != "localhost:6379" || c.APIAddr != ":8080" {
		t.Errorf("unexpected defaults: %+v", c)
	}
}

func TestLoad_YAMLAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "redis_addr: redis.internal:6379\nsweep_interval_sec: 60\napi_addr: \":9000\"\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("API_ADDR", ":7070")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.RedisAddr != "redis.internal:6379" {
		t.Errorf("RedisAddr = %q, want yaml value", c.RedisAddr)
	}
	if c.SweepIntervalSec != 60 {
		t.Errorf("SweepIntervalSec = %d, want 60", c.SweepIntervalSec)
	}
	// Env beats YAML.
	if c.APIAddr != ":7070" {
		t.Errorf("APIAddr = %q, want :7070", c.APIAddr)
	}
}

func TestLoad_LiveModeRequiresCredentials(t *testing.T) {
	chdirTemp(t)
	t.Setenv("FEED_MODE", "live")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for live mode without credentials")
	}
}

func TestParseSubscribeTokens(t *testing.T) {
	c := &Config{SubscribeTokens: "1:2885, 3:500112, bogus, 0:x, 2:"}
	got := c.ParseSubscribeTokens()
	want := []TokenGroup{{1, "2885"}, {3, "500112"}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: got %v, want %v", i, got[i], want[i])
		}
	}
}
