package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "craftd.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
name = "mc"
server_dir = "/srv/minecraft"
command = "java -Xmx4G -jar server.jar nogui"
artifact = "server.jar"
env = ["JAVA_HOME=/opt/java"]

[timeouts]
start = "90s"
stop = "20s"

[watchdog]
restart_on_crash = true
interval = "45s"
max_restarts = 5
cooldown = "10m"

[sampler]
interval = "10s"
max_history = 200
[sampler.thresholds]
memory_percent = 85.0
cpu_percent = 70.0

[log]
dir = "/var/log/craftd"
max_size_mb = 100

[history]
dsn = "/var/lib/craftd/events.db"

[backup]
snapshot_command = "tar czf /backups/world.tgz world"
timeout = "3m"

[http]
listen = "127.0.0.1:7763"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "mc" || cfg.ServerDir != "/srv/minecraft" {
		t.Fatalf("identity fields wrong: %+v", cfg)
	}
	if cfg.Timeouts.Start != 90*time.Second || cfg.Timeouts.Stop != 20*time.Second {
		t.Fatalf("timeouts wrong: %+v", cfg.Timeouts)
	}
	if cfg.Watchdog.Interval != 45*time.Second || cfg.Watchdog.MaxRestarts != 5 || cfg.Watchdog.Cooldown != 10*time.Minute {
		t.Fatalf("watchdog wrong: %+v", cfg.Watchdog)
	}
	if cfg.Sampler.MaxHistory != 200 || cfg.Sampler.Thresholds.MemoryPercent != 85 {
		t.Fatalf("sampler wrong: %+v", cfg.Sampler)
	}
	if cfg.Log.Dir != "/var/log/craftd" || cfg.Log.MaxSizeMB != 100 {
		t.Fatalf("log wrong: %+v", cfg.Log)
	}
	if cfg.History.DSN != "/var/lib/craftd/events.db" || cfg.HTTP.Listen != "127.0.0.1:7763" {
		t.Fatalf("history/http wrong: %+v %+v", cfg.History, cfg.HTTP)
	}
	if !strings.HasPrefix(cfg.Backup.SnapshotCommand, "tar ") || cfg.Backup.Timeout != 3*time.Minute {
		t.Fatalf("backup wrong: %+v", cfg.Backup)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server_dir = "/srv/minecraft"
command = "java -jar server.jar"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "server" {
		t.Fatalf("default name not applied: %q", cfg.Name)
	}
	if cfg.StopCommand != "stop" {
		t.Fatalf("default stop_command not applied: %q", cfg.StopCommand)
	}
	if !cfg.Watchdog.Enabled || !cfg.Watchdog.RestartOnCrash {
		t.Fatalf("watchdog defaults not applied: %+v", cfg.Watchdog)
	}
	if cfg.Watchdog.Interval != 30*time.Second || cfg.Watchdog.MaxRestarts != 3 || cfg.Watchdog.Cooldown != 5*time.Minute {
		t.Fatalf("watchdog numeric defaults wrong: %+v", cfg.Watchdog)
	}
	if cfg.Sampler.Interval != 5*time.Second || cfg.Sampler.MaxHistory != 100 {
		t.Fatalf("sampler defaults wrong: %+v", cfg.Sampler)
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no server_dir", `command = "java -jar s.jar"`, "server_dir"},
		{"no command", `server_dir = "/srv/mc"`, "command"},
		{"history cap", "server_dir = \"/srv/mc\"\ncommand = \"x\"\n[sampler]\nmax_history = 100000", "max_history"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
