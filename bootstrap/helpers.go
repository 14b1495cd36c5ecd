package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// DataDirectories lists the local paths vigil writes to.
type DataDirectories struct {
	Base     string // data_paths.data_dir
	SQLite   string // relational store file, or ":memory:"
	LockFile string // reconciliation file lock
}

// DefaultDataDirectories derives the data paths from VIGIL_DATA_DIR and VIGIL_SQLITE_PATH,
// for commands that run before a config file is read.
func DefaultDataDirectories() DataDirectories {
	base := os.Getenv("VIGIL_DATA_DIR")
	if base == "" {
		base = "./data"
	}
	sqlitePath := os.Getenv("VIGIL_SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = filepath.Join(base, "vigil.db")
	}
	return DataDirectories{
		Base:     base,
		SQLite:   sqlitePath,
		LockFile: filepath.Join(base, "maintenance.lock"),
	}
}

// dirs returns the distinct directories that must exist for d
func (d DataDirectories) dirs() []string {
	out := []string{d.Base}
	if d.SQLite != "" && d.SQLite != ":memory:" {
		out = append(out, filepath.Dir(d.SQLite))
	}
	if d.LockFile != "" {
		out = append(out, filepath.Dir(d.LockFile))
	}
	return out
}

// EnsureDataDirectories creates the data directories and checks each one is writable.
func EnsureDataDirectories(dirs DataDirectories, sugar *zap.SugaredLogger) error {
	seen := make(map[string]bool)
	for _, dir := range dirs.dirs() {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve absolute path for %s: %w", dir, err)
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true

		if err := os.MkdirAll(abs, 0755); err != nil {
			return fmt.Errorf("failed to create data directory %s: %w\n"+
				"  Remediation: create it with 'mkdir -p %s' or point VIGIL_DATA_DIR elsewhere", dir, err, abs)
		}
		testFile := filepath.Join(abs, ".vigil_write_test")
		if err := os.WriteFile(testFile, nil, 0644); err != nil {
			return fmt.Errorf("data directory %s is not writable: %w\n"+
				"  Remediation: run 'chmod -R u+w %s' or check the volume mount", dir, err, abs)
		}
		_ = os.Remove(testFile)

		sugar.Debugw("Data directory ready", "path", abs)
	}
	sugar.Info("All data directories verified")
	return nil
}

// diagnosis is a known failure signature and the advice printed for it
type diagnosis struct {
	markers []string
	advice  string
}

// matches reports whether the lowercased message contains any marker
func (d diagnosis) matches(msg string) bool {
	for _, m := range d.markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// ClassifyConnectionError turns a failure to reach service at addr into operator advice.
// service is a backend name such as ClickHouse, Redis, Kafka or a matcher dialect.
func ClassifyConnectionError(service string, err error, addr string) string {
	if err == nil {
		return ""
	}
	lower := strings.ToLower(service)

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("Connection to %s at %s timed out.\n"+
			"  Remediation:\n"+
			"  - Check that %s is up and not overloaded\n"+
			"  - Verify network connectivity: nc -zv %s", service, addr, service, addr)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && isRefused(opErr.Err) {
		return fmt.Sprintf("Connection refused by %s at %s.\n"+
			"  %s is most likely not running.\n"+
			"  Remediation:\n"+
			"  - Start it: docker compose up -d %s\n"+
			"  - Or set startup_mode: graceful to run without it", service, addr, service, lower)
	}

	known := []diagnosis{
		{[]string{"no such host", "lookup"}, fmt.Sprintf("Cannot resolve hostname in %s address %s.\n"+
			"  Remediation:\n"+
			"  - Verify the hostname and DNS configuration", service, addr)},
		{[]string{"authentication", "password", "denied"}, fmt.Sprintf("Authentication failed for %s at %s.\n"+
			"  Remediation:\n"+
			"  - Check the credentials in config.yaml or the VIGIL_%s_* env vars", service, addr, strings.ToUpper(service))},
	}
	msg := strings.ToLower(err.Error())
	for _, d := range known {
		if d.matches(msg) {
			return d.advice
		}
	}

	return fmt.Sprintf("Failed to connect to %s at %s: %v\n"+
		"  Remediation:\n"+
		"  - Check the %s section of config.yaml", service, addr, err, lower)
}

func isRefused(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "actively refused")
}

// ClassifySQLiteError turns a failure to open the relational store into operator advice.
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}
	abs, _ := filepath.Abs(dbPath)
	parent := filepath.Dir(abs)

	known := []diagnosis{
		{[]string{"permission denied", "access denied"}, fmt.Sprintf("Permission denied opening the store at %s.\n"+
			"  Remediation:\n"+
			"  - Check permissions: ls -la %s", abs, parent)},
		{[]string{"database is locked", "sqlite_busy"}, fmt.Sprintf("The store at %s is locked by another process.\n"+
			"  Remediation:\n"+
			"  - Check for another vigil instance: ps aux | grep vigil\n"+
			"  - Run 'vigil reconcile' against the same data_dir only while serve is stopped", abs)},
		{[]string{"disk full", "no space", "sqlite_full"}, fmt.Sprintf("Disk full, cannot write the store at %s.\n"+
			"  Remediation:\n"+
			"  - Check free space: df -h %s", abs, parent)},
		{[]string{"corrupt", "malformed"}, fmt.Sprintf("The store at %s appears to be corrupted.\n"+
			"  Remediation:\n"+
			"  - Check integrity: sqlite3 %s \"PRAGMA integrity_check;\"\n"+
			"  - Restore from backup, then re-apply rules with 'vigil seed'", abs, abs)},
		{[]string{"no such file or directory", "cannot find the path"}, fmt.Sprintf("The store path does not exist: %s.\n"+
			"  Remediation:\n"+
			"  - Create the directory: mkdir -p %s", abs, parent)},
		{[]string{"read-only"}, fmt.Sprintf("The store at %s is on a read-only file system.\n"+
			"  Remediation:\n"+
			"  - Move it to a writable location via VIGIL_SQLITE_PATH", abs)},
	}
	msg := strings.ToLower(err.Error())
	for _, d := range known {
		if d.matches(msg) {
			return d.advice
		}
	}

	return fmt.Sprintf("Failed to open the store at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure %s exists and is writable", abs, err, parent)
}
