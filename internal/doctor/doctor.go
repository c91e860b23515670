// Package doctor runs local diagnostics for a bridge installation.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/walletbridge/internal/config"
	"github.com/basket/walletbridge/internal/persistence"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// dialTimeout bounds each reachability probe.
var dialTimeout = 3 * time.Second

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAuthToken,
		checkDatabase,
		checkPermissions,
		checkWalletTLS,
		checkWallet,
		checkRelay,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; defaults in use"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: "fingerprint=" + cfg.Fingerprint()}
}

func checkAuthToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth Token", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.AuthToken == "" {
		return CheckResult{
			Name:    "Auth Token",
			Status:  StatusWarn,
			Message: "auth_token is empty; the control gateway rejects every client",
			Detail:  "Set auth_token in config.yaml or WALLETBRIDGE_AUTH_TOKEN",
		}
	}
	return CheckResult{Name: "Auth Token", Status: StatusPass, Message: "Control gateway token configured"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "bridge.db"))
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.RecentRequests(ctx, 1); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	// config.yaml carries the gateway token.
	if info, err := os.Stat(config.ConfigPath(cfg.HomeDir)); err == nil && info.Mode().Perm()&0o077 != 0 {
		return CheckResult{
			Name:    "Permissions",
			Status:  StatusWarn,
			Message: fmt.Sprintf("config.yaml is readable by others (%s)", info.Mode().Perm()),
			Detail:  "chmod 600 " + config.ConfigPath(cfg.HomeDir),
		}
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkWalletTLS(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Wallet TLS", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Wallet.CertFile == "" && cfg.Wallet.CAFile == "" {
		return CheckResult{Name: "Wallet TLS", Status: StatusSkip, Message: "No client certificate configured"}
	}
	var missing []string
	for _, p := range []string{cfg.Wallet.CertFile, cfg.Wallet.KeyFile, cfg.Wallet.CAFile} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return CheckResult{Name: "Wallet TLS", Status: StatusFail, Message: fmt.Sprintf("%d certificate file(s) missing", len(missing)), Detail: fmt.Sprint(missing)}
	}
	return CheckResult{Name: "Wallet TLS", Status: StatusPass, Message: "Certificate files present"}
}

func checkWallet(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Wallet", Status: StatusSkip, Message: "Config missing"}
	}
	return probe(ctx, "Wallet", cfg.Wallet.URL, StatusWarn)
}

func checkRelay(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Relay", Status: StatusSkip, Message: "Config missing"}
	}
	return probe(ctx, "Relay", cfg.Relay.URL, StatusWarn)
}

// probe dials the host of rawURL. An unreachable endpoint reports
// failStatus; the bridge retries both links at runtime.
func probe(ctx context.Context, name, rawURL, failStatus string) CheckResult {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: name, Status: StatusFail, Message: fmt.Sprintf("Invalid URL %q", rawURL)}
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https", "wss":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    name,
			Status:  failStatus,
			Message: fmt.Sprintf("%s unreachable: %v", host, err),
			Detail:  fmt.Sprintf("url=%s, latency=%dms", rawURL, latency.Milliseconds()),
		}
	}
	conn.Close()
	return CheckResult{
		Name:    name,
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (%dms)", host, latency.Milliseconds()),
		Detail:  "url=" + rawURL,
	}
}
