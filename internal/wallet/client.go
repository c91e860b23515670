// Package wallet talks to the wallet RPC daemon that owns keys, coins and
// signing. Every command is a POST of a JSON body to {base}/{command}.
package wallet

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/walletbridge/internal/otel"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseBody = 8 << 20
	maxErrorBody    = 4 << 10
)

// Config configures a Client. The TLS files are optional; when CertFile and
// KeyFile are both set the client authenticates with that certificate.
type Config struct {
	BaseURL  string
	CertFile string
	KeyFile  string
	CAFile   string
	Timeout  time.Duration
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// Client is a wallet RPC client. It is safe for concurrent use.
type Client struct {
	base   string
	http   *http.Client
	tracer trace.Tracer
	logger *slog.Logger
}

// Key is the wallet's active key.
type Key struct {
	Fingerprint uint32 `json:"fingerprint"`
	Name        string `json:"name"`
	PublicKey   string `json:"public_key"`
	Network     string `json:"network_id"`
}

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("wallet: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CertFile != "" || cfg.KeyFile != "" || cfg.CAFile != "" {
		tlsCfg, err := loadTLS(cfg)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsCfg
	}
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: timeout, Transport: transport},
		tracer: tracer,
		logger: logger,
	}, nil
}

func loadTLS(cfg Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errors.New("wallet: cert_file and key_file must be set together")
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("wallet: load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("wallet: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("wallet: ca file has no certificates")
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

// Call posts req to the named command and decodes the reply into resp.
// resp may be nil. Failures are returned as *BackendError.
func (c *Client) Call(ctx context.Context, command string, req, resp any) (err error) {
	ctx, span := otel.StartClientSpan(ctx, c.tracer, "wallet."+command, otel.AttrCommand.String(command))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if req == nil {
		req = struct{}{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("wallet: encode %s request: %w", command, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+command, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("wallet: build %s request: %w", command, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("wallet: %s: %w", command, ctxErr)
		}
		return &BackendError{Command: command, Message: err.Error()}
	}
	defer httpResp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", httpResp.StatusCode))

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		text := strings.TrimSpace(string(msg))
		if text == "" {
			text = http.StatusText(httpResp.StatusCode)
		}
		c.logger.Debug("wallet: command failed", "command", command, "status", httpResp.StatusCode, "duration", time.Since(start))
		return &BackendError{Command: command, Status: httpResp.StatusCode, Message: text}
	}

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return &BackendError{Command: command, Status: httpResp.StatusCode, Message: err.Error()}
	}
	c.logger.Debug("wallet: command ok", "command", command, "duration", time.Since(start))
	if resp == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		return &BackendError{Command: command, Status: httpResp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	return nil
}

// ActiveKey returns the key the wallet is logged into. ok is false when no
// wallet is active.
func (c *Client) ActiveKey(ctx context.Context) (Key, bool, error) {
	var resp struct {
		Key *Key `json:"key"`
	}
	if err := c.Call(ctx, CmdGetKey, struct {
		Fingerprint *uint32 `json:"fingerprint"`
	}{}, &resp); err != nil {
		return Key{}, false, err
	}
	if resp.Key == nil {
		return Key{}, false, nil
	}
	return *resp.Key, true, nil
}
