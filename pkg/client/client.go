// Package client talks to the HTTP API of a running checkengine daemon.
package client

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
	"net/url"
	"os"
	"time"
)

// ErrAPI wraps every error reported by the daemon itself.
var ErrAPI = errors.New("API error")

// Client provides HTTP client functionality to communicate with the daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds each request. Checks may run for their whole timeout
	// before the daemon answers, so keep it above the longest check.
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

const (
	DefaultBaseURL = "http://localhost:8080/api"
	DefaultTimeout = 70 * time.Second
)

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: DefaultTimeout}
}

// New creates a client. TLS settings are only read for https URLs.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("tls setup: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	var out []CommandInfo
	if err := c.do(ctx, http.MethodGet, "/commands", nil, &out); err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

// RunCheck runs a command on the daemon and waits for its result.
func (c *Client) RunCheck(ctx context.Context, req CheckRequest) (CheckResult, error) {
	body := struct {
		Command string   `json:"command"`
		Args    []string `json:"args,omitempty"`
		Timeout string   `json:"timeout,omitempty"`
	}{Command: req.Command, Args: req.Args}
	if req.Timeout > 0 {
		body.Timeout = req.Timeout.String()
	}
	data, err := json.Marshal(body)
	if err != nil {
		return CheckResult{}, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Debug("Running check", "command", req.Command, "args", len(req.Args))
	var res CheckResult
	if err := c.do(ctx, http.MethodPost, "/checks", data, &res); err != nil {
		return CheckResult{}, err
	}
	return res, nil
}

// Commands lists the commands registered on the daemon.
func (c *Client) Commands(ctx context.Context) ([]CommandInfo, error) {
	var out []CommandInfo
	return out, c.do(ctx, http.MethodGet, "/commands", nil, &out)
}

// Connectors lists the daemon's connectors.
func (c *Client) Connectors(ctx context.Context) ([]ConnectorInfo, error) {
	var out []ConnectorInfo
	return out, c.do(ctx, http.MethodGet, "/connectors", nil, &out)
}

// Resources returns the sampled resource history of a connector, oldest
// first.
func (c *Client) Resources(ctx context.Context, connector string) ([]Usage, error) {
	var out []Usage
	return out, c.do(ctx, http.MethodGet, "/connectors/"+url.PathEscape(connector)+"/resources", nil, &out)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		// #nosec G402 explicitly requested
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			// #nosec G402 explicitly requested
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// do performs a request below the base URL and decodes the JSON answer
// into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("%w: HTTP %d", ErrAPI, resp.StatusCode)
	}

	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("%w: %s", ErrAPI, errorResp.Error)
}
