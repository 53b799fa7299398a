package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/link-scanner/internal/config"
)

// Sandbox submits URLs to the screenshot/DOM scanning service.
type Sandbox struct {
	cfg     config.SandboxConfig
	client  *http.Client
	wrapper *Wrapper
}

// NewSandbox creates the sandbox scan adapter.
func NewSandbox(cfg config.SandboxConfig, wrapper *Wrapper) *Sandbox {
	return &Sandbox{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		wrapper: wrapper,
	}
}

// Name returns the provider key.
func (s *Sandbox) Name() string { return "sandbox" }

// Enabled reports whether the integration is configured on.
func (s *Sandbox) Enabled() bool { return s.cfg.Enabled }

// TrustedHost is the only host artifact URLs may point at.
func (s *Sandbox) TrustedHost() string { return s.cfg.TrustedHost }

type sandboxSubmitResponse struct {
	UUID string `json:"uuid"`
}

// Submit sends a URL for scanning and returns the scan uuid. Submissions
// are never cached; the queued flag upstream provides deduplication.
func (s *Sandbox) Submit(ctx context.Context, target string) (string, error) {
	uuid, _, _, err := Fetch(ctx, s.wrapper, FetchOptions{
		Provider: s.Name(),
	}, func(ctx context.Context) (string, error) {
		return s.submit(ctx, target)
	})
	return uuid, err
}

func (s *Sandbox) submit(ctx context.Context, target string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"url":        target,
		"visibility": "unlisted",
	})
	if err != nil {
		return "", WrapError(s.Name(), err)
	}

	endpoint := s.cfg.BaseURL + "/api/v1/scan/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", WrapError(s.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("API-Key", s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", WrapError(s.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", NewHTTPError(s.Name(), resp.StatusCode, string(msg))
	}

	var parsed sandboxSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", WrapError(s.Name(), err)
	}
	if parsed.UUID == "" {
		return "", NewHTTPError(s.Name(), resp.StatusCode, "submission response missing uuid")
	}
	return parsed.UUID, nil
}
