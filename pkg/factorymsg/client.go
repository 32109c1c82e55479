package factorymsg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/grosir-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
)

const (
	defaultTimeout             = 10 * time.Second
	requestBodyReadLimit int64 = 1024
)

// Client delivers text messages to factory contacts. Delivery is best effort.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient returns nil when no base URL is configured; a nil client drops messages.
func NewClient(cfg config.FactoryMessageConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
	}
}

// Enabled reports whether messages will actually be sent.
func (c *Client) Enabled() bool {
	return c != nil
}

// Notify sends message to phone.
func (c *Client) Notify(ctx context.Context, phone, message string) error {
	if c == nil {
		return nil
	}
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "factory phone is required")
	}
	payload, err := json.Marshal(map[string]string{
		"to":      phone,
		"message": message,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal factory message")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build factory message request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "send factory message")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, requestBodyReadLimit))
		return pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "factory message rejected")
	}
	return nil
}
