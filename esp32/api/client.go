package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	USER_AGENT      = "telemetry-gateway/1.0.0"
	REQUEST_TIMEOUT = 1 * time.Second
	SET_PATH        = "/set"
)

type Client struct {
	httpClient http.Client
	logger     *slog.Logger
}

func NewClient() *Client {
	return NewClientWithLogger(nil)
}

func NewClientWithLogger(logger *slog.Logger) *Client {
	return NewClientWithTimeout(REQUEST_TIMEOUT, logger)
}

func NewClientWithTimeout(timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = REQUEST_TIMEOUT
	}

	return &Client{
		httpClient: http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (client *Client) log(level slog.Level, msg string, args ...any) {
	if client.logger != nil {
		client.logger.Log(context.Background(), level, msg, args...)
	}
}

// SetURL builds the actuator endpoint for address, which may carry a port.
func SetURL(address string, on bool) string {
	val := "0"
	if on {
		val = "1"
	}

	target := url.URL{
		Scheme:   "http",
		Host:     address,
		Path:     SET_PATH,
		RawQuery: url.Values{"val": []string{val}}.Encode(),
	}

	// Bare IPv6 addresses need brackets to be a valid host.
	if ip := net.ParseIP(address); ip != nil && ip.To4() == nil {
		target.Host = "[" + address + "]"
	}

	return target.String()
}

// SetActuator sends one GET /set?val=0|1 to the device. It is not retried.
func (client *Client) SetActuator(ctx context.Context, address string, on bool) error {
	target := SetURL(address, on)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	request.Header.Set("User-Agent", USER_AGENT)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("failed to send actuator command: %w", err)
	}
	defer response.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(response.Body, 256))

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to send actuator command: %s", response.Status)
	}

	client.log(slog.LevelDebug, "Actuator command acknowledged", "url", target, "response", string(body))

	return nil
}
