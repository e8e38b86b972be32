// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package exporter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/pydantic/logfire-sub001/lib/version"
)

// DefaultTracesPath is the path appended to the base URL for trace
// payloads.
const DefaultTracesPath = "/v1/traces"

const (
	defaultHTTPTimeout = 10 * time.Second

	// maxErrorBody bounds how much of a failed response is kept in the
	// returned error.
	maxErrorBody = 512
)

// HTTPSenderOptions configures an HTTPSender.
type HTTPSenderOptions struct {
	// BaseURL is the backend's origin, e.g. "https://logfire-api.pydantic.dev".
	BaseURL string

	// Path is appended to BaseURL. Defaults to DefaultTracesPath.
	Path string

	// Token is sent as a bearer token. Empty sends no Authorization
	// header.
	Token string

	// Timeout bounds each request, including reading the response.
	// Defaults to 10 seconds. Ignored when Client is set.
	Timeout time.Duration

	// Gzip compresses request bodies.
	Gzip bool

	// Headers are added to every request.
	Headers map[string]string

	// Client overrides the HTTP client.
	Client *http.Client
}

// HTTPSender POSTs OTLP protobuf payloads to the backend.
type HTTPSender struct {
	client  *http.Client
	url     string
	token   string
	gzip    bool
	headers map[string]string
}

// StatusError is returned for a response outside the 2xx range.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("export rejected with HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("export rejected with HTTP %d: %s", e.StatusCode, e.Body)
}

// NewHTTPSender validates options and returns a sender.
func NewHTTPSender(options HTTPSenderOptions) (*HTTPSender, error) {
	if options.BaseURL == "" {
		return nil, errors.New("exporter: base URL is required")
	}
	if !strings.HasPrefix(options.BaseURL, "http://") && !strings.HasPrefix(options.BaseURL, "https://") {
		return nil, fmt.Errorf("exporter: base URL %q must use http or https", options.BaseURL)
	}
	path := options.Path
	if path == "" {
		path = DefaultTracesPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	client := options.Client
	if client == nil {
		timeout := options.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPSender{
		client:  client,
		url:     strings.TrimRight(options.BaseURL, "/") + path,
		token:   options.Token,
		gzip:    options.Gzip,
		headers: options.Headers,
	}, nil
}

// URL returns the endpoint payloads are posted to.
func (s *HTTPSender) URL() string { return s.url }

// Send POSTs payload and returns an error for transport failures and
// non-2xx responses.
func (s *HTTPSender) Send(ctx context.Context, payload []byte) error {
	body := payload
	if s.gzip {
		var compressed bytes.Buffer
		writer := gzip.NewWriter(&compressed)
		if _, err := writer.Write(payload); err != nil {
			return fmt.Errorf("gzip request body: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("gzip request body: %w", err)
		}
		body = compressed.Bytes()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating export request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-protobuf")
	request.Header.Set("User-Agent", version.UserAgent())
	if s.gzip {
		request.Header.Set("Content-Encoding", "gzip")
	}
	if s.token != "" {
		request.Header.Set("Authorization", "Bearer "+s.token)
	}
	for name, value := range s.headers {
		request.Header.Set(name, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("posting export to %s: %w", s.url, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		return &StatusError{
			StatusCode: response.StatusCode,
			Body:       strings.TrimSpace(string(excerpt)),
		}
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}
