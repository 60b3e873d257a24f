package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAPIRetries        = 2
	defaultAPIRetryBackoff   = 1500 * time.Millisecond
	defaultAPITimeout        = 2 * time.Minute
	defaultMaxOutputBytes    = 4 * 1024 * 1024
	maxHTTPErrorBodyReadSize = 64 * 1024
)

type APIGeneratorConfig struct {
	Endpoint       string
	Model          string
	AuthToken      string
	Timeout        time.Duration
	Retries        int
	RetryBackoff   time.Duration
	MaxOutputBytes int
	Logger         *log.Logger
	Client         *http.Client
}

// APIGenerator posts generation requests as JSON to an HTTP endpoint.
type APIGenerator struct {
	endpoint       string
	model          string
	authToken      string
	retries        int
	retryBackoff   time.Duration
	maxOutputBytes int
	logger         *log.Logger
	client         *http.Client
}

func NewAPIGenerator(cfg APIGeneratorConfig) (*APIGenerator, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty API endpoint")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid API endpoint %q: %w", endpoint, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultAPIRetries
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultAPIRetryBackoff
	}
	maxOutputBytes := cfg.MaxOutputBytes
	if maxOutputBytes <= 0 {
		maxOutputBytes = defaultMaxOutputBytes
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &APIGenerator{
		endpoint:       endpoint,
		model:          strings.TrimSpace(cfg.Model),
		authToken:      strings.TrimSpace(cfg.AuthToken),
		retries:        retries,
		retryBackoff:   retryBackoff,
		maxOutputBytes: maxOutputBytes,
		logger:         cfg.Logger,
		client:         client,
	}, nil
}

func (g *APIGenerator) Generate(ctx context.Context, req GenerationRequest) (json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= g.retries+1; attempt++ {
		out, err := g.generateOnce(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isRetryableAPIError(err) || attempt == g.retries+1 {
			break
		}
		wait := time.Duration(attempt) * g.retryBackoff
		g.logger.Printf("generation retry agent=%s kind=%s attempt=%d wait=%s reason=%v", req.AgentID, req.Kind, attempt, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown generation error")
	}
	return nil, lastErr
}

func (g *APIGenerator) generateOnce(ctx context.Context, req GenerationRequest) (json.RawMessage, error) {
	body, err := json.Marshal(generationPayload{
		Model:             g.model,
		GenerationRequest: req,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generation request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create API request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.authToken)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generation api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
		if readErr != nil {
			return nil, fmt.Errorf("generation api status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return nil, apiHTTPError{
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(raw)),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(g.maxOutputBytes)+1))
	if err != nil {
		return nil, fmt.Errorf("read generation response: %w", err)
	}
	if len(raw) > g.maxOutputBytes {
		return nil, fmt.Errorf("generation output exceeds %d bytes", g.maxOutputBytes)
	}
	return parseGenerationOutput(raw)
}

// parseGenerationOutput accepts either {"output": ...} or a bare JSON document.
func parseGenerationOutput(raw []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty generation output")
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("generation output is not valid JSON: %s", trim(string(trimmed), 200))
	}
	var envelope struct {
		Output json.RawMessage `json:"output"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err == nil {
		if envelope.Error != nil && envelope.Error.Message != "" {
			return nil, fmt.Errorf("generation service error: %s", envelope.Error.Message)
		}
		if len(envelope.Output) > 0 {
			return envelope.Output, nil
		}
	}
	return json.RawMessage(trimmed), nil
}

func isRetryableAPIError(err error) bool {
	var statusErr apiHTTPError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

type generationPayload struct {
	Model string `json:"model,omitempty"`
	GenerationRequest
}

type apiHTTPError struct {
	statusCode int
	body       string
}

func (e apiHTTPError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("generation api status=%d", e.statusCode)
	}
	return fmt.Sprintf("generation api status=%d body=%s", e.statusCode, e.body)
}
