package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateway/internal/api/middleware"
	"github.com/router-for-me/KiroGateway/internal/auth/kiro"
)

// Retry policy for upstream calls: transport errors and 5xx responses are
// retried with exponential backoff; a 401/403 forces a token refresh before
// the next attempt; any other 4xx fails immediately.
const (
	maxAttempts    = 3
	baseRetryDelay = 1 * time.Second
)

const (
	apiHostTemplate = "https://codewhisperer.%s.amazonaws.com"
	assistantPath   = "/generateAssistantResponse"

	kiroAgentMode = "spec"
	kiroIDELabel  = "KiroIDE-0.2.13"
)

var (
	pooledClientOnce sync.Once
	pooledClient     *http.Client
)

// getPooledHTTPClient returns the shared upstream client. No global timeout;
// each request bounds itself through its context.
func getPooledHTTPClient() *http.Client {
	pooledClientOnce.Do(func() {
		transport := &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		}
		pooledClient = &http.Client{Transport: transport}
	})
	return pooledClient
}

// Client sends chat payloads upstream on behalf of a resolved credential.
// The fingerprint is generated once per process and embedded in the
// user-agent headers so all requests from one gateway instance present the
// same client identity.
type Client struct {
	httpClient  *http.Client
	fingerprint string
	apiHost     func(region string) string
}

// NewClient builds the upstream client.
func NewClient() *Client {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	return &Client{
		httpClient:  getPooledHTTPClient(),
		fingerprint: hex.EncodeToString(sum[:]),
		apiHost: func(region string) string {
			return fmt.Sprintf(apiHostTemplate, region)
		},
	}
}

// Fingerprint returns the per-instance client fingerprint (SHA-256 hex).
func (c *Client) Fingerprint() string { return c.fingerprint }

func (c *Client) userAgent() string {
	return fmt.Sprintf("aws-sdk-js/1.0.18 ua/2.1 os/linux lang/js md/nodejs#20.16.0 api/codewhispererstreaming#1.0.18 m/E %s-%s", kiroIDELabel, c.fingerprint)
}

func (c *Client) amzUserAgent() string {
	return fmt.Sprintf("aws-sdk-js/1.0.18 %s-%s", kiroIDELabel, c.fingerprint)
}

// prepareRequest sets the auth and identity headers on an upstream request.
func (c *Client) prepareRequest(req *http.Request, accessToken string) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/x-amz-json-1.0")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("X-Amz-User-Agent", c.amzUserAgent())
	req.Header.Set("x-amzn-kiro-agent-mode", kiroAgentMode)
	req.Header.Set("Amz-Sdk-Request", fmt.Sprintf("attempt=1; max=%d", maxAttempts))
	req.Header.Set("Amz-Sdk-Invocation-Id", uuid.New().String())
}

// Do sends the payload and returns the streaming response. The caller owns
// the response body. Each attempt fetches a fresh token from the credential;
// after a 401/403 the credential is force-refreshed before retrying.
func (c *Client) Do(ctx context.Context, cred kiro.Credential, payload []byte) (*http.Response, error) {
	url := c.apiHost(cred.Region()) + assistantPath

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := retryDelay(attempt - 1)
			log.Warnf("upstream retry %d/%d, waiting %v", attempt, maxAttempts, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		accessToken, err := cred.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve access token: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create upstream request: %w", err)
		}
		c.prepareRequest(req, accessToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if !isRetryableError(err) {
				middleware.RecordUpstreamError("transport")
				return nil, fmt.Errorf("upstream request failed: %w", err)
			}
			middleware.RecordUpstreamError("transport")
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			body := drainBody(resp)
			log.Warnf("upstream auth failure (%d), refreshing token: %s", resp.StatusCode, truncate(body, 200))
			middleware.RecordUpstreamError("auth")
			if err := cred.ForceRefresh(ctx); err != nil {
				middleware.RecordTokenRefresh("failure")
				return nil, NewStatusError(http.StatusUnauthorized, "token refresh failed: "+err.Error())
			}
			middleware.RecordTokenRefresh("success")
			lastErr = statusErr{code: resp.StatusCode, msg: truncate(body, 500)}
		case resp.StatusCode >= 500:
			body := drainBody(resp)
			middleware.RecordUpstreamError("http_5xx")
			lastErr = statusErr{code: resp.StatusCode, msg: truncate(body, 500)}
		default:
			body := drainBody(resp)
			middleware.RecordUpstreamError("http_4xx")
			return nil, statusErr{code: resp.StatusCode, msg: truncate(body, 500)}
		}
	}
	if lastErr == nil {
		lastErr = errors.New("upstream request failed")
	}
	return nil, fmt.Errorf("upstream request failed after %d attempts: %w", maxAttempts, lastErr)
}

// retryDelay is baseDelay * 2^(attempt-1).
func retryDelay(attempt int) time.Duration {
	return baseRetryDelay << (attempt - 1)
}

func drainBody(resp *http.Response) string {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Debugf("close upstream response body: %v", err)
		}
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return ""
	}
	return string(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// isRetryableError reports whether a transport failure is worth another
// attempt: timeouts, resets, refused connections, unreachable networks.
// Context cancellation is never retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Err != nil {
			return isRetryableError(opErr.Err)
		}
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"eof",
		"timeout",
		"temporary failure",
		"no such host",
		"network is unreachable",
		"i/o timeout",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
