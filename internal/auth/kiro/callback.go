package kiro

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// callbackServer is a minimal line-oriented HTTP responder for the OAuth
// redirect. It answers exactly one request per connection: GET
// /oauth/callback is processed, anything else gets an empty 204. Browsers
// probing for favicons must not consume the flow.
type callbackServer struct {
	listener     net.Listener
	port         int
	codeVerifier string
	state        string
	exchange     func(ctx context.Context, code, redirectURI string) (*TokenResult, error)

	done   chan struct{}
	result *TokenResult
	err    error
}

// newCallbackServer binds the first free port in [portStart, portEnd] on
// loopback and starts accepting connections.
func newCallbackServer(codeVerifier, state string, portStart, portEnd int,
	exchange func(ctx context.Context, code, redirectURI string) (*TokenResult, error)) (*callbackServer, error) {
	var listener net.Listener
	var port int
	for p := portStart; p <= portEnd; p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err == nil {
			listener, port = l, p
			break
		}
	}
	if listener == nil {
		return nil, fmt.Errorf("no available ports in range %d-%d", portStart, portEnd)
	}
	s := &callbackServer{
		listener:     listener,
		port:         port,
		codeVerifier: codeVerifier,
		state:        state,
		exchange:     exchange,
		done:         make(chan struct{}),
	}
	go s.acceptLoop()
	log.Infof("oauth callback server listening on port %d", port)
	return s, nil
}

func (s *callbackServer) redirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d/oauth/callback", s.port)
}

// wait blocks until the callback resolves, the timeout lapses, or ctx is
// cancelled. The server is stopped in all cases.
func (s *callbackServer) wait(ctx context.Context, timeout time.Duration) (*TokenResult, error) {
	defer s.stop()
	select {
	case <-s.done:
		return s.result, s.err
	case <-time.After(timeout):
		return nil, ErrAuthTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *callbackServer) stop() {
	if err := s.listener.Close(); err != nil && !strings.Contains(err.Error(), "use of closed") {
		log.Debugf("close oauth callback listener: %v", err)
	}
}

func (s *callbackServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.handleConn(conn)
	}
}

func (s *callbackServer) finish(result *TokenResult, err error) {
	select {
	case <-s.done:
	default:
		s.result, s.err = result, err
		close(s.done)
	}
}

func (s *callbackServer) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	reader := bufio.NewReader(conn)
	requestLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.Fields(strings.TrimSpace(requestLine))
	if len(parts) < 2 {
		writeResponse(conn, http.StatusBadRequest, "Bad Request")
		return
	}
	method, path := parts[0], parts[1]

	// Drain the headers; nothing in them is needed.
	for {
		line, err := reader.ReadString('\n')
		if err != nil || line == "\r\n" || line == "\n" {
			break
		}
	}

	if method != http.MethodGet || !strings.HasPrefix(path, "/oauth/callback") {
		writeResponse(conn, http.StatusNoContent, "")
		return
	}

	params := url.Values{}
	if i := strings.Index(path, "?"); i >= 0 {
		if parsed, err := url.ParseQuery(path[i+1:]); err == nil {
			params = parsed
		}
	}

	if oauthErr := params.Get("error"); oauthErr != "" {
		err := fmt.Errorf("oauth error: %s", oauthErr)
		writeResponse(conn, http.StatusBadRequest, callbackHTML(false, err.Error()))
		s.finish(nil, err)
		return
	}
	if params.Get("state") != s.state {
		err := fmt.Errorf("state validation failed")
		writeResponse(conn, http.StatusBadRequest, callbackHTML(false, err.Error()))
		s.finish(nil, err)
		return
	}
	code := params.Get("code")
	if code == "" {
		err := fmt.Errorf("no authorization code received")
		writeResponse(conn, http.StatusBadRequest, callbackHTML(false, err.Error()))
		s.finish(nil, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tokens, err := s.exchange(ctx, code, s.redirectURI())
	if err != nil {
		writeResponse(conn, http.StatusInternalServerError, callbackHTML(false, fmt.Sprintf("Token exchange failed: %v", err)))
		s.finish(nil, fmt.Errorf("token exchange failed: %w", err))
		return
	}
	writeResponse(conn, http.StatusOK, callbackHTML(true, "Authorization successful! You can close this page."))
	s.finish(tokens, nil)
}

func writeResponse(conn net.Conn, status int, body string) {
	contentType := "text/plain"
	if body != "" && strings.HasPrefix(body, "<!DOCTYPE") {
		contentType = "text/html; charset=utf-8"
	}
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), contentType, len(body), body)
	if _, err := conn.Write([]byte(resp)); err != nil {
		log.Debugf("write oauth callback response: %v", err)
	}
}

func callbackHTML(success bool, message string) string {
	title := "Authorization Successful!"
	color := "#4CAF50"
	if !success {
		title = "Authorization Failed"
		color = "#f44336"
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; display: flex; justify-content: center; align-items: center; min-height: 100vh; margin: 0; background: #f5f5f5; }
.container { text-align: center; padding: 40px; background: white; border-radius: 8px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); max-width: 400px; }
h1 { color: %s; }
p { color: #666; line-height: 1.6; }
</style>
</head>
<body><div class="container"><h1>%s</h1><p>%s</p></div></body>
</html>`, title, color, title, message)
}
