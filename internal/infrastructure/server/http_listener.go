package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tunl-sh/tunl/internal/domain"
	"github.com/tunl-sh/tunl/internal/infrastructure/logging"
)

// shutdownWait bounds how long listener teardown waits for in-flight
// public requests; by then the pending drain has already completed them.
const shutdownWait = 5 * time.Second

// httpListener is the public endpoint of one HTTP tunnel. Each inbound
// request is buffered, framed, sent down the session's control channel
// and held until its completion sink fires.
type httpListener struct {
	ln      net.Listener
	srv     *http.Server
	session *Session
	logger  *logging.Logger
}

// newHTTPListener binds the public port synchronously; serving starts
// with Start.
func newHTTPListener(port int, session *Session, logger *logging.Logger) (*httpListener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, domain.NewBindError(port, err)
	}

	l := &httpListener{
		ln:      ln,
		session: session,
		logger:  logger,
	}
	l.srv = &http.Server{Handler: http.HandlerFunc(l.handle)}
	return l, nil
}

// Start begins accepting public requests.
func (l *httpListener) Start() {
	go func() {
		if err := l.srv.Serve(l.ln); err != nil && err != http.ErrServerClosed {
			l.logger.Error("public http listener stopped", logging.Fields{"error": err.Error()})
		}
	}()
}

// Close stops the listener. In-flight requests have already been drained
// through the 502 path by the time the session calls this.
func (l *httpListener) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	return l.srv.Shutdown(ctx)
}

func (l *httpListener) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	requestID := newID()
	sink, err := l.session.pending.Insert(requestID)
	if err != nil {
		if domain.IsOverloaded(err) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		} else {
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
		return
	}

	frame := domain.NewHTTPRequest(requestID, r.Method, r.URL.RequestURI(), domain.Header(r.Header), body)
	if err := l.session.channel.Send(frame); err != nil {
		l.session.pending.Complete(requestID, Result{Err: domain.NewSessionClosedError(l.session.id)})
	}

	l.writeResult(w, requestID, <-sink)
}

// writeResult maps a completion to the public HTTP response: the origin's
// reply as-is, 502 for origin or session failures, 504 for timeouts.
func (l *httpListener) writeResult(w http.ResponseWriter, requestID string, result Result) {
	if result.Err != nil {
		status := http.StatusBadGateway
		if domain.IsTimeout(result.Err) {
			status = http.StatusGatewayTimeout
		}
		l.logger.Warn("public request failed", logging.Fields{
			"request_id": requestID,
			"error":      result.Err.Error(),
		})
		http.Error(w, result.Err.Error(), status)
		return
	}

	resp := result.Response
	if resp.Error != "" {
		l.logger.Warn("origin call failed", logging.Fields{
			"request_id": requestID,
			"error":      resp.Error,
		})
		http.Error(w, resp.Error, http.StatusBadGateway)
		return
	}

	for name, values := range resp.Headers {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	status := resp.Status
	if status < 100 || status > 599 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}
