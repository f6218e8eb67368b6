package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	goahttp "goa.design/goa/v3/http"
	"golang.org/x/time/rate"

	"github.com/goadesign/toolgate/internal/gatewayerr"
	"github.com/goadesign/toolgate/internal/telemetry"
	"github.com/goadesign/toolgate/policy"
)

const (
	headerAllowedHosts   = "X-Allowed-Hosts"
	headerAllowLocalhost = "X-Allow-Localhost"
	headerWorkerID       = "X-Worker-Id"
	headerMaxSubrequests = "X-Max-Subrequests"
)

// FetchProxy is the Go-side implementation of the host-supplied fetch-proxy
// capability (§4.7): it reads the policy headers off each outbound request
// the sandboxed worker's network-egress shim issues, enforces loopback and
// allowlist rules plus the per-worker subrequest cap, and forwards permitted
// requests with the policy headers stripped. It is mounted as a forward
// proxy: the worker's fetch implementation is configured to route all
// outbound traffic through this handler using the request's absolute URL.
//
// MaxSubrequests is the one resource limit this proxy can actually meter,
// since every subrequest passes through it; it is enforced with a
// non-refilling rate.Limiter per worker id, sized to the worker's declared
// cap, rather than a true rate (CPU and memory limits have no analogous
// choke point and are forwarded to the worker only as advisory hints).
type FetchProxy struct {
	client  *http.Client
	mu      sync.Mutex
	budgets map[string]*rate.Limiter
}

// NewFetchProxy constructs a FetchProxy using client for forwarding. A nil
// client defaults to http.DefaultClient.
func NewFetchProxy(client *http.Client) *FetchProxy {
	if client == nil {
		client = http.DefaultClient
	}
	return &FetchProxy{client: client, budgets: make(map[string]*rate.Limiter)}
}

// subrequestBudget returns the non-refilling limiter tracking workerID's
// remaining subrequest allowance, creating one sized to max on first use.
// A max of 0 or less means "no cap declared", so every request passes.
func (p *FetchProxy) subrequestBudget(workerID string, max int) *rate.Limiter {
	if max <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	limiter, ok := p.budgets[workerID]
	if !ok {
		limiter = rate.NewLimiter(0, max)
		p.budgets[workerID] = limiter
	}
	return limiter
}

// ServeHTTP implements http.Handler.
func (p *FetchProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	allowedHosts := splitHosts(r.Header.Get(headerAllowedHosts))
	allowLocalhost := r.Header.Get(headerAllowLocalhost) == "true"

	host := r.URL.Hostname()
	if host == "" {
		host = r.Host
	}

	if policy.IsLoopback(host) {
		if !allowLocalhost {
			writePolicyViolation(w, host)
			return
		}
	} else if len(allowedHosts) > 0 && !policy.HostAllowed(host, allowedHosts) {
		writePolicyViolation(w, host)
		return
	} else if len(allowedHosts) == 0 {
		writePolicyViolation(w, host)
		return
	}

	workerID := r.Header.Get(headerWorkerID)
	maxSubrequests, _ := strconv.Atoi(r.Header.Get(headerMaxSubrequests))
	if budget := p.subrequestBudget(workerID, maxSubrequests); budget != nil && !budget.Allow() {
		writeSubrequestLimitExceeded(w, maxSubrequests)
		return
	}

	outbound := r.Clone(r.Context())
	outbound.RequestURI = ""
	outbound.Header.Del(headerAllowedHosts)
	outbound.Header.Del(headerAllowLocalhost)
	outbound.Header.Del(headerWorkerID)
	outbound.Header.Del(headerMaxSubrequests)

	resp, err := p.client.Do(outbound)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writePolicyViolation(w http.ResponseWriter, host string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	body := map[string]string{"error": "network policy: " + host + " is not in the allowed hosts list"}
	if err := goahttp.ResponseEncoder(context.Background(), w).Encode(body); err != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeSubrequestLimitExceeded(w http.ResponseWriter, max int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	body := map[string]string{"error": "resource limit: execution exceeded its " + strconv.Itoa(max) + " subrequest cap"}
	if err := goahttp.ResponseEncoder(context.Background(), w).Encode(body); err != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// FetchProxyServer binds a FetchProxy to a loopback listener and serves it
// in the background, mirroring rpcbridge.Bridge: started once per Host and
// reused across every execution that has egress enabled, so the external
// isolate runtime has a single stable address to bind its outbound channel
// to (§4.7's "global outbound" capability).
type FetchProxyServer struct {
	server   *http.Server
	listener net.Listener
}

// ListenFetchProxy binds a loopback listener on an OS-assigned port and
// starts serving a FetchProxy in the background.
func ListenFetchProxy(client *http.Client, logger telemetry.Logger) (*FetchProxyServer, error) {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, &gatewayerr.WorkerError{Message: "fetch proxy: failed to bind loopback listener", Cause: err}
	}
	s := &FetchProxyServer{listener: listener, server: &http.Server{Handler: NewFetchProxy(client)}}
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error(context.Background(), "fetch proxy serve failed", "error", err)
		}
	}()
	return s, nil
}

// BaseURL returns the proxy's loopback base URL, e.g.
// "http://127.0.0.1:53211". This is embedded into every generated worker
// program as its globalOutbound address whenever egress is enabled.
func (s *FetchProxyServer) BaseURL() string {
	return "http://" + s.listener.Addr().String()
}

// Close stops accepting new requests and shuts the server down.
func (s *FetchProxyServer) Close(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func splitHosts(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
