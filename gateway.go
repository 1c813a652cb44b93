// Package airgate implements an authenticated reverse proxy between untrusted
// web clients and a record-storage API. It hides the upstream bearer token,
// allow-lists reachable bases/tables/records, enforces per-client
// fixed-window rate limits, and re-shapes CORS so only approved origins can
// call it cross-origin.
package airgate

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ferro-labs/airgate/internal/cors"
	"github.com/ferro-labs/airgate/internal/logging"
	"github.com/ferro-labs/airgate/internal/metrics"
	"github.com/ferro-labs/airgate/internal/policy"
	"github.com/ferro-labs/airgate/internal/ratelimit"
	"github.com/ferro-labs/airgate/internal/requestlog"
	"github.com/ferro-labs/airgate/internal/upstream"
)

// Route variant labels used in metrics and the audit trail.
const (
	routeSegment  = "segment"
	routeEmbedded = "embedded"
)

// clientUnknown is the rate-limit bucket for requests with no usable
// client-address header.
const clientUnknown = "unknown"

// Gateway owns the admission pipeline: CORS policy, per-client rate limiting,
// resource allow-listing, and upstream forwarding. It is safe for concurrent
// use; the rate-limit store is the only shared mutable state.
type Gateway struct {
	cfg      Config
	token    string
	limiter  *ratelimit.Store
	cors     *cors.Policy
	segments *policy.SegmentPolicy
	embedded *policy.EmbeddedPolicy
	client   *upstream.Client
	audit    requestlog.Writer
}

// New creates a Gateway from a validated config and the upstream bearer
// token. An empty token is accepted here but fails every request closed with
// a 500 server-configuration error, so a misdeployed instance never forwards
// unauthenticated traffic.
func New(cfg Config, token string) (*Gateway, error) {
	cfg.ApplyDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	return &Gateway{
		cfg:      cfg,
		token:    token,
		limiter:  ratelimit.NewStore(cfg.RateLimit.Limit, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second),
		cors:     cors.New(cors.Mode(cfg.CORS.Mode), cfg.CORS.Origins, cfg.CORS.DefaultOrigin),
		segments: policy.NewSegmentPolicy(cfg.Access.Bases, cfg.Access.Tables),
		embedded: policy.NewEmbeddedPolicy(cfg.Access.EmbeddedBase, cfg.Access.EmbeddedTables),
		client:   upstream.New(cfg.Upstream.BaseURL, token, time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second),
		audit:    requestlog.NoopWriter{},
	}, nil
}

// SetAuditWriter installs an audit trail writer. Writes are best-effort:
// failures are logged and never surfaced to the client.
func (g *Gateway) SetAuditWriter(w requestlog.Writer) {
	if w != nil {
		g.audit = w
	}
}

// Routes returns the HTTP handler for the proxy surface. Both inbound shapes
// are always mounted:
//
//	METHOD /api/airtable/{baseID}/{tableName}[/{recordID}]
//	METHOD /api/airtable?path={baseID}/{tableName}[/{recordID}]
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)
	r.Use(g.cors.Middleware)

	r.Route("/api/airtable", func(r chi.Router) {
		r.HandleFunc("/", g.handleEmbedded)
		r.HandleFunc("/{baseID}/{tableName}", g.handleSegment)
		r.HandleFunc("/{baseID}/{tableName}/{recordID}", g.handleSegment)
	})

	return r
}

// handleSegment serves the path-segment variant: multi-base/table
// allow-lists, full query passthrough, 400 on rejection.
func (g *Gateway) handleSegment(w http.ResponseWriter, r *http.Request) {
	g.handle(w, r, routeSegment)
}

// handleEmbedded serves the query-parameter variant: single-base policy,
// query allow-list filtering, 403 on rejection, non-GET origin gating.
func (g *Gateway) handleEmbedded(w http.ResponseWriter, r *http.Request) {
	g.handle(w, r, routeEmbedded)
}

// handle runs the admission pipeline. The order is fixed: token presence,
// rate limit, origin gate (embedded only), path validation, body validation,
// forward. Preflight never reaches this point; the CORS middleware answers it.
func (g *Gateway) handle(w http.ResponseWriter, r *http.Request, route string) {
	start := time.Now()
	log := logging.FromContext(r.Context())

	var res policy.ResourcePath
	var denyReason string
	clientID := clientIdentity(r)

	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	defer func() {
		status := ww.Status()
		metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())

		entry := requestlog.Entry{
			TraceID:  logging.TraceIDFromContext(r.Context()),
			ClientID: clientID,
			Method:   r.Method,
			Route:    route,
			Base:     res.Base,
			Table:    res.Table,
			Record:   res.Record,
			Status:   status,
		}
		if status >= http.StatusBadRequest {
			entry.ErrorMessage = denyReason
			if entry.ErrorMessage == "" {
				entry.ErrorMessage = http.StatusText(status)
			}
		}
		if err := g.audit.Write(r.Context(), entry); err != nil {
			log.Warn("audit write failed", "error", err)
		}
	}()

	if !methodAllowed(r.Method) {
		writeError(ww, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Fail closed before touching client data: a deployment without the
	// secret must never forward anything.
	if g.token == "" {
		log.Error("upstream token is not configured")
		denyReason = "server configuration error"
		writeError(ww, http.StatusInternalServerError, denyReason)
		return
	}

	decision := g.limiter.Admit(clientID)
	ww.Header().Set("X-RateLimit-Limit", strconv.Itoa(g.limiter.Limit()))
	ww.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if !decision.Allowed {
		retryAfter := retryAfterSeconds(decision.ResetAt)
		ww.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		ww.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		metrics.RateLimitRejections.WithLabelValues(route).Inc()
		log.Warn("rate limit exceeded", "client", clientID)
		denyReason = "rate limit exceeded"
		writeJSON(ww, http.StatusTooManyRequests, map[string]interface{}{
			"error":      denyReason,
			"retryAfter": retryAfter,
		})
		return
	}

	// The embedded variant gates mutating cross-origin calls on the origin
	// allow-list regardless of path validity.
	if route == routeEmbedded && r.Method != http.MethodGet && !g.cors.OriginAllowed(r.Header.Get("Origin")) {
		denyReason = "origin not allowed"
		writeError(ww, http.StatusForbidden, denyReason)
		return
	}

	var err error
	res, err = g.validatePath(r, route)
	if err != nil {
		status := http.StatusBadRequest
		if route == routeEmbedded {
			status = http.StatusForbidden
		}
		metrics.AccessRejections.WithLabelValues(rejectionReason(err)).Inc()
		log.Info("path rejected", "client", clientID, "reason", err.Error())
		denyReason = err.Error()
		writeError(ww, status, denyReason)
		return
	}

	body, bodyErr := g.readBody(r)
	if bodyErr != "" {
		denyReason = bodyErr
		writeError(ww, http.StatusBadRequest, bodyErr)
		return
	}

	// Segment route: the whole inbound query passes through unmodified.
	// Embedded route: only allow-listed parameter names are forwarded, which
	// also drops the "path" parameter itself.
	query := r.URL.Query()
	if route == routeEmbedded {
		query = upstream.FilterQuery(query, g.cfg.Access.QueryAllow)
	}

	result, err := g.client.Do(r.Context(), r.Method, res, query, body)
	if err != nil {
		metrics.UpstreamErrors.Inc()
		log.Error("upstream request failed", "error", err, "base", res.Base, "table", res.Table)
		denyReason = "upstream request failed"
		writeError(ww, http.StatusBadGateway, denyReason)
		return
	}

	ww.Header().Set("Content-Type", "application/json")
	ww.WriteHeader(result.Status)
	_, _ = ww.Write(result.Body)
}

// validatePath applies the variant's access policy.
func (g *Gateway) validatePath(r *http.Request, route string) (policy.ResourcePath, error) {
	if route == routeEmbedded {
		return g.embedded.Validate(r.URL.Query().Get("path"))
	}
	return g.segments.Validate(strings.TrimPrefix(r.URL.Path, "/api/airtable"))
}

// readBody reads and, in JSON body mode, parse-validates and re-serializes
// the request body for mutating methods. A non-empty errMsg stops the
// pipeline with a 400 before any upstream call. A read failure is an
// explicit rejection, not a silently ignored fault.
func (g *Gateway) readBody(r *http.Request) (body []byte, errMsg string) {
	switch r.Method {
	case http.MethodPost, http.MethodPatch, http.MethodPut:
	default:
		return nil, ""
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "unable to read request body"
	}
	if len(body) == 0 || g.cfg.Upstream.BodyMode == BodyModeRaw {
		return body, ""
	}

	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, "invalid JSON body"
	}
	reserialized, err := json.Marshal(parsed)
	if err != nil {
		return nil, "invalid JSON body"
	}
	return reserialized, ""
}

// clientIdentity derives the rate-limit bucket key: the trusted
// connection-origin header, then the first forwarded-for entry, then a
// sentinel. The value is never validated as a real IP.
func clientIdentity(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return clientUnknown
}

func methodAllowed(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// retryAfterSeconds reports whole seconds until resetAt, rounded up, at
// least 1.
func retryAfterSeconds(resetAt time.Time) int {
	secs := int((time.Until(resetAt) + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// writeError writes the uniform JSON error shape.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// rejectionReason maps a policy error to a stable metric label.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, policy.ErrMissingPath):
		return "missing_path"
	case errors.Is(err, policy.ErrUnknownBase):
		return "unknown_base"
	case errors.Is(err, policy.ErrUnknownTable):
		return "unknown_table"
	case errors.Is(err, policy.ErrBadSegments):
		return "bad_segments"
	}
	return "other"
}
