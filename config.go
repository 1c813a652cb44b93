package airgate

// Config holds the configuration for the airgate edge proxy.
type Config struct {
	// Upstream describes the record-storage API requests are forwarded to.
	Upstream UpstreamConfig `json:"upstream" yaml:"upstream"`
	// Access is the resource allow-list (bases, tables, query parameters).
	Access AccessConfig `json:"access" yaml:"access"`
	// RateLimit is the per-client fixed-window limit.
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	// CORS controls which origins may call the proxy cross-origin.
	CORS CORSConfig `json:"cors" yaml:"cors"`
	// RequestLog optionally persists an audit trail of proxied requests.
	RequestLog RequestLogConfig `json:"request_log,omitempty" yaml:"request_log,omitempty"`
}

// UpstreamConfig describes the upstream API endpoint and forwarding behavior.
type UpstreamConfig struct {
	// BaseURL is the upstream API root, e.g. "https://api.airtable.com/v0".
	BaseURL string `json:"base_url" yaml:"base_url"`
	// TimeoutSeconds bounds each outbound call. Defaults to 10.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	// BodyMode selects how mutating-request bodies are forwarded.
	BodyMode BodyMode `json:"body_mode,omitempty" yaml:"body_mode,omitempty"`
}

// BodyMode selects body handling for POST/PATCH/PUT requests.
type BodyMode string

// Supported body modes. "json" parses and re-serializes the body, rejecting
// malformed JSON before any upstream call; "raw" forwards bytes untouched.
const (
	BodyModeJSON BodyMode = "json"
	BodyModeRaw  BodyMode = "raw"
)

// AccessConfig is the strict allow-list of reachable upstream resources.
type AccessConfig struct {
	// Bases are the base IDs reachable through the path-segment route.
	Bases []string `json:"bases" yaml:"bases"`
	// Tables are the table names reachable through the path-segment route.
	// Matching is exact and case-sensitive.
	Tables []string `json:"tables" yaml:"tables"`
	// EmbeddedBase is the single base ID the query-parameter route accepts.
	// Defaults to the first entry of Bases.
	EmbeddedBase string `json:"embedded_base,omitempty" yaml:"embedded_base,omitempty"`
	// EmbeddedTables are table names accepted by the query-parameter route.
	// Enumerate both URL-encoded and decoded spellings of each table so
	// neither representation silently passes or silently fails.
	// Defaults to Tables.
	EmbeddedTables []string `json:"embedded_tables,omitempty" yaml:"embedded_tables,omitempty"`
	// QueryAllow lists query parameter names forwarded upstream on the
	// query-parameter route. Names with a "sort[" prefix are always
	// forwarded. Defaults to DefaultQueryAllow.
	QueryAllow []string `json:"query_allow,omitempty" yaml:"query_allow,omitempty"`
}

// DefaultQueryAllow is the query parameter allow-list used when
// AccessConfig.QueryAllow is empty: pagination, filtering, and view selection.
var DefaultQueryAllow = []string{"pageSize", "maxRecords", "offset", "filterByFormula", "view"}

// RateLimitConfig is the per-client fixed-window limit.
type RateLimitConfig struct {
	// Limit is the number of requests admitted per window. Defaults to 30.
	Limit int `json:"limit,omitempty" yaml:"limit,omitempty"`
	// WindowSeconds is the window length. Defaults to 60.
	WindowSeconds int `json:"window_seconds,omitempty" yaml:"window_seconds,omitempty"`
}

// CORSMode selects the CORS policy strength.
type CORSMode string

// Supported CORS modes. Strict omits the Allow-Origin header entirely for
// unknown origins; lenient always emits one, falling back to DefaultOrigin.
const (
	CORSModeStrict  CORSMode = "strict"
	CORSModeLenient CORSMode = "lenient"
)

// CORSConfig controls cross-origin response headers.
type CORSConfig struct {
	Mode CORSMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	// Origins is the exact-match origin allow-list.
	Origins []string `json:"origins" yaml:"origins"`
	// DefaultOrigin is emitted for disallowed origins in lenient mode.
	// Defaults to the first entry of Origins.
	DefaultOrigin string `json:"default_origin,omitempty" yaml:"default_origin,omitempty"`
}

// RequestLogConfig enables the optional SQL audit trail.
type RequestLogConfig struct {
	// Driver is "sqlite" or "postgres"; empty disables the audit trail.
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// ApplyDefaults fills unset fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://api.airtable.com/v0"
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 10
	}
	if c.Upstream.BodyMode == "" {
		c.Upstream.BodyMode = BodyModeJSON
	}
	if c.Access.EmbeddedBase == "" && len(c.Access.Bases) > 0 {
		c.Access.EmbeddedBase = c.Access.Bases[0]
	}
	if len(c.Access.EmbeddedTables) == 0 {
		c.Access.EmbeddedTables = c.Access.Tables
	}
	if len(c.Access.QueryAllow) == 0 {
		c.Access.QueryAllow = DefaultQueryAllow
	}
	if c.RateLimit.Limit <= 0 {
		c.RateLimit.Limit = 30
	}
	if c.RateLimit.WindowSeconds <= 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.CORS.Mode == "" {
		c.CORS.Mode = CORSModeStrict
	}
	if c.CORS.DefaultOrigin == "" && len(c.CORS.Origins) > 0 {
		c.CORS.DefaultOrigin = c.CORS.Origins[0]
	}
}
