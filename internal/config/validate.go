package config

import (
	"fmt"
	"net/url"
	"strings"
)

var placeholderKeys = map[string]bool{
	"dev-key-placeholder":             true,
	"REPLACE_WITH_PRODUCTION_API_KEY": true,
	"your-api-key":                    true,
}

const minAPIKeyLength = 16

// ValidationError lists the critical issues found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Issues, "; ")
}

// Validate checks the configuration. Issues make the configuration unusable;
// warnings are worth surfacing but do not prevent startup.
func (c *Config) Validate() (issues, warnings []string) {
	issue := func(format string, args ...any) { issues = append(issues, fmt.Sprintf(format, args...)) }
	warn := func(format string, args ...any) { warnings = append(warnings, fmt.Sprintf(format, args...)) }

	// Upstream. An empty base URL leaves the gateway running with chat disabled.
	if c.Upstream.BaseURL == "" {
		warn("upstream.base_url is not set, chat endpoints will report the upstream as not configured")
	} else {
		u, err := url.Parse(c.Upstream.BaseURL)
		switch {
		case err != nil || u.Scheme == "" || u.Host == "":
			issue("upstream.base_url must be a valid URL")
		case u.Scheme != "http" && u.Scheme != "https":
			issue("upstream.base_url must use http or https")
		}
		switch key := c.Upstream.APIKey; {
		case key == "":
			issue("upstream.api_key is required when upstream.base_url is set")
		case placeholderKeys[key]:
			issue("upstream.api_key must be set to a real value")
		case len(key) < minAPIKeyLength:
			issue("upstream.api_key appears too short (minimum %d characters)", minAPIKeyLength)
		}
	}
	if c.Upstream.DefaultModel == "" {
		warn("upstream.default_model not set, requests without a model will be rejected")
	}
	if c.Upstream.Timeout <= 0 {
		issue("upstream.timeout must be positive")
	}

	// Rate limiting.
	switch {
	case c.RateLimit.Limit < 0:
		issue("rate_limit.limit must not be negative")
	case c.RateLimit.Limit == 0:
		warn("rate_limit.limit is 0, every request will be denied")
	case c.RateLimit.Limit > 10000:
		warn("rate_limit.limit very high, may not provide DoS protection")
	}
	if c.RateLimit.Window <= 0 {
		issue("rate_limit.window must be positive")
	}
	if c.RateLimit.BlockDuration < 0 {
		issue("rate_limit.block_duration must not be negative")
	}
	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendRedis:
		if len(c.Redis.Addresses) == 0 || c.Redis.Addresses[0] == "" {
			issue("redis.addresses is required for the redis rate limit backend")
		}
	default:
		issue("rate_limit.backend must be %q or %q", BackendMemory, BackendRedis)
	}

	// Validation limits.
	switch n := c.Validation.MaxMessageLength; {
	case n <= 0:
		issue("validation.max_message_length must be positive")
	case n < 100:
		warn("validation.max_message_length very low, may reject normal messages")
	case n > 100000:
		warn("validation.max_message_length very high, may allow abuse")
	}
	if c.Validation.MaxMessages <= 0 {
		issue("validation.max_messages must be positive")
	}

	// Privacy.
	if c.Privacy.InboundPolicy != InboundReject && c.Privacy.InboundPolicy != InboundRedact {
		issue("privacy.inbound_policy must be %q or %q", InboundReject, InboundRedact)
	}
	if c.Privacy.StreamHoldback < 0 {
		issue("privacy.stream_holdback must not be negative")
	}
	if !c.Privacy.Enabled {
		warn("privacy filter disabled, sensitive data will pass through unchanged")
	}

	// Server.
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		issue("server.port must be between 1 and 65535")
	}
	if c.Server.GRPCHealthPort < 0 || c.Server.GRPCHealthPort > 65535 {
		issue("server.grpc_health_port must be between 0 and 65535")
	}
	switch c.Server.Environment {
	case "development":
		if c.Server.Host == "0.0.0.0" {
			warn("server.host set to 0.0.0.0 in development, consider 127.0.0.1")
		}
	case "production":
		if strings.HasPrefix(c.Upstream.BaseURL, "http://") {
			warn("consider using HTTPS for the upstream in production")
		}
		if c.RateLimit.Limit > 1000 {
			warn("consider lower rate limits for production")
		}
		if c.Admin.Token == "" {
			warn("admin.token not set, admin endpoints are disabled")
		}
	default:
		warn("server.environment should be 'development' or 'production'")
	}

	if c.Policy.Enabled && c.Policy.BundlePath == "" {
		issue("policy.bundle_path is required when policy is enabled")
	}
	return issues, warnings
}
