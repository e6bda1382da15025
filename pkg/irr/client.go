package irr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"irrwatch/pkg/model"
	"irrwatch/pkg/util/workers"
)

const (
	defaultRESTBaseURL = "https://rest.db.ripe.net"
	defaultTimeout     = 60 * time.Second
	defaultUserAgent   = "irrwatch/1.0"
)

// ClientConfig configures the multi-source IRR client.
type ClientConfig struct {
	Sources      []string          // IRR sources to query, e.g. ["RIPE", "RADB"]
	RESTBaseURL  string            // RIPE REST base URL
	WhoisServers map[string]string // source -> host[:port]; defaults to WhoisServers
	Timeout      time.Duration
	Retry        workers.RetryConfig
	RateLimit    float64 // REST requests per second (0 = no limit)
	UserAgent    string
}

// Client queries multiple IRR sources and merges their prefixes. RIPE is
// queried over REST, everything else over WHOIS port 43.
type Client struct {
	sources      []string
	restBaseURL  string
	whoisServers map[string]string
	timeout      time.Duration
	retry        workers.RetryConfig
	httpClient   *http.Client
	limiter      *rate.Limiter
	userAgent    string
	log          zerolog.Logger
}

// NewClient creates a multi-source IRR client.
func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	if cfg.RESTBaseURL == "" {
		cfg.RESTBaseURL = defaultRESTBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = workers.DefaultRetryConfig()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	servers := cfg.WhoisServers
	if servers == nil {
		servers = WhoisServers
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1)
	}

	return &Client{
		sources:      cfg.Sources,
		restBaseURL:  strings.TrimRight(cfg.RESTBaseURL, "/"),
		whoisServers: servers,
		timeout:      cfg.Timeout,
		retry:        cfg.Retry,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter:   limiter,
		userAgent: cfg.UserAgent,
		log:       log,
	}
}

// FetchPrefixes queries every configured source and merges the results.
// Per-source failures are collected in the result, never returned as an
// error.
func (c *Client) FetchPrefixes(ctx context.Context, target string) (*model.PrefixResult, error) {
	v4 := make(map[string]struct{})
	v6 := make(map[string]struct{})
	result := &model.PrefixResult{}

	for _, source := range c.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sourceV4, sourceV6, err := c.querySource(ctx, target, strings.ToUpper(source))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to query %s: %v", source, err))
			c.log.Warn().Str("target", target).Str("source", source).Err(err).Msg("IRR source query failed")
			continue
		}

		for _, p := range sourceV4 {
			v4[p] = struct{}{}
		}
		for _, p := range sourceV6 {
			v6[p] = struct{}{}
		}
		result.SourcesQueried = append(result.SourcesQueried, source)

		c.log.Info().
			Str("target", target).
			Str("source", source).
			Int("ipv4_count", len(sourceV4)).
			Int("ipv6_count", len(sourceV6)).
			Msg("fetched prefixes from IRR source")
	}

	result.IPv4Prefixes = setToSorted(v4)
	result.IPv6Prefixes = setToSorted(v6)

	c.log.Info().
		Str("target", target).
		Int("total_ipv4", len(result.IPv4Prefixes)).
		Int("total_ipv6", len(result.IPv6Prefixes)).
		Strs("sources", result.SourcesQueried).
		Msg("IRR fetch complete")

	return result, nil
}

func (c *Client) querySource(ctx context.Context, target, source string) ([]string, []string, error) {
	if source == "RIPE" {
		return c.queryRIPERest(ctx, target)
	}

	server, ok := c.whoisServers[source]
	if !ok {
		return nil, nil, fmt.Errorf("no WHOIS server configured for source %s", source)
	}
	return c.queryWhois(ctx, target, server)
}

// queryWhois runs an inverse-origin query against a WHOIS server and
// parses route/route6 objects out of the response.
func (c *Client) queryWhois(ctx context.Context, target, server string) ([]string, []string, error) {
	addr := server
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "43")
	}

	var response string
	err := workers.Retry(ctx, c.retry, func() error {
		dialer := &net.Dialer{Timeout: c.timeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("WHOIS connection to %s failed: %w", server, err)
		}
		defer conn.Close()

		if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}

		query := fmt.Sprintf("-i origin %s\r\n", target)
		if _, err := conn.Write([]byte(query)); err != nil {
			return fmt.Errorf("WHOIS write to %s failed: %w", server, err)
		}

		data, err := io.ReadAll(conn)
		if err != nil {
			return fmt.Errorf("WHOIS read from %s failed: %w", server, err)
		}

		response = string(data)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	v4, v6 := parseWhoisResponse(response)
	return v4, v6, nil
}

var (
	routePattern  = regexp.MustCompile(`(?im)^route:\s+(\S+)`)
	route6Pattern = regexp.MustCompile(`(?im)^route6:\s+(\S+)`)
)

// parseWhoisResponse extracts route/route6 attribute values from raw
// WHOIS output. Values without a '/' are discarded.
func parseWhoisResponse(response string) (v4, v6 []string) {
	for _, m := range routePattern.FindAllStringSubmatch(response, -1) {
		if p := strings.TrimSpace(m[1]); strings.Contains(p, "/") {
			v4 = append(v4, p)
		}
	}
	for _, m := range route6Pattern.FindAllStringSubmatch(response, -1) {
		if p := strings.TrimSpace(m[1]); strings.Contains(p, "/") {
			v6 = append(v6, p)
		}
	}
	return v4, v6
}

func (c *Client) queryRIPERest(ctx context.Context, target string) ([]string, []string, error) {
	v4, err := c.queryRIPERestType(ctx, target, "route")
	if err != nil {
		return nil, nil, err
	}
	v6, err := c.queryRIPERestType(ctx, target, "route6")
	if err != nil {
		return nil, nil, err
	}
	return v4, v6, nil
}

// queryRIPERestType runs one inverse-origin search against the RIPE REST
// API for a single object type. A 404 means no results, not an error.
func (c *Client) queryRIPERestType(ctx context.Context, target, objType string) ([]string, error) {
	params := url.Values{}
	params.Set("source", "ripe")
	params.Set("query-string", target)
	params.Set("inverse-attribute", "origin")
	params.Set("type-filter", objType)
	searchURL := fmt.Sprintf("%s/search.json?%s", c.restBaseURL, params.Encode())

	var prefixes []string
	err := workers.RateLimitedRetry(ctx, c.limiter, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			prefixes = nil
			return nil
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			if empty, msg := parseRIPEError(body); empty {
				prefixes = nil
				return nil
			} else if msg != "" {
				return fmt.Errorf("API error: %s", msg)
			}
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(body), 200))
		}

		parsed, err := parseRIPEObjects(body, objType)
		if err != nil {
			return err
		}
		prefixes = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}

	return prefixes, nil
}

type ripeSearchResponse struct {
	Objects struct {
		Object []struct {
			Type       string `json:"type"`
			Attributes struct {
				Attribute []struct {
					Name  string `json:"name"`
					Value string `json:"value"`
				} `json:"attribute"`
			} `json:"attributes"`
		} `json:"object"`
	} `json:"objects"`
	ErrorMessages struct {
		ErrorMessage []struct {
			Text string `json:"text"`
		} `json:"errormessage"`
	} `json:"errormessages"`
}

// parseRIPEObjects extracts prefix values of the requested object type
// from a RIPE search response.
func parseRIPEObjects(body []byte, objType string) ([]string, error) {
	var data ripeSearchResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}

	var prefixes []string
	for _, obj := range data.Objects.Object {
		if obj.Type != objType {
			continue
		}
		for _, attr := range obj.Attributes.Attribute {
			if attr.Name == objType && attr.Value != "" {
				prefixes = append(prefixes, attr.Value)
				break
			}
		}
	}
	return prefixes, nil
}

// parseRIPEError inspects an error body. "No entries found" is reported
// as empty=true; any other message text is returned for wrapping.
func parseRIPEError(body []byte) (empty bool, msg string) {
	var data ripeSearchResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return false, ""
	}
	if len(data.ErrorMessages.ErrorMessage) == 0 {
		return false, ""
	}
	text := data.ErrorMessages.ErrorMessage[0].Text
	if strings.Contains(strings.ToLower(text), "no entries") {
		return true, ""
	}
	return false, text
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
