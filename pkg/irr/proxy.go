package irr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"irrwatch/pkg/model"
	"irrwatch/pkg/util/workers"
)

// ProxyConfig configures the API proxy strategy.
type ProxyConfig struct {
	APIURL    string
	Timeout   time.Duration
	Retry     workers.RetryConfig
	UserAgent string
}

// ProxyClient fetches prefixes through a deployed irrwatch-api instance
// instead of querying WHOIS/RIPE directly. Useful when the local machine
// cannot reach WHOIS servers.
type ProxyClient struct {
	apiURL     string
	httpClient *http.Client
	retry      workers.RetryConfig
	userAgent  string
	log        zerolog.Logger
}

// NewProxyClient creates a proxy-backed fetcher.
func NewProxyClient(cfg ProxyConfig, log zerolog.Logger) *ProxyClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = workers.DefaultRetryConfig()
	}
	if cfg.Retry.Retryable == nil {
		// A rejected target will not become valid on retry.
		cfg.Retry.Retryable = func(err error) bool {
			return !errors.Is(err, model.ErrInvalidTarget)
		}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent + " (proxy)"
	}

	return &ProxyClient{
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retry:     cfg.Retry,
		userAgent: cfg.UserAgent,
		log:       log,
	}
}

type proxyFetchResponse struct {
	Target         string   `json:"target"`
	IPv4Prefixes   []string `json:"ipv4_prefixes"`
	IPv6Prefixes   []string `json:"ipv6_prefixes"`
	SourcesQueried []string `json:"sources_queried"`
	Errors         []string `json:"errors"`
}

// FetchPrefixes calls POST /api/v1/fetch on the remote API. A 502 from
// the API (total upstream failure) is mapped back into the PrefixResult
// error list so the orchestrator's fetch-failure rule applies unchanged.
func (c *ProxyClient) FetchPrefixes(ctx context.Context, target string) (*model.PrefixResult, error) {
	reqBody, err := json.Marshal(map[string]string{"target": target})
	if err != nil {
		return nil, err
	}

	fetchURL := c.apiURL + "/api/v1/fetch"
	c.log.Info().Str("target", target).Str("url", fetchURL).Msg("calling IRR API proxy")

	var result *model.PrefixResult
	err = workers.Retry(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fetchURL, bytes.NewReader(reqBody))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("proxy request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read proxy response: %w", err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			var data proxyFetchResponse
			if err := json.Unmarshal(body, &data); err != nil {
				return fmt.Errorf("invalid proxy response: %w", err)
			}
			result = &model.PrefixResult{
				IPv4Prefixes:   data.IPv4Prefixes,
				IPv6Prefixes:   data.IPv6Prefixes,
				SourcesQueried: data.SourcesQueried,
				Errors:         data.Errors,
			}
			return nil
		case http.StatusBadGateway:
			var data struct {
				Errors []string `json:"errors"`
			}
			_ = json.Unmarshal(body, &data)
			result = &model.PrefixResult{Errors: data.Errors}
			if len(result.Errors) == 0 {
				result.Errors = []string{"all IRR sources failed via API"}
			}
			return nil
		case http.StatusUnprocessableEntity, http.StatusBadRequest:
			return fmt.Errorf("%w: proxy rejected target %s", model.ErrInvalidTarget, target)
		default:
			return fmt.Errorf("proxy returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
		}
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().
		Str("target", target).
		Int("ipv4_count", len(result.IPv4Prefixes)).
		Int("ipv6_count", len(result.IPv6Prefixes)).
		Strs("sources", result.SourcesQueried).
		Msg("proxy fetch complete")

	return result, nil
}
