// Package ticketing submits change-management tickets for detected prefix
// changes. The diff hash rides along as an idempotency key so the remote
// system can de-duplicate on its side as well; the local ledger dedups on
// the same hash before this client is ever called.
package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"irrwatch/pkg/diff"
	"irrwatch/pkg/model"
	"irrwatch/pkg/util/workers"
)

const defaultUserAgent = "irrwatch/1.0"

// Config configures the ticketing client.
type Config struct {
	BaseURL   string
	APIToken  string
	Timeout   time.Duration
	Retry     workers.RetryConfig
	RateLimit float64 // requests per second (0 = no limit)
	UserAgent string
}

// Client talks to the downstream ticketing API.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	retry      workers.RetryConfig
	limiter    *rate.Limiter
	userAgent  string
	log        zerolog.Logger
}

// NewClient creates a ticketing client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = workers.DefaultRetryConfig()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1)
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiToken: cfg.APIToken,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retry:     cfg.Retry,
		limiter:   limiter,
		userAgent: cfg.UserAgent,
		log:       log,
	}
}

type ticketPayload struct {
	Type      string         `json:"type"`
	Target    string         `json:"target"`
	Timestamp string         `json:"timestamp"`
	Changes   payloadChanges `json:"changes"`
	Summary   string         `json:"summary"`
	Sources   []string       `json:"irr_sources"`
	DiffHash  string         `json:"diff_hash"`
}

type payloadChanges struct {
	AddedIPv4   []string `json:"added_ipv4"`
	RemovedIPv4 []string `json:"removed_ipv4"`
	AddedIPv6   []string `json:"added_ipv6"`
	RemovedIPv6 []string `json:"removed_ipv6"`
}

// BuildPayload returns the exact JSON body that CreateTicket would send.
// The orchestrator stores it on the pending ticket before any network
// call so the outbound request survives a crash mid-submission.
func (c *Client) BuildPayload(target string, d *model.Diff, sources []string) ([]byte, error) {
	payload := ticketPayload{
		Type:      "irr_prefix_change",
		Target:    target,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Changes: payloadChanges{
			AddedIPv4:   emptyIfNil(d.AddedV4),
			RemovedIPv4: emptyIfNil(d.RemovedV4),
			AddedIPv6:   emptyIfNil(d.AddedV6),
			RemovedIPv6: emptyIfNil(d.RemovedV6),
		},
		Summary:  diff.Summary(d),
		Sources:  emptyIfNil(sources),
		DiffHash: d.DiffHash,
	}
	return json.Marshal(payload)
}

// CreateTicket submits a ticket for a change-set. Dry-run skips the
// network call entirely. Submission failures after the retry budget are
// reported in the response status, not as an error: failed is a state
// the ledger records, not a crash.
func (c *Client) CreateTicket(ctx context.Context, target string, d *model.Diff, sources []string, dryRun bool) (*model.TicketResponse, error) {
	payload, err := c.BuildPayload(target, d, sources)
	if err != nil {
		return nil, err
	}

	if dryRun {
		c.log.Info().
			Str("target", target).
			Str("diff_hash", d.DiffHash).
			Msg("dry-run: would create ticket")
		return &model.TicketResponse{Status: model.TicketDryRun}, nil
	}

	return c.submit(ctx, payload, d.DiffHash), nil
}

// retryableError marks a failure worth another attempt (network errors
// and 5xx responses). Client errors other than 409 are final.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (c *Client) submit(ctx context.Context, payload []byte, diffHash string) *model.TicketResponse {
	retryCfg := c.retry
	retryCfg.Retryable = func(err error) bool {
		_, ok := err.(*retryableError)
		return ok
	}

	var response *model.TicketResponse
	err := workers.RateLimitedRetry(ctx, c.limiter, retryCfg, func() error {
		resp, err := c.post(ctx, payload, diffHash)
		if err != nil {
			return err
		}
		response = resp
		return nil
	})
	if err != nil {
		c.log.Error().
			Str("diff_hash", diffHash).
			Err(err).
			Msg("ticket submission failed")
		return &model.TicketResponse{
			Status:       model.TicketFailed,
			ErrorMessage: err.Error(),
		}
	}

	return response
}

func (c *Client) post(ctx context.Context, payload []byte, diffHash string) (*model.TicketResponse, error) {
	url := c.baseURL + "/tickets"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("X-Idempotency-Key", diffHash)

	c.log.Debug().Str("url", url).Str("diff_hash", diffHash).Msg("submitting ticket")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusCreated:
		var data struct {
			TicketID string `json:"ticket_id"`
		}
		if err := json.Unmarshal(body, &data); err == nil {
			c.log.Info().Str("ticket_id", data.TicketID).Str("diff_hash", diffHash).Msg("ticket created")
			return &model.TicketResponse{
				TicketID: data.TicketID,
				Status:   model.TicketCreated,
			}, nil
		}

	case resp.StatusCode == http.StatusConflict:
		// The remote system honored the idempotency key.
		var data struct {
			ExistingTicketID string `json:"existing_ticket_id"`
		}
		if err := json.Unmarshal(body, &data); err == nil {
			c.log.Info().Str("ticket_id", data.ExistingTicketID).Str("diff_hash", diffHash).Msg("ticket already exists")
			return &model.TicketResponse{
				TicketID:    data.ExistingTicketID,
				Status:      model.TicketDuplicate,
				IsDuplicate: true,
			}, nil
		}

	case resp.StatusCode >= 500:
		return nil, &retryableError{fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncate(string(body), 200))}
	}

	errMsg := fmt.Sprintf("API returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	c.log.Error().Int("status_code", resp.StatusCode).Str("diff_hash", diffHash).Msg(errMsg)
	return &model.TicketResponse{
		Status:       model.TicketFailed,
		ErrorMessage: errMsg,
	}, nil
}

func emptyIfNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
