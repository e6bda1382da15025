package irr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"irrwatch/pkg/model"
)

// Bgpq4Config configures the bgpq4 subprocess strategy.
type Bgpq4Config struct {
	Command   []string // command to invoke bgpq4; defaults to ["bgpq4"]
	Source    string   // IRR source for the -S flag
	Aggregate bool     // pass -A to aggregate prefixes
	Timeout   time.Duration
}

// Bgpq4Client fetches prefixes by running the bgpq4 CLI tool. bgpq4
// handles AS-SET expansion, prefix aggregation, and source selection in
// a single invocation, replacing the multi-source WHOIS/REST approach.
type Bgpq4Client struct {
	command   []string
	source    string
	aggregate bool
	timeout   time.Duration
	log       zerolog.Logger
}

// NewBgpq4Client creates a bgpq4-backed fetcher.
func NewBgpq4Client(cfg Bgpq4Config, log zerolog.Logger) *Bgpq4Client {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"bgpq4"}
	}
	if cfg.Source == "" {
		cfg.Source = "RADB"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	return &Bgpq4Client{
		command:   cfg.Command,
		source:    cfg.Source,
		aggregate: cfg.Aggregate,
		timeout:   cfg.Timeout,
		log:       log,
	}
}

// FetchPrefixes runs bgpq4 once per address family. A failed family is
// recorded in Errors; the other family's prefixes are still returned.
func (c *Bgpq4Client) FetchPrefixes(ctx context.Context, target string) (*model.PrefixResult, error) {
	result := &model.PrefixResult{
		SourcesQueried: []string{c.source},
	}

	v4, err := c.run(ctx, target, false)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("IPv4 query failed: %v", err))
	} else {
		result.IPv4Prefixes = v4
	}

	v6, err := c.run(ctx, target, true)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("IPv6 query failed: %v", err))
	} else {
		result.IPv6Prefixes = v6
	}

	c.log.Info().
		Str("target", target).
		Str("source", c.source).
		Int("ipv4_count", len(result.IPv4Prefixes)).
		Int("ipv6_count", len(result.IPv6Prefixes)).
		Msg("bgpq4 fetch complete")

	return result, nil
}

func (c *Bgpq4Client) run(ctx context.Context, target string, ipv6 bool) ([]string, error) {
	args := append([]string(nil), c.command[1:]...)
	if ipv6 {
		args = append(args, "-6")
	} else {
		args = append(args, "-4")
	}
	args = append(args, "-j")
	if c.aggregate {
		args = append(args, "-A")
	}
	args = append(args, "-S", c.source, "-l", "pl", target)

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.log.Debug().Strs("args", args).Msg("running bgpq4")

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("bgpq4 timed out after %s for %s", c.timeout, target)
		}
		if execErr, ok := err.(*exec.Error); ok && execErr.Err == exec.ErrNotFound {
			return nil, fmt.Errorf("command not found: %s (install bgpq4)", c.command[0])
		}
		return nil, fmt.Errorf("bgpq4 failed: %v: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	return parseBgpq4Output(stdout.Bytes())
}

// parseBgpq4Output extracts prefixes from bgpq4 -j output, which looks
// like {"pl": [{"prefix": "8.8.8.0/24", "exact": true}, ...]}.
func parseBgpq4Output(output []byte) ([]string, error) {
	if len(bytes.TrimSpace(output)) == 0 {
		return nil, nil
	}

	var data struct {
		PL []struct {
			Prefix string `json:"prefix"`
		} `json:"pl"`
	}
	if err := json.Unmarshal(output, &data); err != nil {
		return nil, fmt.Errorf("failed to parse bgpq4 JSON output: %w", err)
	}

	set := make(map[string]struct{}, len(data.PL))
	for _, entry := range data.PL {
		if entry.Prefix != "" {
			set[entry.Prefix] = struct{}{}
		}
	}

	prefixes := make([]string, 0, len(set))
	for p := range set {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	return prefixes, nil
}
