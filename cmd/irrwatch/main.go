// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"irrwatch/pkg/config"
	"irrwatch/pkg/diff"
	"irrwatch/pkg/irr"
	"irrwatch/pkg/logger"
	"irrwatch/pkg/model"
	"irrwatch/pkg/pipeline"
	"irrwatch/pkg/snapstore"
	"irrwatch/pkg/ticketing"
	"irrwatch/pkg/util/workers"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "init-db":
		os.Exit(runInitDB(os.Args[2:]))
	case "fetch":
		os.Exit(runFetch(os.Args[2:]))
	case "diff":
		os.Exit(runDiff(os.Args[2:]))
	case "submit":
		os.Exit(runSubmit(os.Args[2:]))
	case "run":
		os.Exit(runRun(os.Args[2:]))
	case "run-all":
		os.Exit(runRunAll(os.Args[2:]))
	case "history":
		os.Exit(runHistory(os.Args[2:]))
	case "--version":
		fmt.Printf("irrwatch version %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: irrwatch <command> [options]

Commands:
  init-db              Initialize the snapshot database
  fetch                Fetch prefixes and store a snapshot
  diff                 Compute diff against the lookback baseline
  submit               Submit a ticket for detected changes
  run                  Fetch, diff, and submit in one pass
  run-all              Run the pipeline for all configured targets
  history              Show snapshot history

Options:
  -config=<path>       Configuration file (default: ./config.yaml)
  -target=<asn>        Target ASN or AS-SET (e.g. AS15169)
  -dry-run             Do not actually create tickets (submit, run, run-all)
  -limit=<n>           Maximum snapshots to show (history, default: 10)
  -verbose             Enable debug logging
  -quiet               Suppress non-error output
  -json                Output results as JSON
  --version            Show version

Examples:
  irrwatch fetch -target AS15169
  irrwatch run -target AS15169 -dry-run
  irrwatch run-all
  irrwatch history -target AS15169 -limit 5
`)
}

type globalOpts struct {
	configPath string
	verbose    bool
	quiet      bool
	jsonOut    bool
}

func addGlobalFlags(fs *flag.FlagSet) *globalOpts {
	opts := &globalOpts{}
	fs.StringVar(&opts.configPath, "config", "./config.yaml", "Path to configuration file")
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")
	fs.BoolVar(&opts.quiet, "quiet", false, "Suppress non-error output")
	fs.BoolVar(&opts.jsonOut, "json", false, "Output results as JSON")
	return opts
}

func (o *globalOpts) say(format string, args ...interface{}) {
	if o.quiet || o.jsonOut {
		return
	}
	fmt.Printf("[%s] %s\n", time.Now().Format("2006-01-02 15:04:05"), fmt.Sprintf(format, args...))
}

func (o *globalOpts) fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", fmt.Sprintf(format, args...))
}

func (o *globalOpts) printJSON(v interface{}) {
	if !o.jsonOut {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		o.fail("encode output: %v", err)
		return
	}
	fmt.Println(string(data))
}

func setup(opts *globalOpts) (config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return config.Config{}, logger.Nop(), err
	}

	if opts.verbose {
		cfg.Logging.Level = "debug"
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return config.Config{}, logger.Nop(), err
	}
	return cfg, log, nil
}

func retryBudget(maxRetries int) workers.RetryConfig {
	retry := workers.DefaultRetryConfig()
	if maxRetries > 0 {
		retry.MaxAttempts = maxRetries
	}
	return retry
}

// buildFetcher selects the fetch strategy. A configured api_url always
// wins, matching the proxy deployment model.
func buildFetcher(cfg config.Config, log zerolog.Logger) irr.Fetcher {
	if cfg.APIURL != "" || cfg.Fetch.Strategy == "proxy" {
		return irr.NewProxyClient(irr.ProxyConfig{
			APIURL:  cfg.APIURL,
			Timeout: time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
			Retry:   retryBudget(cfg.Fetch.MaxRetries),
		}, logger.WithComponent(log, "proxy"))
	}

	if cfg.Fetch.Strategy == "bgpq4" {
		return irr.NewBgpq4Client(irr.Bgpq4Config{
			Command:   cfg.Bgpq4.Command,
			Source:    cfg.Bgpq4.Source,
			Aggregate: cfg.Bgpq4.Aggregate,
			Timeout:   time.Duration(cfg.Bgpq4.TimeoutSeconds) * time.Second,
		}, logger.WithComponent(log, "bgpq4"))
	}

	return irr.NewClient(irr.ClientConfig{
		Sources:     cfg.IRRSources,
		RESTBaseURL: cfg.Fetch.RESTBaseURL,
		Timeout:     time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		Retry:       retryBudget(cfg.Fetch.MaxRetries),
		RateLimit:   cfg.Fetch.RateLimit,
	}, logger.WithComponent(log, "irr"))
}

func buildRunner(cfg config.Config, store *snapstore.Store, log zerolog.Logger) *pipeline.Runner {
	fetcher := buildFetcher(cfg, log)
	tickets := ticketing.NewClient(ticketing.Config{
		BaseURL:  cfg.Ticketing.BaseURL,
		APIToken: cfg.Ticketing.APIToken,
		Timeout:  time.Duration(cfg.Ticketing.TimeoutSeconds) * time.Second,
		Retry:    retryBudget(cfg.Ticketing.MaxRetries),
	}, logger.WithComponent(log, "ticketing"))

	lookback := time.Duration(cfg.Diff.LookbackHours) * time.Hour
	return pipeline.NewRunner(store, fetcher, tickets, lookback, logger.WithComponent(log, "pipeline"))
}

func runInitDB(args []string) int {
	fs := flag.NewFlagSet("init-db", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	fs.Parse(args)

	cfg, _, err := setup(opts)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}

	opts.say("Initializing database...")

	store, err := snapstore.Open(cfg.Database.Path)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}
	defer store.Close()

	opts.say("Database initialized at %s", cfg.Database.Path)
	opts.printJSON(map[string]string{
		"status":        "success",
		"database_path": cfg.Database.Path,
	})
	return 0
}

func runFetch(args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	targetFlag := fs.String("target", "", "ASN or AS-SET to fetch (e.g. AS15169)")
	fs.Parse(args)

	cfg, log, err := setup(opts)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}

	target, err := model.NormalizeTarget(*targetFlag)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}

	store, err := snapstore.Open(cfg.Database.Path)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}
	defer store.Close()

	runner := buildRunner(cfg, store, log)

	opts.say("Fetching prefixes for %s...", target)

	snap, err := runner.FetchAndSnapshot(context.Background(), target)
	if err != nil {
		opts.fail("failed to fetch prefixes: %v", err)
		return 1
	}

	opts.say("Found %d IPv4 prefixes, %d IPv6 prefixes", len(snap.IPv4Prefixes), len(snap.IPv6Prefixes))
	opts.say("Snapshot saved (id: %d, hash: %.12s...)", snap.ID, snap.ContentHash)

	opts.printJSON(map[string]interface{}{
		"target": target,
		"snapshot": map[string]interface{}{
			"id":         snap.ID,
			"ipv4_count": len(snap.IPv4Prefixes),
			"ipv6_count": len(snap.IPv6Prefixes),
			"hash":       snap.ContentHash,
			"sources":    snap.Sources,
		},
	})
	return 0
}

func diffJSON(d *model.Diff) map[string]interface{} {
	out := map[string]interface{}{
		"target":          d.Target,
		"has_changes":     d.HasChanges,
		"added_v4":        d.AddedV4,
		"removed_v4":      d.RemovedV4,
		"added_v6":        d.AddedV6,
		"removed_v6":      d.RemovedV6,
		"diff_hash":       d.DiffHash,
		"new_snapshot_id": d.NewSnapshotID,
		"summary":         diff.Summary(d),
	}
	if d.OldSnapshotID != 0 {
		out["old_snapshot_id"] = d.OldSnapshotID
	} else {
		out["old_snapshot_id"] = nil
	}
	return out
}

func runDiff(args []string) int {
	fs := flag.NewFlagSet("diff", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	targetFlag := fs.String("target", "", "ASN or AS-SET to diff (e.g. AS15169)")
	fs.Parse(args)

	cfg, log, err := setup(opts)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}

	target, err := model.NormalizeTarget(*targetFlag)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}

	store, err := snapstore.Open(cfg.Database.Path)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}
	defer store.Close()

	runner := buildRunner(cfg, store, log)
	lookback := time.Duration(cfg.Diff.LookbackHours) * time.Hour

	d, err := runner.DiffAgainstBaseline(target, lookback)
	if errors.Is(err, model.ErrNotFound) {
		opts.fail("no snapshot found for %s", target)
		return 1
	}
	if err != nil {
		opts.fail("%v", err)
		return 1
	}

	if opts.jsonOut {
		opts.printJSON(diffJSON(d))
	} else {
		if d.FirstObservation() {
			opts.say("No previous snapshot found (first run)")
		}
		fmt.Println(diff.FormatHuman(d))
	}
	return 0
}

func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	targetFlag := fs.String("target", "", "ASN or AS-SET to submit a ticket for")
	dryRun := fs.Bool("dry-run", false, "Do not actually create the ticket")
	fs.Parse(args)

	cfg, log, err := setup(opts)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}

	target, err := model.NormalizeTarget(*targetFlag)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}

	store, err := snapstore.Open(cfg.Database.Path)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}
	defer store.Close()

	runner := buildRunner(cfg, store, log)

	ticket, err := runner.SubmitIfChanged(context.Background(), target, *dryRun)
	if errors.Is(err, model.ErrNotFound) {
		opts.fail("no diff found for %s, run 'diff' or 'run' first", target)
		return 1
	}
	if err != nil {
		opts.fail("%v", err)
		return 1
	}

	if ticket == nil {
		opts.say("No changes to submit for %s", target)
		opts.printJSON(map[string]string{"target": target, "status": "no_changes"})
		return 0
	}

	switch ticket.Status {
	case model.TicketDryRun:
		opts.say("[DRY-RUN] Would create ticket for %s", target)
	case model.TicketCreated:
		opts.say("Ticket created: %s", ticket.ExternalTicketID)
	case model.TicketDuplicate:
		opts.say("Ticket already exists: %s", ticket.ExternalTicketID)
	default:
		opts.fail("failed to create ticket (status: %s)", ticket.Status)
	}

	opts.printJSON(map[string]interface{}{
		"target":    target,
		"status":    ticket.Status,
		"ticket_id": ticket.ExternalTicketID,
		"dry_run":   *dryRun,
	})

	if ticket.Status.Settled() || ticket.Status == model.TicketDryRun {
		return 0
	}
	return 1
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	targetFlag := fs.String("target", "", "ASN or AS-SET to process")
	dryRun := fs.Bool("dry-run", false, "Do not actually create the ticket")
	fs.Parse(args)

	cfg, log, err := setup(opts)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}

	target, err := model.NormalizeTarget(*targetFlag)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}

	store, err := snapstore.Open(cfg.Database.Path)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}
	defer store.Close()

	runner := buildRunner(cfg, store, log)
	return reportRun(opts, runner, target, *dryRun)
}

func reportRun(opts *globalOpts, runner *pipeline.Runner, target string, dryRun bool) int {
	opts.say("Processing %s...", target)

	res, err := runner.Run(context.Background(), target, dryRun)
	if err != nil {
		opts.fail("%s stage failed for %s: %v", res.Stage, target, err)
		return 1
	}

	opts.say("Snapshot saved (hash: %.12s...)", res.Snapshot.ContentHash)
	if res.Diff.FirstObservation() {
		opts.say("No previous snapshot found (first run)")
	}
	opts.say("%s", diff.Summary(res.Diff))

	if res.Ticket != nil {
		switch res.Ticket.Status {
		case model.TicketDryRun:
			opts.say("[DRY-RUN] Would create ticket")
		case model.TicketCreated:
			opts.say("Ticket created: %s", res.Ticket.ExternalTicketID)
		case model.TicketDuplicate:
			opts.say("Ticket already exists: %s", res.Ticket.ExternalTicketID)
		default:
			opts.fail("failed to create ticket (status: %s)", res.Ticket.Status)
		}
	}

	output := map[string]interface{}{
		"target":    target,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"snapshot": map[string]interface{}{
			"id":         res.Snapshot.ID,
			"ipv4_count": len(res.Snapshot.IPv4Prefixes),
			"ipv6_count": len(res.Snapshot.IPv6Prefixes),
			"hash":       res.Snapshot.ContentHash,
		},
		"diff": diffJSON(res.Diff),
	}
	if res.Ticket != nil {
		output["ticket"] = map[string]interface{}{
			"id":      res.Ticket.ExternalTicketID,
			"status":  res.Ticket.Status,
			"dry_run": dryRun,
		}
	}
	opts.printJSON(output)
	return 0
}

func runRunAll(args []string) int {
	fs := flag.NewFlagSet("run-all", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	dryRun := fs.Bool("dry-run", false, "Do not actually create tickets")
	fs.Parse(args)

	cfg, log, err := setup(opts)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}

	if len(cfg.Targets) == 0 {
		opts.fail("no targets configured in config file")
		return 1
	}

	store, err := snapstore.Open(cfg.Database.Path)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}
	defer store.Close()

	runner := buildRunner(cfg, store, log)

	opts.say("Processing %d targets...", len(cfg.Targets))

	targets := make([]string, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		normalized, err := model.NormalizeTarget(t)
		if err != nil {
			opts.fail("skipping %q: %v", t, err)
			continue
		}
		targets = append(targets, normalized)
	}

	batch := runner.RunAll(context.Background(), targets, *dryRun, cfg.RunAll.Workers)

	results := make([]map[string]string, 0, len(batch.Outcomes))
	for _, outcome := range batch.Outcomes {
		status := "success"
		if outcome.Err != nil {
			status = "failed"
			opts.say("%s failed: %v", outcome.Target, outcome.Err)
		}
		results = append(results, map[string]string{"target": outcome.Target, "status": status})
	}

	opts.say("Completed: %d succeeded, %d failed", batch.Succeeded, batch.Failed)
	opts.printJSON(map[string]interface{}{
		"total":     batch.Total,
		"succeeded": batch.Succeeded,
		"failed":    batch.Failed,
		"results":   results,
	})

	if batch.Failed > 0 || len(targets) < len(cfg.Targets) {
		return 1
	}
	return 0
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	targetFlag := fs.String("target", "", "ASN or AS-SET to show history for")
	limit := fs.Int("limit", 10, "Maximum number of snapshots to show")
	fs.Parse(args)

	cfg, _, err := setup(opts)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}

	target, err := model.NormalizeTarget(*targetFlag)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}

	store, err := snapstore.Open(cfg.Database.Path)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}
	defer store.Close()

	snapshots, err := store.GetSnapshotHistory(target, *limit)
	if err != nil {
		opts.fail("%v", err)
		return 1
	}

	if len(snapshots) == 0 {
		opts.say("No snapshots found for %s", target)
		opts.printJSON(map[string]interface{}{"target": target, "snapshots": []string{}})
		return 0
	}

	if opts.jsonOut {
		entries := make([]map[string]interface{}, 0, len(snapshots))
		for _, s := range snapshots {
			entries = append(entries, map[string]interface{}{
				"id":         s.ID,
				"timestamp":  time.Unix(s.ObservedAt, 0).Format(time.RFC3339),
				"ipv4_count": len(s.IPv4Prefixes),
				"ipv6_count": len(s.IPv6Prefixes),
				"hash":       s.ContentHash,
				"sources":    s.Sources,
			})
		}
		opts.printJSON(map[string]interface{}{"target": target, "snapshots": entries})
		return 0
	}

	fmt.Printf("Snapshot history for %s:\n", target)
	fmt.Println("--------------------------------------------------------------------------------")
	for _, s := range snapshots {
		fmt.Printf("  [%d] %s\n", s.ID, time.Unix(s.ObservedAt, 0).Format("2006-01-02 15:04:05"))
		fmt.Printf("       IPv4: %d | IPv6: %d\n", len(s.IPv4Prefixes), len(s.IPv6Prefixes))
		fmt.Printf("       Hash: %.12s... | Sources: %v\n\n", s.ContentHash, s.Sources)
	}
	return 0
}
