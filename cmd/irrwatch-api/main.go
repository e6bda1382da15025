// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

// irrwatch-api is the fetch-only HTTP wrapper around the IRR fetch
// strategies. It performs no snapshotting, diffing, or ticketing; the
// pipeline CLI can point at a deployed instance via api_url.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"irrwatch/pkg/config"
	"irrwatch/pkg/irr"
	"irrwatch/pkg/logger"
	"irrwatch/pkg/model"
	"irrwatch/pkg/util/workers"
)

const version = "1.0.0"

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("irrwatch-api version %s\n", version)
		return
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	log = logger.WithComponent(log, "api")

	srv := &server{
		fetcher: buildFetcher(cfg, log),
		source:  fetchSource(cfg),
		log:     log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/api/v1/fetch", srv.handleFetch)
	mux.HandleFunc("/api/v1/prefixes/", srv.handleGetPrefixes)

	log.Info().Str("addr", *addr).Msg("IRR prefix lookup API started")
	if err := http.ListenAndServe(*addr, srv.logRequests(mux)); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func buildFetcher(cfg config.Config, log zerolog.Logger) irr.Fetcher {
	if cfg.Fetch.Strategy == "bgpq4" {
		return irr.NewBgpq4Client(irr.Bgpq4Config{
			Command:   cfg.Bgpq4.Command,
			Source:    cfg.Bgpq4.Source,
			Aggregate: cfg.Bgpq4.Aggregate,
			Timeout:   time.Duration(cfg.Bgpq4.TimeoutSeconds) * time.Second,
		}, logger.WithComponent(log, "bgpq4"))
	}

	retry := workers.DefaultRetryConfig()
	if cfg.Fetch.MaxRetries > 0 {
		retry.MaxAttempts = cfg.Fetch.MaxRetries
	}

	return irr.NewClient(irr.ClientConfig{
		Sources:     cfg.IRRSources,
		RESTBaseURL: cfg.Fetch.RESTBaseURL,
		Timeout:     time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		Retry:       retry,
		RateLimit:   cfg.Fetch.RateLimit,
	}, logger.WithComponent(log, "irr"))
}

func fetchSource(cfg config.Config) string {
	if cfg.Fetch.Strategy == "bgpq4" {
		return cfg.Bgpq4.Source
	}
	return strings.Join(cfg.IRRSources, ",")
}

type server struct {
	fetcher irr.Fetcher
	source  string
	log     zerolog.Logger
}

type fetchRequest struct {
	Target string `json:"target"`
}

type prefixResponse struct {
	Target         string   `json:"target"`
	IPv4Prefixes   []string `json:"ipv4_prefixes"`
	IPv6Prefixes   []string `json:"ipv6_prefixes"`
	IPv4Count      int      `json:"ipv4_count"`
	IPv6Count      int      `json:"ipv6_count"`
	SourcesQueried []string `json:"sources_queried"`
	Errors         []string `json:"errors"`
	QueryTimeMS    int64    `json:"query_time_ms"`
}

type errorResponse struct {
	Error  string   `json:"error"`
	Detail string   `json:"detail"`
	Errors []string `json:"errors"`
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version,
		"source":  s.source,
	})
}

func (s *server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:  "invalid request",
			Detail: err.Error(),
		})
		return
	}

	s.fetchAndRespond(w, r, req.Target)
}

func (s *server) handleGetPrefixes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	target := strings.TrimPrefix(r.URL.Path, "/api/v1/prefixes/")
	s.fetchAndRespond(w, r, target)
}

func (s *server) fetchAndRespond(w http.ResponseWriter, r *http.Request, rawTarget string) {
	target, err := model.NormalizeTarget(rawTarget)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:  "invalid target",
			Detail: "target must be a valid ASN (e.g. AS15169) or AS-SET (e.g. AS-EXAMPLE)",
		})
		return
	}

	start := time.Now()
	result, err := s.fetcher.FetchPrefixes(r.Context(), target)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(err, model.ErrInvalidTarget) {
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
				Error:  "invalid target",
				Detail: err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:  "IRR query failed",
			Detail: err.Error(),
		})
		return
	}

	if result.Failed() {
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:  "IRR query failed",
			Detail: "No prefixes could be retrieved",
			Errors: result.Errors,
		})
		return
	}

	writeJSON(w, http.StatusOK, prefixResponse{
		Target:         target,
		IPv4Prefixes:   emptyIfNil(result.IPv4Prefixes),
		IPv6Prefixes:   emptyIfNil(result.IPv6Prefixes),
		IPv4Count:      len(result.IPv4Prefixes),
		IPv6Count:      len(result.IPv6Prefixes),
		SourcesQueried: emptyIfNil(result.SourcesQueried),
		Errors:         emptyIfNil(result.Errors),
		QueryTimeMS:    elapsed,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func emptyIfNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
