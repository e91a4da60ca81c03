// Command fhir-graph resolves a FHIR GraphDefinition against a live
// server and writes the collected resources to stdout, one bundle or
// NDJSON stream per start id.
//
// Configuration is taken from the environment:
//
//	FHIR_BASE_URL        server base URL including version segment (required)
//	GRAPH_DEFINITION     path to a GraphDefinition JSON file (required)
//	START_IDS            comma-separated start resource ids (required)
//	FHIR_TOKEN           static bearer token
//	FHIR_TOKEN_URL       OAuth2 token endpoint for client credentials
//	FHIR_WELL_KNOWN_URL  OpenID discovery document, overrides FHIR_TOKEN_URL
//	FHIR_CLIENT_ID       OAuth2 client id
//	FHIR_CLIENT_SECRET   OAuth2 client secret
//	FHIR_SCOPES          space-separated OAuth2 scopes
//	REDIS_URL            Redis address, enables the shared response cache
//	OUTPUT               bundle or ndjson (default bundle)
//	CONTAINED            nest children inside the start resource (default false)
//	IF_MODIFIED_SINCE    RFC3339 lower bound for reverse searches
//	CONCURRENCY          parallel branch fetches (default 10)
//	PAGE_SIZE            search page size (default 100)
//	RATE_LIMIT           requests per second, 0 disables (default 10)
//	LOG_LEVEL            debug, info, warn, or error (default info)
//	LOG_PRETTY           console-format logs (default false)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinsight/fhir-graph-client/pkg/auth"
	"github.com/clinsight/fhir-graph-client/pkg/cache"
	"github.com/clinsight/fhir-graph-client/pkg/client"
	"github.com/clinsight/fhir-graph-client/pkg/fhir"
	"github.com/clinsight/fhir-graph-client/pkg/graph"
	"github.com/clinsight/fhir-graph-client/pkg/logging"
	"github.com/clinsight/fhir-graph-client/pkg/pagination"
	"github.com/clinsight/fhir-graph-client/pkg/ratelimit"
	"github.com/clinsight/fhir-graph-client/pkg/result"
)

func main() {
	logging.Setup(logging.FromEnv())
	logger := logging.NewLogger("fhir-graph")

	baseURL := getEnv("FHIR_BASE_URL", "")
	definitionPath := getEnv("GRAPH_DEFINITION", "")
	startIDs := splitIDs(getEnv("START_IDS", ""))
	if baseURL == "" || definitionPath == "" || len(startIDs) == 0 {
		logger.Fatal().Msg("FHIR_BASE_URL, GRAPH_DEFINITION, and START_IDS are required")
	}

	output := getEnv("OUTPUT", "bundle")
	if output != "bundle" && output != "ndjson" {
		logger.Fatal().Str("output", output).Msg("OUTPUT must be bundle or ndjson")
	}

	raw, err := os.ReadFile(definitionPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", definitionPath).Msg("Failed to read graph definition")
	}
	definition, err := fhir.ParseGraphDefinition(raw)
	if err != nil {
		logger.Fatal().Err(err).Str("path", definitionPath).Msg("Failed to parse graph definition")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	concurrency := getEnvInt("CONCURRENCY", 10)
	pageSize := getEnvInt("PAGE_SIZE", 100)

	cfg := client.DefaultConfig(baseURL)
	cfg.Limiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: getEnvFloat("RATE_LIMIT", 10),
	})
	cfg.Tokens = tokenSource(logger)

	if redisURL := getEnv("REDIS_URL", ""); redisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisURL})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("redis_url", redisURL).Msg("Failed to connect to Redis")
		}
		cfg.Cache = cache.NewSharedCache(redisClient)
		logger.Info().Str("redis_url", redisURL).Msg("Shared response cache enabled")
	}

	fhirClient, err := client.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create FHIR client")
	}
	defer fhirClient.Close()

	fetcher := pagination.NewFetcher(fhirClient, pagination.Config{
		MaxConcurrency: concurrency,
		PageSize:       pageSize,
	})

	graphCfg := graph.Config{
		Concurrency: concurrency,
		RequestSize: pageSize,
		Contained:   getEnvBool("CONTAINED", false),
		SortResults: true,
	}
	if since := getEnv("IF_MODIFIED_SINCE", ""); since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			logger.Fatal().Err(err).Str("value", since).Msg("IF_MODIFIED_SINCE must be RFC3339")
		}
		graphCfg.IfModifiedSince = parsed
	}

	resolver, err := graph.New(fhirClient, fetcher, graphCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create graph resolver")
	}

	failed := 0
	for _, id := range startIDs {
		start := time.Now()
		res, err := resolver.Resolve(ctx, definition, id)
		if err != nil {
			logger.Error().Err(err).Str("start_id", id).Msg("Resolve failed")
			failed++
			continue
		}

		if err := write(output, res); err != nil {
			logger.Error().Err(err).Str("start_id", id).Msg("Failed to write result")
			failed++
			continue
		}

		logger.Info().
			Str("start_id", id).
			Int("resources", res.Len()).
			Int("errors", len(res.Errors())).
			Dur("duration", time.Since(start)).
			Msg("Resolve complete")
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// write renders one resolved result to stdout.
func write(output string, res result.Result) error {
	if output == "ndjson" {
		return res.WriteNDJSON(os.Stdout)
	}
	encoded, err := json.MarshalIndent(res.Bundle("collection"), "", "  ")
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	_, err = fmt.Fprintln(os.Stdout, string(encoded))
	return err
}

// tokenSource builds the configured token source. Returns nil when no
// credentials are set, which sends anonymous requests.
func tokenSource(logger zerolog.Logger) auth.TokenSource {
	if token := getEnv("FHIR_TOKEN", ""); token != "" {
		return auth.NewStaticTokenSource(token)
	}

	tokenURL := getEnv("FHIR_TOKEN_URL", "")
	wellKnownURL := getEnv("FHIR_WELL_KNOWN_URL", "")
	if tokenURL == "" && wellKnownURL == "" {
		return nil
	}

	creds, err := auth.NewClientCredentials(auth.ClientCredentialsConfig{
		TokenURL:     tokenURL,
		WellKnownURL: wellKnownURL,
		ClientID:     getEnv("FHIR_CLIENT_ID", ""),
		ClientSecret: getEnv("FHIR_CLIENT_SECRET", ""),
		Scopes:       strings.Fields(getEnv("FHIR_SCOPES", "")),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure client credentials")
	}
	tokens, err := auth.NewCachedTokenSource(creds.Fetch)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create token source")
	}
	return tokens
}

func splitIDs(value string) []string {
	var ids []string
	for _, id := range strings.Split(value, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
