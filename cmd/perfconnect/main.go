package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sethvargo/go-retry"

	"github.com/ent0n29/companion-voice/internal/reliability"
)

type options struct {
	baseURL       string
	personalityID string
	rounds        int
	hold          time.Duration
	pause         time.Duration
	timeout       time.Duration
	retries       int
	verbose       bool
}

type connectRequest struct {
	PersonalityID string `json:"personality_id"`
}

type statusResponse struct {
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

type stageStats struct {
	Stage string  `json:"stage"`
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
}

type stageSnapshot struct {
	Stages []stageStats `json:"stages"`
}

type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.status, e.code, e.message)
}

func isRetryable(err error) bool {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return false
	}
	return reliability.IsRetryableConnectStatus(apiErr.status, apiErr.code)
}

type roundResult struct {
	sessionID string
	latency   time.Duration
}

func main() {
	var cfg options
	cmd := kingpin.New("perfconnect", "Drive repeated connect/cleanup rounds against a running voiceclient serve.")
	cmd.Flag("base-url", "voiceclient control API base URL.").Default("http://127.0.0.1:8787").StringVar(&cfg.baseURL)
	cmd.Flag("personality", "Personality id used for every round.").Default("default").StringVar(&cfg.personalityID)
	cmd.Flag("rounds", "Number of connect/cleanup rounds.").Default("10").IntVar(&cfg.rounds)
	cmd.Flag("hold", "How long each conversation stays open.").Default("2s").DurationVar(&cfg.hold)
	cmd.Flag("pause", "Delay between rounds.").Default("250ms").DurationVar(&cfg.pause)
	cmd.Flag("timeout", "Per-request timeout.").Default("30s").DurationVar(&cfg.timeout)
	cmd.Flag("retries", "Connect attempts per round when the client is busy or upstream is unavailable.").Default("3").IntVar(&cfg.retries)
	cmd.Flag("verbose", "Print per-round progress.").Default("true").BoolVar(&cfg.verbose)
	kingpin.MustParse(cmd.Parse(os.Args[1:]))

	if err := validate(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfconnect: %v\n", err)
		os.Exit(2)
	}
	if err := run(context.Background(), cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "perfconnect: %v\n", err)
		os.Exit(1)
	}
}

func validate(cfg *options) error {
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return fmt.Errorf("base-url is required")
	}
	if cfg.rounds <= 0 {
		return fmt.Errorf("rounds must be > 0")
	}
	if strings.TrimSpace(cfg.personalityID) == "" {
		return fmt.Errorf("personality is required")
	}
	if cfg.hold < 0 {
		cfg.hold = 0
	}
	if cfg.pause < 0 {
		cfg.pause = 0
	}
	if cfg.retries <= 0 {
		cfg.retries = 1
	}
	if cfg.timeout < time.Second {
		cfg.timeout = time.Second
	}
	return nil
}

func run(ctx context.Context, cfg options, out io.Writer) error {
	client := &http.Client{Timeout: cfg.timeout}

	// A conversation left open by an earlier run would make every round busy.
	if _, err := postStatus(ctx, client, cfg.baseURL+"/v1/voice/cleanup", nil); err != nil {
		return fmt.Errorf("initial cleanup: %w", err)
	}

	results := make([]roundResult, 0, cfg.rounds)
	for i := 0; i < cfg.rounds; i++ {
		res, err := runRound(ctx, client, cfg)
		if err != nil {
			return fmt.Errorf("round %d: %w", i+1, err)
		}
		results = append(results, res)
		if cfg.verbose {
			fmt.Fprintf(out, "perfconnect: round %d/%d session=%s connect=%s\n", i+1, cfg.rounds, res.sessionID, res.latency.Round(time.Millisecond))
		}
		if cfg.pause > 0 && i < cfg.rounds-1 {
			time.Sleep(cfg.pause)
		}
	}

	snapshot, err := fetchStages(ctx, client, cfg.baseURL)
	if err != nil {
		return fmt.Errorf("fetch stage percentiles: %w", err)
	}
	printSummary(out, results, snapshot)
	return nil
}

func runRound(ctx context.Context, client *http.Client, cfg options) (roundResult, error) {
	body, err := json.Marshal(connectRequest{PersonalityID: cfg.personalityID})
	if err != nil {
		return roundResult{}, err
	}

	var (
		status  statusResponse
		latency time.Duration
	)
	err = retry.Do(ctx, reliability.ConnectBackoff(cfg.retries), func(ctx context.Context) error {
		started := time.Now()
		var err error
		status, err = postStatus(ctx, client, cfg.baseURL+"/v1/voice/connect", body)
		latency = time.Since(started)
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		// Release whatever the failed attempt left behind before reporting.
		_, _ = postStatus(ctx, client, cfg.baseURL+"/v1/voice/cleanup", nil)
		return roundResult{}, fmt.Errorf("connect: %w", err)
	}

	if cfg.hold > 0 {
		time.Sleep(cfg.hold)
	}
	if _, err := postStatus(ctx, client, cfg.baseURL+"/v1/voice/cleanup", nil); err != nil {
		return roundResult{}, fmt.Errorf("cleanup: %w", err)
	}
	return roundResult{sessionID: status.SessionID, latency: latency}, nil
}

func postStatus(ctx context.Context, client *http.Client, url string, payload []byte) (statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return statusResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return statusResponse{}, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return statusResponse{}, err
	}

	var out statusResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return statusResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	if res.StatusCode != http.StatusOK {
		return out, &apiError{status: res.StatusCode, code: out.Code, message: out.Error}
	}
	return out, nil
}

func fetchStages(ctx context.Context, client *http.Client, baseURL string) (stageSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/connect", nil)
	if err != nil {
		return stageSnapshot{}, err
	}
	res, err := client.Do(req)
	if err != nil {
		return stageSnapshot{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return stageSnapshot{}, fmt.Errorf("HTTP %d", res.StatusCode)
	}
	var out stageSnapshot
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return stageSnapshot{}, err
	}
	return out, nil
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printSummary(out io.Writer, results []roundResult, snapshot stageSnapshot) {
	latencies := make([]time.Duration, 0, len(results))
	for _, r := range results {
		latencies = append(latencies, r.latency)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Fprintf(out, "perfconnect: rounds=%d client_p50=%s client_p95=%s\n",
		len(results),
		percentile(latencies, 0.50).Round(time.Millisecond),
		percentile(latencies, 0.95).Round(time.Millisecond))
	for _, st := range snapshot.Stages {
		fmt.Fprintf(out, "perfconnect: stage=%s p50=%.1fms p95=%.1fms\n", st.Stage, st.P50MS, st.P95MS)
	}
}
