// Package github is a rate-limited accessor for the GitHub GraphQL and REST
// APIs. Failures of individual calls are soft: the typed methods return
// (nil, nil) after logging, and callers skip the item. Only context
// cancellation and request-building problems surface as errors.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/githubkpis/analyzer/internal/metrics"
)

const (
	defaultBaseURL = "https://api.github.com"
	defaultTimeout = 60 * time.Second
	// defaultAggressiveness front-loads quota spending: 1 spaces calls
	// evenly across the window, 2 spends twice as fast at the start.
	defaultAggressiveness = 2.0

	// Sanity window for quota headers; values outside are treated as a
	// quota protocol error and no delay is applied.
	maxSaneResetSeconds   = 3700
	maxSaneCallsRemaining = 20000

	headerRateLimit     = "x-ratelimit-limit"
	headerRateRemaining = "x-ratelimit-remaining"
	headerRateReset     = "x-ratelimit-reset"
)

// Config controls Client construction.
type Config struct {
	// Token is the GitHub personal access token. Required.
	Token string
	// BaseURL overrides the API host (tests).
	BaseURL string
	// Timeout is the fixed per-call timeout.
	Timeout time.Duration
	// Aggressiveness divides the planned inter-call interval.
	Aggressiveness float64
	// DisableSleep skips pacing sleeps entirely (tests only).
	DisableSleep bool
}

// Client executes GitHub calls sequentially, pacing them against the quota
// headers returned by the previous response. The pacing sleep is local to
// the goroutine issuing the call and never blocks unrelated work.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	token          string
	aggressiveness float64
	disableSleep   bool
	logger         *zap.Logger
	metrics        *metrics.Metrics

	// sleep is indirect so tests can observe pacing without waiting.
	sleep func(ctx context.Context, d time.Duration)
}

// NewClient constructs a Client. The logger may be nil.
func NewClient(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Aggressiveness <= 0 {
		cfg.Aggressiveness = defaultAggressiveness
	}
	return &Client{
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		token:          cfg.Token,
		aggressiveness: cfg.Aggressiveness,
		disableSleep:   cfg.DisableSleep,
		logger:         logger,
		metrics:        m,
		sleep:          sleepContext,
	}
}

// RepoFullNameToParts splits "owner/name" and errors on anything else.
func RepoFullNameToParts(repoFullName string) (owner, name string, err error) {
	tokens := strings.Split(repoFullName, "/")
	if len(tokens) != 2 || tokens[0] == "" || tokens[1] == "" {
		return "", "", fmt.Errorf("expected owner/name as repo full name, got %q", repoFullName)
	}
	return tokens[0], tokens[1], nil
}

/// GraphQL high-order operations

// RepoStarsCount resolves the stargazer total for one repository.
func (c *Client) RepoStarsCount(ctx context.Context, owner, name string) (*RepoStarsCount, error) {
	out := &RepoStarsCount{}
	ok, err := c.queryGraphQL(ctx, "RepoStarsCount", map[string]any{
		"owner": owner,
		"name":  name,
	}, out)
	if err != nil || !ok {
		return nil, err
	}
	return out, nil
}

// RepoStarrings fetches one page of a repository's stargazers, most recent
// first. An empty cursor starts from the first page.
func (c *Client) RepoStarrings(ctx context.Context, owner, name, cursorAfter string) (*RepoStarrings, error) {
	vars := map[string]any{
		"owner": owner,
		"name":  name,
	}
	if cursorAfter != "" {
		vars["after"] = cursorAfter
	}
	out := &RepoStarrings{}
	ok, err := c.queryGraphQL(ctx, "RepoStarrings", vars, out)
	if err != nil || !ok {
		return nil, err
	}
	return out, nil
}

// UserStarredRepos fetches one page of a single user's starred repositories.
func (c *Client) UserStarredRepos(ctx context.Context, login, cursorAfter string) (*UserStarredRepos, error) {
	vars := map[string]any{
		"login": login,
	}
	if cursorAfter != "" {
		vars["after"] = cursorAfter
	}
	out := &UserStarredRepos{}
	ok, err := c.queryGraphQL(ctx, "UserStarredRepos", vars, out)
	if err != nil || !ok {
		return nil, err
	}
	return out, nil
}

// UserListStarredRepos fetches the first starred-repo page for a batch of
// user ids in one call.
func (c *Client) UserListStarredRepos(ctx context.Context, userIDs []string) (*UserListStarredRepos, error) {
	out := &UserListStarredRepos{}
	ok, err := c.queryGraphQL(ctx, "UserListStarredRepos", map[string]any{
		"ids": userIDs,
	}, out)
	if err != nil || !ok {
		return nil, err
	}
	return out, nil
}

// RepoListDetails fetches extended metadata for a batch of repository ids.
func (c *Client) RepoListDetails(ctx context.Context, repoIDs []string) (*RepoListDetails, error) {
	out := &RepoListDetails{}
	ok, err := c.queryGraphQL(ctx, "RepoListDetails", map[string]any{
		"ids": repoIDs,
	}, out)
	if err != nil || !ok {
		return nil, err
	}
	return out, nil
}

/// Low-level calls

type graphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// queryGraphQL POSTs one operation and decodes data into out. It returns
// (false, nil) on any soft failure: non-200 status, network error, GraphQL
// errors payload, or missing data.
func (c *Client) queryGraphQL(ctx context.Context, operationName string, variables map[string]any, out any) (bool, error) {
	reqBody := graphQLRequest{
		Query:         queryDocument,
		OperationName: operationName,
		Variables:     variables,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return false, fmt.Errorf("marshal graphql request: %w", err)
	}

	body, ok, err := c.do(ctx, http.MethodPost, "/graphql", payload, "application/json")
	if err != nil || !ok {
		return false, err
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.metrics.APICall("graphql_error")
		c.logger.Error("graphql response is not JSON",
			zap.String("operation", operationName), zap.Error(err))
		return false, nil
	}
	hasErrors := len(envelope.Errors) > 0 && string(envelope.Errors) != "null"
	missesData := len(envelope.Data) == 0 || string(envelope.Data) == "null"
	if hasErrors || missesData {
		c.metrics.APICall("graphql_error")
		c.logger.Error("graphql query failed",
			zap.String("operation", operationName),
			zap.Any("variables", variables),
			zap.ByteString("errors", envelope.Errors))
		return false, nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		c.metrics.APICall("graphql_error")
		c.logger.Error("graphql data decode failed",
			zap.String("operation", operationName), zap.Error(err))
		return false, nil
	}
	c.metrics.APICall("ok")
	return true, nil
}

// GetREST performs an authenticated REST GET and decodes the JSON body into
// out. Soft-failure semantics match queryGraphQL.
func (c *Client) GetREST(ctx context.Context, path string, out any) (bool, error) {
	body, ok, err := c.do(ctx, http.MethodGet, path, nil, "application/vnd.github.v3+json")
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Error("rest response decode failed", zap.String("path", path), zap.Error(err))
		return false, nil
	}
	c.metrics.APICall("ok")
	return true, nil
}

// do executes one HTTP call, classifies failures, and applies quota pacing
// before returning. The returned bool is false for soft failures.
func (c *Client) do(ctx context.Context, method, path string, payload []byte, accept string) ([]byte, bool, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", accept)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}

	fetchStart := time.Now()
	resp, err := c.httpClient.Do(req)
	fetchElapsed := time.Since(fetchStart)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		c.metrics.APICall("error")
		c.logger.Error("github call failed",
			zap.String("path", path), zap.Duration("elapsed", fetchElapsed), zap.Error(err))
		return nil, false, nil
	}
	defer resp.Body.Close() //nolint:errcheck

	body, readErr := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.classifyHTTPFailure(path, resp.StatusCode, body, fetchElapsed)
		c.paceAgainstQuota(ctx, resp.Header, path, fetchElapsed)
		return nil, false, nil
	}
	if readErr != nil {
		c.metrics.APICall("error")
		c.logger.Error("github response read failed", zap.String("path", path), zap.Error(readErr))
		return nil, false, nil
	}

	c.paceAgainstQuota(ctx, resp.Header, path, fetchElapsed)
	return body, true, nil
}

// classifyHTTPFailure logs a non-200 status per the error taxonomy:
// 401 means broken credentials, 404/451 are valid empty results, everything
// else is a transient API error.
func (c *Client) classifyHTTPFailure(path string, status int, body []byte, elapsed time.Duration) {
	switch status {
	case http.StatusUnauthorized:
		c.metrics.APICall("unauthorized")
		c.logger.Error("github rejected credentials; check the personal access token",
			zap.String("path", path), zap.Int("status", status))
	case http.StatusNotFound:
		c.metrics.APICall("empty")
		c.logger.Info("github resource not found (anymore)",
			zap.String("path", path), zap.Int("status", status))
	case http.StatusUnavailableForLegalReasons:
		c.metrics.APICall("empty")
		c.logger.Info("github resource access blocked (dmca?)",
			zap.String("path", path), zap.Int("status", status))
	default:
		c.metrics.APICall("error")
		c.logger.Error("github call returned non-200",
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.ByteString("body", truncate(body, 512)))
	}
}

// paceAgainstQuota reads the x-ratelimit-* headers and sleeps long enough to
// spread the remaining calls over the remaining window.
func (c *Client) paceAgainstQuota(ctx context.Context, headers http.Header, path string, fetchElapsed time.Duration) {
	limit := headers.Get(headerRateLimit)
	remaining := headers.Get(headerRateRemaining)
	reset := headers.Get(headerRateReset)
	if limit == "" || remaining == "" || reset == "" {
		c.logger.Warn("no rate limiter headers on response; proceeding without delay",
			zap.String("path", path))
		return
	}

	resetTs, errReset := strconv.ParseInt(reset, 10, 64)
	callsRemaining, errRemaining := strconv.ParseInt(remaining, 10, 64)
	if errReset != nil || errRemaining != nil {
		c.logger.Error("unparsable rate limiter headers",
			zap.String("path", path),
			zap.String("remaining", remaining),
			zap.String("reset", reset))
		return
	}

	// The +10s guards against clock skew between us and GitHub.
	secondsRemaining := resetTs - time.Now().Unix() + 10
	if secondsRemaining <= 0 || callsRemaining < 0 ||
		secondsRemaining > maxSaneResetSeconds || callsRemaining > maxSaneCallsRemaining {
		c.logger.Error("rate limiter headers out of sane range",
			zap.String("path", path),
			zap.Int64("calls_remaining", callsRemaining),
			zap.Int64("seconds_remaining", secondsRemaining))
		return
	}

	delay := pacingDelay(secondsRemaining, callsRemaining, fetchElapsed, c.aggressiveness)
	if delay <= 0 {
		return
	}
	if c.disableSleep {
		c.logger.Debug("skipping pacing sleep",
			zap.Duration("delay", delay),
			zap.Int64("calls_remaining", callsRemaining),
			zap.Int64("seconds_remaining", secondsRemaining))
		return
	}
	c.metrics.APISleep(delay.Seconds())
	c.logger.Debug("pacing sleep",
		zap.Duration("delay", delay),
		zap.Int64("calls_remaining", callsRemaining),
		zap.Int64("seconds_remaining", secondsRemaining))
	c.sleep(ctx, delay)
}

// pacingDelay computes how long to sleep after a call that took
// fetchElapsed, given the quota window communicated by the server. With
// calls left, the planned interval is the even spread divided by
// aggressiveness, minus the time the call itself already consumed. With no
// calls left, the whole window (plus a second) must pass.
func pacingDelay(secondsRemaining, callsRemaining int64, fetchElapsed time.Duration, aggressiveness float64) time.Duration {
	if callsRemaining > 0 {
		plannedMs := 1000 * float64(secondsRemaining) / float64(callsRemaining) / aggressiveness
		delay := time.Duration(plannedMs)*time.Millisecond - fetchElapsed
		if delay < 0 {
			return 0
		}
		return delay
	}
	return time.Duration(secondsRemaining+1) * time.Second
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
