// Package github talks to the GitHub REST API on behalf of the runner
// lifecycle: it fetches registration tokens, waits for a labelled runner
// to come online and removes it again on teardown.
//
// Both repository URLs (https://github.com/org/repo) and organization URLs
// (https://github.com/org) are supported.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// DefaultAPIURL is the public GitHub API endpoint.
const DefaultAPIURL = "https://api.github.com"

// ErrRunnerNotFound is returned when no runner carries the requested label.
var ErrRunnerNotFound = errors.New("runner not found")

// Config holds the GitHub client settings.
type Config struct {
	// URL is the repository or organization URL the runner registers
	// against (required).
	URL string

	// APIURL is the REST API base.  Default: DefaultAPIURL.
	APIURL string

	// Token is a token allowed to administer self-hosted runners (required).
	Token string

	// RetryMax is the number of HTTP retries on 5xx / connection errors.
	// Default: 3.
	RetryMax int
}

// Runner is a self-hosted runner as reported by the API.
type Runner struct {
	ID     int64   `json:"id"`
	Name   string  `json:"name"`
	Status string  `json:"status"`
	Busy   bool    `json:"busy"`
	Labels []Label `json:"labels"`
}

// Label is a runner label.
type Label struct {
	Name string `json:"name"`
}

// HasLabel reports whether the runner carries label.
func (r Runner) HasLabel(label string) bool {
	return slices.ContainsFunc(r.Labels, func(l Label) bool { return l.Name == label })
}

// Client is a minimal GitHub Actions runners API client.
type Client struct {
	http   *retryablehttp.Client
	base   string // API URL including /repos/{owner}/{repo} or /orgs/{org}
	token  string
	logger *slog.Logger
}

// New creates a Client for the repository or organization in cfg.URL.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("github token is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	scope, err := scopePath(cfg.URL)
	if err != nil {
		return nil, err
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.RetryMax
	hc.RetryWaitMin = 500 * time.Millisecond
	hc.RetryWaitMax = 5 * time.Second
	hc.Logger = logger

	return &Client{
		http:   hc,
		base:   strings.TrimSuffix(cfg.APIURL, "/") + scope,
		token:  cfg.Token,
		logger: logger,
	}, nil
}

// scopePath maps https://github.com/org/repo to /repos/org/repo and
// https://github.com/org to /orgs/org.
func scopePath(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing github url %q: %w", raw, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return "/orgs/" + parts[0], nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return "/repos/" + parts[0] + "/" + parts[1], nil
	default:
		return "", fmt.Errorf("github url %q must point at an organization or repository", raw)
	}
}

// RegistrationToken requests a fresh runner registration token.
func (c *Client) RegistrationToken(ctx context.Context) (string, error) {
	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.do(ctx, http.MethodPost, "/actions/runners/registration-token", &out); err != nil {
		return "", fmt.Errorf("requesting registration token: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("requesting registration token: empty token in response")
	}

	c.logger.Info("registration token obtained", slog.Time("expires_at", out.ExpiresAt))
	return out.Token, nil
}

// RunnerByLabel returns the first runner carrying label.
func (c *Client) RunnerByLabel(ctx context.Context, label string) (*Runner, error) {
	for page := 1; ; page++ {
		var out struct {
			TotalCount int      `json:"total_count"`
			Runners    []Runner `json:"runners"`
		}
		path := fmt.Sprintf("/actions/runners?per_page=100&page=%d", page)
		if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
			return nil, fmt.Errorf("listing runners: %w", err)
		}
		for _, r := range out.Runners {
			if r.HasLabel(label) {
				return &r, nil
			}
		}
		if len(out.Runners) < 100 {
			return nil, fmt.Errorf("label %q: %w", label, ErrRunnerNotFound)
		}
	}
}

// WaitOnline polls until the runner with label reports status "online"
// or timeout elapses.
func (c *Client) WaitOnline(ctx context.Context, label string, interval, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("waiting for runner to come online",
		slog.String("label", label),
		slog.Duration("timeout", timeout),
	)

	for {
		r, err := c.RunnerByLabel(ctx, label)
		switch {
		case err == nil && r.Status == "online":
			c.logger.Info("runner online",
				slog.String("label", label),
				slog.String("name", r.Name),
				slog.Int64("id", r.ID),
			)
			return nil
		case err != nil && !errors.Is(err, ErrRunnerNotFound):
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("runner %q did not come online within %s: %w", label, timeout, ctx.Err())
		case <-ticker.C:
			c.logger.Debug("runner not online yet", slog.String("label", label))
		}
	}
}

// RemoveRunner deregisters the runner with label.  A runner that is
// already gone is not an error.
func (c *Client) RemoveRunner(ctx context.Context, label string) error {
	r, err := c.RunnerByLabel(ctx, label)
	if errors.Is(err, ErrRunnerNotFound) {
		c.logger.Info("runner already removed", slog.String("label", label))
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/actions/runners/%d", r.ID), nil); err != nil {
		return fmt.Errorf("removing runner %s (%d): %w", r.Name, r.ID, err)
	}

	c.logger.Info("runner removed",
		slog.String("label", label),
		slog.String("name", r.Name),
		slog.Int64("id", r.ID),
	)
	return nil
}

// do performs an API request and decodes the JSON response into out when
// out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}
