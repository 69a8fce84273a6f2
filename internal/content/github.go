package content

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bassista/gitrecords/internal/logger"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/go-github/v71/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// GitHubOptions configures a GitHubClient.
type GitHubOptions struct {
	Owner  string
	Repo   string
	Branch string
	Token  string
	// BaseURL points at a GitHub Enterprise API root, e.g. https://ghe.example.com/api/v3/.
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	// ReadRetries is the number of extra attempts for list/get on transient failures.
	ReadRetries int
	// RetryInterval is the initial backoff between read attempts.
	RetryInterval time.Duration
	// HTTPClient replaces the oauth2 client; mostly useful in tests.
	HTTPClient *http.Client
}

// GitHubClient implements Client on top of the repository contents API.
// Reads are retried with exponential backoff on transient failures; writes
// are issued exactly once and their outcome is returned to the caller.
type GitHubClient struct {
	gh            *github.Client
	owner         string
	repo          string
	branch        string
	limiter       *rate.Limiter
	readRetries   int
	retryInterval time.Duration
}

var _ Client = (*GitHubClient)(nil)

func NewGitHubClient(opts GitHubOptions) (*GitHubClient, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, errors.New("github owner and repo are required")
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 250 * time.Millisecond
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		if opts.Token != "" {
			ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
			httpClient = oauth2.NewClient(context.Background(), ts)
		} else {
			httpClient = &http.Client{}
		}
		httpClient.Timeout = opts.Timeout
	}

	gh := github.NewClient(httpClient)
	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		gh.BaseURL = u
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &GitHubClient{
		gh:            gh,
		owner:         opts.Owner,
		repo:          opts.Repo,
		branch:        opts.Branch,
		limiter:       rate.NewLimiter(limit, burst),
		readRetries:   opts.ReadRetries,
		retryInterval: opts.RetryInterval,
	}, nil
}

func (c *GitHubClient) ListDirectory(ctx context.Context, path string) ([]Entry, error) {
	return retryRead(ctx, c, "list "+path, func() ([]Entry, error) {
		file, dir, resp, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, path, c.getOptions())
		if err != nil {
			if statusOf(resp) == http.StatusNotFound {
				return []Entry{}, nil
			}
			return nil, classify(resp, err, "list "+path)
		}
		if file != nil {
			return []Entry{entryFromContent(file)}, nil
		}
		entries := make([]Entry, 0, len(dir))
		for _, item := range dir {
			entries = append(entries, entryFromContent(item))
		}
		return entries, nil
	})
}

type fileBody struct {
	data []byte
	hash string
}

func (c *GitHubClient) GetFile(ctx context.Context, path string) ([]byte, string, error) {
	body, err := retryRead(ctx, c, "get "+path, func() (fileBody, error) {
		file, _, resp, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, path, c.getOptions())
		if err != nil {
			return fileBody{}, classify(resp, err, "get "+path)
		}
		if file == nil {
			return fileBody{}, backoff.Permanent(fmt.Errorf("get %s: is a directory: %w", path, ErrInvalidPath))
		}
		decoded, err := file.GetContent()
		if err != nil {
			return fileBody{}, backoff.Permanent(fmt.Errorf("decode %s: %w", path, err))
		}
		return fileBody{data: []byte(decoded), hash: file.GetSHA()}, nil
	})
	if err != nil {
		return nil, "", err
	}
	return body.data, body.hash, nil
}

func (c *GitHubClient) PutFile(ctx context.Context, path string, data []byte, message, expectedHash string) (WriteResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return WriteResult{}, err
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(message),
		Content: data,
		Branch:  github.Ptr(c.branch),
	}

	var (
		res  *github.RepositoryContentResponse
		resp *github.Response
		err  error
	)
	if expectedHash != "" {
		opts.SHA = github.Ptr(expectedHash)
		res, resp, err = c.gh.Repositories.UpdateFile(ctx, c.owner, c.repo, path, opts)
	} else {
		res, resp, err = c.gh.Repositories.CreateFile(ctx, c.owner, c.repo, path, opts)
	}
	if err != nil {
		return WriteResult{}, writeError(resp, err, "put "+path)
	}

	result := WriteResult{Path: path, CommitSHA: res.Commit.GetSHA()}
	if res.Content != nil {
		result.Hash = res.Content.GetSHA()
	}
	logger.WithComponent("content-github").Debugf("put %s -> %s (commit %s)", path, result.Hash, result.CommitSHA)
	return result, nil
}

func (c *GitHubClient) DeleteFile(ctx context.Context, path, hash, message string) (WriteResult, error) {
	if hash == "" {
		return WriteResult{}, fmt.Errorf("delete %s: content hash is required: %w", path, ErrInvalidPath)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return WriteResult{}, err
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(message),
		SHA:     github.Ptr(hash),
		Branch:  github.Ptr(c.branch),
	}
	res, resp, err := c.gh.Repositories.DeleteFile(ctx, c.owner, c.repo, path, opts)
	if err != nil {
		return WriteResult{}, writeError(resp, err, "delete "+path)
	}

	result := WriteResult{Path: path}
	if res != nil {
		result.CommitSHA = res.Commit.GetSHA()
	}
	logger.WithComponent("content-github").Debugf("deleted %s (commit %s)", path, result.CommitSHA)
	return result, nil
}

func (c *GitHubClient) getOptions() *github.RepositoryContentGetOptions {
	return &github.RepositoryContentGetOptions{Ref: c.branch}
}

// retryRead runs an idempotent read with rate limiting and exponential backoff.
// Only ErrUnavailable-class failures are retried.
func retryRead[T any](ctx context.Context, c *GitHubClient, op string, fn func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = 5 * time.Second

	attempt := func() (T, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			var zero T
			return zero, backoff.Permanent(err)
		}
		res, err := fn()
		if err != nil && !IsUnavailable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.readRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.WithComponent("content-github").Warnf("%s failed, retrying in %v: %v", op, wait, err)
		}),
	)
}

// classify maps a failed read onto the error taxonomy.
func classify(resp *github.Response, err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
	}
	switch status := statusOf(resp); {
	case status == 0, status >= 500:
		return fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// writeError maps a failed put/delete onto the error taxonomy. The contents API
// answers 409 for a stale sha and 422 when a create targets an existing file.
func writeError(resp *github.Response, err error, op string) error {
	switch statusOf(resp) {
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return classify(resp, err, op)
}

func statusOf(resp *github.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}

func entryFromContent(rc *github.RepositoryContent) Entry {
	return Entry{
		Name: rc.GetName(),
		Path: rc.GetPath(),
		Type: rc.GetType(),
		Hash: rc.GetSHA(),
	}
}
