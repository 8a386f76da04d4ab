package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperjump/tagger/internal/metrics"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// ErrNoURL is returned for a task with no download URL whose destination does not exist.
var ErrNoURL = errors.New("record has no download url")

// FetchErrorKind classifies why a fetch failed.
type FetchErrorKind int

const (
	TransientNetwork FetchErrorKind = iota
	RateLimited
	NotFound
	ServerError
	ClientError
)

func (k FetchErrorKind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case NotFound:
		return "not_found"
	case ServerError:
		return "server_error"
	case ClientError:
		return "client_error"
	default:
		return "transient_network"
	}
}

// FetchError is a failed image fetch. Only RateLimited is retried.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func classifyStatus(code int) FetchErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return RateLimited
	case code == http.StatusNotFound || code == http.StatusGone:
		return NotFound
	case code >= 500:
		return ServerError
	default:
		return ClientError
	}
}

func isRateLimited(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == RateLimited
}

// Outcome is the result of one task.
type Outcome int

const (
	Failed Outcome = iota
	// Downloaded means bytes were fetched and written.
	Downloaded
	// Skipped means the destination already existed.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Downloaded:
		return "downloaded"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Succeeded reports whether the destination file exists after the task.
func (o Outcome) Succeeded() bool {
	return o == Downloaded || o == Skipped
}

// fetcher belongs to exactly one worker; its client and transport are never shared.
type fetcher struct {
	client     *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
}

func newFetcher(timeout time.Duration, userAgent string, maxRetries int, baseDelay time.Duration, logger *zap.Logger) *fetcher {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &fetcher{
		client:     &http.Client{Transport: transport, Timeout: timeout},
		userAgent:  userAgent,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger,
	}
}

func (f *fetcher) close() {
	f.client.CloseIdleConnections()
}

// download materializes one task. Errors never escape as panics; the caller only counts them.
func (f *fetcher) download(ctx context.Context, task Task) (Outcome, error) {
	if !task.Overwrite {
		if _, err := os.Stat(task.DestinationPath); err == nil {
			return Skipped, nil
		}
	}
	if task.URL == "" {
		return Failed, ErrNoURL
	}

	var outcome Outcome
	backoff := fullJitter(f.baseDelay, f.maxRetries, nil, func(d time.Duration) {
		metrics.DownloadRetriesTotal.Inc()
		f.logger.Debug("rate limited, backing off", zap.String("url", task.URL), zap.Duration("sleep", d))
	})
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		o, err := f.fetchOnce(ctx, task)
		if err != nil {
			if isRateLimited(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		outcome = o
		return nil
	})
	if err != nil {
		return Failed, err
	}
	return outcome, nil
}

func (f *fetcher) fetchOnce(ctx context.Context, task Task) (Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return Failed, &FetchError{Kind: ClientError, URL: task.URL, Err: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Failed, &FetchError{Kind: TransientNetwork, URL: task.URL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Failed, &FetchError{Kind: classifyStatus(resp.StatusCode), URL: task.URL, StatusCode: resp.StatusCode}
	}
	created, err := writeFile(task.DestinationPath, resp.Body, task.Overwrite)
	if err != nil {
		return Failed, err
	}
	if !created {
		return Skipped, nil
	}
	return Downloaded, nil
}

// writeFile streams body to path. Without overwrite the file is created exclusively; losing
// that race to another writer reports created=false and no error. A missing parent directory
// is created and the open retried once. A partial file is removed on copy failure.
func writeFile(path string, body io.Reader, overwrite bool) (created bool, err error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	out, err := os.OpenFile(path, flags, 0644)
	if errors.Is(err, fs.ErrNotExist) {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0755); mkErr != nil && !errors.Is(mkErr, fs.ErrExist) {
			return false, fmt.Errorf("create directory: %w", mkErr)
		}
		out, err = os.OpenFile(path, flags, 0644)
	}
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	_, copyErr := io.Copy(out, body)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if copyErr != nil {
			return false, fmt.Errorf("write %s: %w", path, copyErr)
		}
		return false, fmt.Errorf("close %s: %w", path, closeErr)
	}
	return true, nil
}
