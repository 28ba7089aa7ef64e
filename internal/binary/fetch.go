package binary

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Fetcher downloads url into the file dest.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) error
}

// HTTPFetcher fetches over HTTP(S) with bounded retries on transport errors,
// 429 and 5xx responses.
type HTTPFetcher struct {
	client *retryablehttp.Client
}

// NewHTTPFetcher builds a fetcher; timeout bounds each attempt.
func NewHTTPFetcher(timeout time.Duration, retries int) *HTTPFetcher {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 10 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = leveledLogger{}
	return &HTTPFetcher{client: c}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url, dest string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename download: %w", err)
	}
	log.Debug().Str("url", url).Int64("bytes", n).Msg("download complete")
	return nil
}

// leveledLogger routes retryablehttp's messages into zerolog.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) { emit(log.Error(), msg, kv) }
func (leveledLogger) Warn(msg string, kv ...interface{})  { emit(log.Warn(), msg, kv) }
func (leveledLogger) Info(msg string, kv ...interface{})  { emit(log.Debug(), msg, kv) }
func (leveledLogger) Debug(msg string, kv ...interface{}) { emit(log.Trace(), msg, kv) }

func emit(ev *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}
