// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/poiesic/shopcache/core"
	"github.com/poiesic/shopcache/source"
	"golang.org/x/time/rate"
)

// QueryPlaceholder is replaced with the escaped query in Config.URL.
const QueryPlaceholder = "{query}"

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 500 * time.Millisecond

	maxLineSize  = 1 << 20
	maxImageSize = 10 << 20
)

var (
	// ErrNameRequired is returned when a feed has no source name.
	ErrNameRequired = errors.New("source name required")

	// ErrInvalidURL is returned when a feed URL is missing or lacks the query placeholder.
	ErrInvalidURL = errors.New("feed url must be absolute and contain " + QueryPlaceholder)
)

// Config describes one feed endpoint.
type Config struct {
	Name        core.Source
	URL         string
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	// Rate is the number of requests per second allowed to the endpoint; zero disables limiting.
	Rate  float64
	Burst int
	// ImageDir is the image root; empty disables image download.
	ImageDir string
}

// Feed is a source.Source backed by an NDJSON endpoint.
type Feed struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ source.Source = (*Feed)(nil)

// Option configures a Feed.
type Option func(*Feed) error

// WithHTTPClient sets the client used for every request.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Feed) error {
		if client == nil {
			return errors.New("http client required")
		}
		f.client = client
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(f *Feed) error {
		if logger == nil {
			logger = slog.Default()
		}
		f.logger = logger.With("source", string(f.cfg.Name))
		return nil
	}
}

// New creates a feed adapter from cfg, filling unset limits with defaults.
func New(cfg Config, opts ...Option) (*Feed, error) {
	if cfg.Name == "" {
		return nil, ErrNameRequired
	}
	u, err := url.Parse(strings.ReplaceAll(cfg.URL, QueryPlaceholder, "q"))
	if err != nil || !u.IsAbs() || !strings.Contains(cfg.URL, QueryPlaceholder) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	f := &Feed{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default().With("component", "feed", "source", string(cfg.Name)),
	}
	if cfg.Rate > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), max(cfg.Burst, 1))
	}

	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *Feed) Name() core.Source {
	return f.cfg.Name
}

func (f *Feed) Stream(ctx context.Context, query string) iter.Seq2[core.RawRecord, error] {
	return func(yield func(core.RawRecord, error) bool) {
		body, err := f.open(ctx, query)
		if err != nil {
			yield(core.RawRecord{}, err)
			return
		}
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		line := 0
		for scanner.Scan() {
			line++
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			var raw core.RawRecord
			if err := json.Unmarshal([]byte(text), &raw); err != nil {
				yield(core.RawRecord{}, fmt.Errorf("decoding line %d: %w", line, err))
				return
			}
			if raw.ImageURL != "" && f.cfg.ImageDir != "" {
				if err := f.saveImage(ctx, query, raw); err != nil {
					f.logger.Warn("error downloading product image", "url", raw.ImageURL, "err", err)
				}
			}
			if !yield(raw, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(core.RawRecord{}, fmt.Errorf("reading feed: %w", err))
		}
	}
}

// open performs the listing request, retrying transport failures and 5xx responses.
func (f *Feed) open(ctx context.Context, query string) (io.ReadCloser, error) {
	endpoint := strings.ReplaceAll(f.cfg.URL, QueryPlaceholder, url.QueryEscape(query))

	var body io.ReadCloser
	err := source.RetryWithBackoff(ctx, func(ctx context.Context) error {
		resp, err := f.get(ctx, endpoint, "application/x-ndjson")
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	}, f.cfg.MaxAttempts, f.cfg.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("fetching %s listing: %w", f.cfg.Name, err)
	}
	return body, nil
}

// get issues one rate limited GET. Non-2xx responses are closed and returned as errors;
// client errors are marked permanent.
func (f *Feed) get(ctx context.Context, target, accept string) (*http.Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, source.Permanent(err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, source.Permanent(err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", "shopcache/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		statusErr := fmt.Errorf("unexpected status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, source.Permanent(statusErr)
		}
		return nil, statusErr
	}
	return resp, nil
}

func (f *Feed) saveImage(ctx context.Context, query string, raw core.RawRecord) error {
	var data []byte
	err := source.RetryWithBackoff(ctx, func(ctx context.Context) error {
		resp, err := f.get(ctx, raw.ImageURL, "image/*")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err = io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
		return err
	}, f.cfg.MaxAttempts, f.cfg.RetryDelay)
	if err != nil {
		return err
	}

	path := filepath.Join(f.cfg.ImageDir, filepath.FromSlash(core.ImagePath(f.cfg.Name, query, raw.Position)))
	if rel, err := filepath.Rel(f.cfg.ImageDir, path); err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("image path %q escapes image directory", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0644)
}
