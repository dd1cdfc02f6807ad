package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrTooLarge is returned when a fetched body exceeds the allowed size.
var ErrTooLarge = errors.New("response body too large")

// newFetchClient creates the default HTTP client for outbound calls.
func newFetchClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 15 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
	}
}

// Fetched is a downloaded resource.
type Fetched struct {
	Body        []byte
	ContentType string
}

// FetchBytes performs a GET with exponential backoff on 429/5xx and returns
// at most maxBytes of body. maxBytes <= 0 uses Config.MaxImageBytes.
func FetchBytes(ctx context.Context, fetchURL string, headers map[string]string, maxBytes int64) (Fetched, error) {
	if maxBytes <= 0 {
		maxBytes = cfg.MaxImageBytes
	}
	client := cfg.HTTPClient
	if client == nil {
		client = newFetchClient()
	}
	metrics.ImageFetches.Add(1)

	operation := func() (Fetched, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
		if err != nil {
			return Fetched{}, backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", UserAgentChrome)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			if IsTransient(err) {
				return Fetched{}, err
			}
			return Fetched{}, backoff.Permanent(err)
		}
		defer resp.Body.Close()

		if IsRetryableStatus(resp.StatusCode) {
			return Fetched{}, StatusError(resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return Fetched{}, backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
		if err != nil {
			return Fetched{}, err
		}
		if int64(len(body)) > maxBytes {
			return Fetched{}, backoff.Permanent(ErrTooLarge)
		}
		return Fetched{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(3), backoff.WithMaxElapsedTime(30*time.Second))
}
