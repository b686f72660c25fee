package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// httpSource polls a status endpoint once per Next call. A transient
// request failure is a data-source error that skips the write cycle, not a
// fatal condition for the worker.
type httpSource struct {
	url    string
	client *http.Client
}

func newHTTPSource(uri string) (*httpSource, error) {
	return &httpSource{url: uri, client: &http.Client{Timeout: 3 * time.Second}}, nil
}

func (s *httpSource) Next(ctx context.Context) ([]uint16, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("datasource: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("datasource: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("datasource: http status %d", resp.StatusCode)
	}

	var line Line
	if err := json.NewDecoder(resp.Body).Decode(&line); err != nil {
		return nil, false, fmt.Errorf("datasource: decode response: %w", err)
	}
	if len(line.Values) == 0 {
		return nil, false, nil
	}
	return line.Values, true, nil
}

func (s *httpSource) Close() error { return nil }
