package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/randomcorp/platform/pkg/common/logger"
	"github.com/randomcorp/platform/pkg/common/retry"
	"github.com/randomcorp/platform/pkg/gateway/httpclient"
)

// Enricher derives auxiliary data for a submission. The result is stored
// as-is in external_data.
type Enricher interface {
	Enrich(ctx context.Context, in Input) (map[string]interface{}, error)
}

// LocalEnricher computes enrichment in process and never fails.
type LocalEnricher struct {
	now func() time.Time
}

func NewLocalEnricher() *LocalEnricher {
	return &LocalEnricher{now: time.Now}
}

func (e *LocalEnricher) Enrich(_ context.Context, in Input) (map[string]interface{}, error) {
	return map[string]interface{}{
		"source":      "local",
		"initials":    initial(in.FirstName) + initial(in.LastName),
		"name_length": utf8.RuneCountInString(in.FirstName) + utf8.RuneCountInString(in.LastName),
		"enriched_at": e.now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func initial(name string) string {
	r, _ := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return ""
	}
	return string(unicode.ToUpper(r))
}

// HTTPEnricher posts the names to an external service. When the service
// cannot be reached after retries the local enricher answers instead, so
// enrichment never fails a submission.
type HTTPEnricher struct {
	client   *http.Client
	url      string
	attempts int
	delay    time.Duration
	fallback Enricher
}

func NewHTTPEnricher(url string, timeout time.Duration, fallback Enricher) *HTTPEnricher {
	if fallback == nil {
		fallback = NewLocalEnricher()
	}
	return &HTTPEnricher{
		client:   httpclient.New(timeout),
		url:      strings.TrimRight(url, "/"),
		attempts: 3,
		delay:    100 * time.Millisecond,
		fallback: fallback,
	}
}

func (e *HTTPEnricher) Enrich(ctx context.Context, in Input) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := retry.Do(ctx, retry.Policy{Attempts: e.attempts, BaseDelay: e.delay, MaxDelay: time.Second}, func(int) error {
		var err error
		out, err = e.call(ctx, in)
		if err != nil && !httpclient.IsRetriable(err) {
			return retry.Permanent{Err: err}
		}
		return err
	})
	if err == nil {
		out["source"] = "remote"
		return out, nil
	}

	logger.WithError(err).WithField("url", e.url).Warn("enrichment service failed, using local enrichment")
	local, lerr := e.fallback.Enrich(ctx, in)
	if lerr != nil {
		return nil, lerr
	}
	local["enrichment_error"] = err.Error()
	return local, nil
}

func (e *HTTPEnricher) call(ctx context.Context, in Input) (map[string]interface{}, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &httpclient.StatusError{Code: resp.StatusCode}
	}

	var out map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding enrichment response: %w", err)
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}
