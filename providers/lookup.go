package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
)

// RecordClient fetches patient records from the lookup service over a
// fixed REST shape: GET {endpoint}/{code}.
type RecordClient struct {
	endpoint string
	client   *http.Client
}

// NewRecordClient builds a lookup client for the given endpoint.
func NewRecordClient(endpoint string, timeout time.Duration) *RecordClient {
	return &RecordClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// FetchByCode retrieves the record for one patient code.
func (r *RecordClient) FetchByCode(ctx context.Context, code string) (*Record, error) {
	if code == "" {
		return nil, fmt.Errorf("empty patient code")
	}

	u := r.endpoint + "/" + url.PathEscape(code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no record for patient code %q", code)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("lookup service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read lookup response: %w", err)
	}
	var rec Record
	if err := sonic.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}
