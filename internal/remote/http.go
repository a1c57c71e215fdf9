package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"localagent/internal/errs"
)

const (
	pathHealth  = "/api/v1/health"
	pathUpload  = "/api/v1/sync/upload"
	pathChanges = "/api/v1/sync/changes"

	maxResponseBytes = 64 << 20
	encodingZstd     = "zstd"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("remote: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("remote: zstd decoder initialization failed: " + err.Error())
	}
}

// Endpoint resolves the base URL and API key for each request, so changes
// in settings take effect on the next call.
type Endpoint func() (baseURL, apiKey string)

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	Timeout          time.Duration
	UploadRatePerSec float64
	UploadBurst      int
	Compress         bool
	HTTPClient       *http.Client
}

// HTTPClient 通过 HTTP/JSON 与云端交换实体，可选 zstd 压缩，上传受速率限制。
// HTTPClient talks JSON over HTTP with optional zstd bodies. Uploads are
// paced by a token bucket.
type HTTPClient struct {
	endpoint Endpoint
	http     *http.Client
	limiter  *rate.Limiter
	compress bool

	bytesUp   atomic.Int64
	bytesDown atomic.Int64
}

var _ Remote = (*HTTPClient)(nil)

func NewHTTPClient(endpoint Endpoint, opts HTTPOptions) *HTTPClient {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.UploadRatePerSec > 0 {
		limit = rate.Limit(opts.UploadRatePerSec)
	}
	burst := opts.UploadBurst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPClient{
		endpoint: endpoint,
		http:     hc,
		limiter:  rate.NewLimiter(limit, burst),
		compress: opts.Compress,
	}
}

// Transferred reports cumulative entity payload bytes sent and received on
// the wire. Health checks, acks and empty change sets are not counted.
func (c *HTTPClient) Transferred() (up, down int64) {
	return c.bytesUp.Load(), c.bytesDown.Load()
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, pathHealth, nil, nil)
	if err != nil {
		return err
	}
	_, _, err = c.readBody(resp)
	return err
}

func (c *HTTPClient) Upload(ctx context.Context, e Entity) (Ack, error) {
	if err := e.Validate(); err != nil {
		return Ack{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Ack{}, err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return Ack{}, fmt.Errorf("encode entity: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, pathUpload, nil, body)
	if err != nil {
		return Ack{}, err
	}
	data, _, err := c.readBody(resp)
	if err != nil {
		return Ack{}, err
	}
	var ack Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return Ack{}, fmt.Errorf("decode upload ack: %w", err)
	}
	if ack.CloudID == "" {
		return Ack{}, errors.New("upload ack without cloud id")
	}
	return ack, nil
}

func (c *HTTPClient) Changes(ctx context.Context, cursor string) (ChangeSet, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("since", cursor)
	}
	resp, err := c.do(ctx, http.MethodGet, pathChanges, q, nil)
	if err != nil {
		return ChangeSet{}, err
	}
	data, wire, err := c.readBody(resp)
	if err != nil {
		return ChangeSet{}, err
	}
	var cs ChangeSet
	if err := json.Unmarshal(data, &cs); err != nil {
		return ChangeSet{}, fmt.Errorf("decode changes: %w", err)
	}
	if len(cs.Changes) > 0 {
		c.bytesDown.Add(int64(wire))
	}
	return cs, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, q url.Values, body []byte) (*http.Response, error) {
	base, apiKey := c.endpoint()
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return nil, &errs.NetworkError{Op: path, Err: errors.New("no remote endpoint configured")}
	}
	target := base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var reader io.Reader
	encoded := body
	if body != nil {
		if c.compress {
			encoded = zstdEncoder.EncodeAll(body, nil)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", encodingZstd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		if c.compress {
			req.Header.Set("Content-Encoding", encodingZstd)
		}
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &errs.NetworkError{Op: method + " " + path, Err: err}
	}
	c.bytesUp.Add(int64(len(encoded)))
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, &errs.NetworkError{Op: method + " " + path, Err: statusErr}
		}
		return nil, statusErr
	}
	return resp, nil
}

// readBody returns the decoded body and its size on the wire.
func (c *HTTPClient) readBody(resp *http.Response) ([]byte, int, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, &errs.NetworkError{Op: "read response", Err: err}
	}
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), encodingZstd) {
		out, err := zstdDecoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("decompress response: %w", err)
		}
		return out, len(raw), nil
	}
	return raw, len(raw), nil
}
