// Package ingestion submits normalized records to an Azure Monitor Logs
// Ingestion endpoint (data collection rule stream) backing a Sentinel
// custom table.
package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/monitor/ingestion/azlogs"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/lvonguyen/guardduty-sentinel/internal/observability"
	"github.com/lvonguyen/guardduty-sentinel/internal/retry"
	"github.com/lvonguyen/guardduty-sentinel/internal/transform"
)

// MaxPayloadBytes is the Logs Ingestion API per-call limit.
const MaxPayloadBytes = 1 << 20

// Config holds destination settings.
type Config struct {
	Endpoint        string        `yaml:"endpoint"`
	RuleID          string        `yaml:"rule_id"`
	StreamName      string        `yaml:"stream_name"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes"`
	Compress        bool          `yaml:"compress"`
	Timeout         time.Duration `yaml:"timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		StreamName:      "Custom-GuardDutyFindings",
		MaxPayloadBytes: MaxPayloadBytes,
		Timeout:         30 * time.Second,
	}
}

// Uploader is the subset of *azlogs.Client used to submit logs.
type Uploader interface {
	Upload(ctx context.Context, ruleID string, streamName string, logs []byte, options *azlogs.UploadOptions) (azlogs.UploadResponse, error)
}

// Status is the outcome of an ingestion request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Request is one submission of records to a stream.
type Request struct {
	Data       []transform.Record `json:"data"`
	StreamName string             `json:"streamName"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Response summarizes a submission.
type Response struct {
	Status          Status   `json:"status"`
	AcceptedRecords int      `json:"acceptedRecords"`
	RejectedRecords int      `json:"rejectedRecords"`
	Errors          []string `json:"errors,omitempty"`
	RequestID       string   `json:"requestId"`
}

// NewClient creates an azlogs client authenticated with cred.
func NewClient(cfg Config, cred azcore.TokenCredential, logger *zap.Logger, opts ...Option) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("destination endpoint is required")
	}
	uploader, err := azlogs.NewClient(cfg.Endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating logs ingestion client: %w", err)
	}
	return New(cfg, uploader, logger, opts...), nil
}

// Client submits records through an Uploader.
type Client struct {
	config   Config
	uploader Uploader
	http     *http.Client
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// Option customises a Client.
type Option func(*Client)

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient overrides the client used for health checks.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client over an existing uploader.
func New(cfg Config, uploader Uploader, logger *zap.Logger, opts ...Option) *Client {
	defaults := DefaultConfig()
	if cfg.MaxPayloadBytes <= 0 || cfg.MaxPayloadBytes > MaxPayloadBytes {
		cfg.MaxPayloadBytes = defaults.MaxPayloadBytes
	}
	if cfg.StreamName == "" {
		cfg.StreamName = defaults.StreamName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		config:   cfg,
		uploader: uploader,
		http:     &http.Client{Timeout: 10 * time.Second},
		logger:   logger.Named("ingestion"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StreamName returns the destination stream.
func (c *Client) StreamName() string { return c.config.StreamName }

// Ingest submits records to the configured stream. Records are split into
// payloads no larger than MaxPayloadBytes. A nil error means every record was
// accepted; otherwise the error is an *Error carrying the Response.
func (c *Client) Ingest(ctx context.Context, records []transform.Record) (*Response, error) {
	return c.Send(ctx, Request{Data: records, StreamName: c.config.StreamName, Timestamp: time.Now().UTC()})
}

// Send submits req. When some records are not accepted the returned *Error
// splits them into Rejected, which may succeed on another attempt, and
// Invalid, which never will.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	stream := req.StreamName
	if stream == "" {
		stream = c.config.StreamName
	}
	resp := &Response{RequestID: uuid.NewString()}
	if len(req.Data) == 0 {
		resp.Status = StatusSuccess
		return resp, nil
	}

	chunks, invalid := chunk(req.Data, c.config.MaxPayloadBytes)
	for _, ir := range invalid {
		resp.RejectedRecords++
		resp.Errors = append(resp.Errors, ir.Err.Error())
	}

	var (
		rejected []transform.Record
		codes    []string
	)
	for _, ch := range chunks {
		if err := ctx.Err(); err != nil {
			// not attempted
			rejected = append(rejected, ch.records...)
			codes = append(codes, CodeTimeout)
			continue
		}
		if err := c.upload(ctx, stream, ch.payload); err != nil {
			rejected = append(rejected, ch.records...)
			resp.Errors = append(resp.Errors, err.Error())
			codes = append(codes, codeOf(err))
			continue
		}
		resp.AcceptedRecords += len(ch.records)
	}
	resp.RejectedRecords += len(rejected)
	if len(rejected) > 0 && ctx.Err() != nil {
		resp.Errors = append(resp.Errors, fmt.Sprintf("%d records not sent: %v", len(rejected), ctx.Err()))
	}

	switch {
	case resp.RejectedRecords == 0:
		resp.Status = StatusSuccess
	case resp.AcceptedRecords > 0:
		resp.Status = StatusPartial
	default:
		resp.Status = StatusFailed
	}

	c.metrics.ObserveIngestion(stream, string(resp.Status), len(req.Data), time.Since(start))
	c.logger.Debug("Ingestion request finished",
		zap.String("request_id", resp.RequestID),
		zap.String("stream", stream),
		zap.String("status", string(resp.Status)),
		zap.Int("accepted", resp.AcceptedRecords),
		zap.Int("rejected", resp.RejectedRecords),
		zap.Int("invalid", len(invalid)),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.Status == StatusSuccess {
		return resp, nil
	}
	ie := &Error{
		Code:     CodePartialIngestion,
		Message:  fmt.Sprintf("%d of %d records rejected: %s", resp.RejectedRecords, len(req.Data), strings.Join(resp.Errors, "; ")),
		Response: resp,
		Rejected: rejected,
		Invalid:  invalid,
	}
	if resp.Status == StatusFailed {
		ie.Code = failedCode(codes)
		ie.Message = fmt.Sprintf("all %d records rejected: %s", len(req.Data), strings.Join(resp.Errors, "; "))
	}
	if len(rejected) == 0 {
		// only invalid records failed; resending cannot change that
		if resp.Status == StatusFailed {
			ie.Code = CodeInvalidRecord
		}
		return resp, retry.Permanent(ie)
	}
	return resp, ie
}

func (c *Client) upload(ctx context.Context, stream string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var opts *azlogs.UploadOptions
	if c.config.Compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return fmt.Errorf("compressing payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compressing payload: %w", err)
		}
		payload = buf.Bytes()
		opts = &azlogs.UploadOptions{ContentEncoding: to.Ptr("gzip")}
	}

	if _, err := c.uploader.Upload(ctx, c.config.RuleID, stream, payload, opts); err != nil {
		return classify(err)
	}
	return nil
}

// HealthCheck verifies the endpoint answers HTTP. Any status code counts as
// reachable; authentication is exercised by real uploads.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.config.Endpoint == "" {
		return errors.New("destination endpoint not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ingestion endpoint unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

type payloadChunk struct {
	payload []byte
	records []transform.Record
}

// chunk packs records into JSON arrays of at most limit bytes. Records that
// cannot be encoded, or cannot fit on their own, are returned as invalid.
func chunk(records []transform.Record, limit int) ([]payloadChunk, []InvalidRecord) {
	var (
		chunks  []payloadChunk
		invalid []InvalidRecord
		buf     bytes.Buffer
		members []transform.Record
	)
	flush := func() {
		if len(members) == 0 {
			return
		}
		buf.WriteByte(']')
		chunks = append(chunks, payloadChunk{payload: append([]byte(nil), buf.Bytes()...), records: members})
		buf.Reset()
		members = nil
	}

	for i := range records {
		data, err := json.Marshal(&records[i])
		if err != nil {
			invalid = append(invalid, InvalidRecord{Record: records[i], Err: fmt.Errorf("record %s: %w", records[i].FindingID, err)})
			continue
		}
		// brackets plus separator
		if len(data)+2 > limit {
			invalid = append(invalid, InvalidRecord{
				Record: records[i],
				Err:    fmt.Errorf("record %s is %d bytes, exceeds payload limit %d", records[i].FindingID, len(data), limit),
			})
			continue
		}
		if len(members) > 0 && buf.Len()+1+len(data)+1 > limit {
			flush()
		}
		if len(members) == 0 {
			buf.WriteByte('[')
		} else {
			buf.WriteByte(',')
		}
		buf.Write(data)
		members = append(members, records[i])
	}
	flush()
	return chunks, invalid
}
