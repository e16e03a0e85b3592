package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/CTFer/EarthOnline-sub001/internal/roadmap"
	"go.uber.org/zap"
)

const (
	operationPull = "pull"
	operationPush = "push"

	defaultRequestTimeout = 5 * time.Second
	maxResponseBytes      = 32 << 20
)

var (
	errMissingPeerURL = errors.New("peer url is required")
	errMissingAPIKey  = errors.New("api key is required")
)

// ClientConfig describes the peer endpoint and credentials.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client speaks the pull/push protocol against one peer.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and constructs a Client. Every call
// carries the configured timeout and is attempted once.
func NewClient(cfg ClientConfig) (*Client, error) {
	trimmedURL := strings.TrimSpace(cfg.BaseURL)
	if trimmedURL == "" {
		return nil, errMissingPeerURL
	}
	parsed, err := url.Parse(strings.TrimRight(trimmedURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid peer url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid peer url scheme %q", parsed.Scheme)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errMissingAPIKey
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    parsed,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Pull fetches the peer rows edited after since, in ascending edittime order.
func (c *Client) Pull(ctx context.Context, since int64) ([]roadmap.Record, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(PathPull), nil)
	if err != nil {
		return nil, &TransportError{Operation: operationPull, Err: err}
	}
	request.Header.Set(HeaderSyncTime, strconv.FormatInt(since, 10))

	data, err := c.do(request, operationPull)
	if err != nil {
		return nil, err
	}
	var wire []WireRecord
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, &ProtocolError{Operation: operationPull, Reason: "decode records", Err: err}
		}
	}
	return DecodeRecords(operationPull, wire)
}

// Push sends records to the peer and returns how many the peer applied.
func (c *Client) Push(ctx context.Context, records []roadmap.Record) (int, error) {
	body, err := json.Marshal(PushRequest{Updates: EncodeRecords(records)})
	if err != nil {
		return 0, &ProtocolError{Operation: operationPush, Reason: "encode records", Err: err}
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(PathPush), bytes.NewReader(body))
	if err != nil {
		return 0, &TransportError{Operation: operationPush, Err: err}
	}
	request.Header.Set("Content-Type", "application/json")

	data, err := c.do(request, operationPush)
	if err != nil {
		return 0, err
	}
	var result PushResult
	if err := json.Unmarshal(data, &result); err != nil {
		return 0, &ProtocolError{Operation: operationPush, Reason: "decode result", Err: err}
	}
	return result.Updated, nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.JoinPath(path).String()
}

func (c *Client) do(request *http.Request, operation string) (json.RawMessage, error) {
	request.Header.Set(HeaderAPIKey, c.apiKey)
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, &TransportError{Operation: operation, Err: err}
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Operation: operation, StatusCode: response.StatusCode, Err: err}
	}
	if response.StatusCode >= http.StatusInternalServerError {
		return nil, &TransportError{Operation: operation, StatusCode: response.StatusCode, Err: errors.New(strings.TrimSpace(string(payload)))}
	}

	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, &ProtocolError{Operation: operation, Reason: fmt.Sprintf("decode envelope (status %d)", response.StatusCode), Err: err}
	}
	switch envelope.Code {
	case CodeOK:
		return envelope.Data, nil
	case CodeUnauthorized:
		return nil, fmt.Errorf("%s: %w: %s", operation, ErrAuth, envelope.Message)
	case CodeForbidden:
		return nil, fmt.Errorf("%s: %w: %s", operation, ErrTopology, envelope.Message)
	default:
		c.logger.Debug("peer returned error envelope",
			zap.String("operation", operation),
			zap.Int("code", envelope.Code),
			zap.String("msg", envelope.Message),
		)
		return nil, &ProtocolError{Operation: operation, Reason: fmt.Sprintf("peer code %d: %s", envelope.Code, envelope.Message)}
	}
}
