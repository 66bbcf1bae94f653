package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SUBGRAPH CLIENT - GraphQL over HTTP
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DefaultApexSubgraph = "https://api.thegraph.com/subgraphs/name/abdullathedruid/apex-keeper"
	DefaultPerpSubgraph = "https://api.thegraph.com/subgraphs/name/perpetual-protocol/perp-position-subgraph"
	DefaultPageSize     = 1000
)

// ErrSubgraph wraps errors reported inside a GraphQL response body.
var ErrSubgraph = errors.New("subgraph error")

// SubgraphClient posts GraphQL queries and decodes the data member.
type SubgraphClient struct {
	http *resty.Client
	url  string
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// NewSubgraphClient creates a client that retries transient failures with
// exponential backoff, at most retries times. A 200 whose body carries GraphQL
// errors, no data or broken JSON counts as transient.
func NewSubgraphClient(url string, retries int) *SubgraphClient {
	return &SubgraphClient{
		http: newHTTPClient(retries).AddRetryCondition(retryOnBadEnvelope),
		url:  url,
	}
}

func newHTTPClient(retries int) *resty.Client {
	if retries < 0 {
		retries = 0
	}
	return resty.New().
		SetLogger(restyLogger{}).
		SetTimeout(30 * time.Second).
		SetRetryCount(retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := resp.StatusCode()
			return code == http.StatusTooManyRequests || code >= 500
		}).
		SetHeader("Content-Type", "application/json")
}

func retryOnBadEnvelope(resp *resty.Response, err error) bool {
	if err != nil || resp == nil || !resp.IsSuccess() {
		return false
	}
	if _, derr := decodeEnvelope(resp.Body()); derr != nil {
		log.Warn().Err(derr).Str("url", resp.Request.URL).Msg("⚠️ Bad subgraph response, retrying")
		return true
	}
	return false
}

// decodeEnvelope parses a GraphQL response and checks that it carries data.
func decodeEnvelope(body []byte) (graphQLResponse, error) {
	var envelope graphQLResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return envelope, fmt.Errorf("%w: malformed response: %v", ErrSubgraph, err)
	}
	if len(envelope.Errors) > 0 {
		return envelope, fmt.Errorf("%w: %s", ErrSubgraph, envelope.Errors[0].Message)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return envelope, fmt.Errorf("%w: empty data", ErrSubgraph)
	}
	return envelope, nil
}

// Query runs a GraphQL query and unmarshals the data member into out.
func (c *SubgraphClient) Query(ctx context.Context, query string, vars map[string]any, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(graphQLRequest{Query: query, Variables: vars}).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("subgraph returned status %d: %s", resp.StatusCode(), resp.String())
	}
	envelope, err := decodeEnvelope(resp.Body())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	return nil
}

// restyLogger sends resty's retry and transport messages to zerolog.
type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...interface{}) {
	log.Error().Str("component", "resty").Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (restyLogger) Warnf(format string, v ...interface{}) {
	log.Warn().Str("component", "resty").Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (restyLogger) Debugf(format string, v ...interface{}) {
	log.Debug().Str("component", "resty").Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
