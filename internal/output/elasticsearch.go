package output

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/pool"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/reliability"
	"github.com/therealutkarshpriyadarshi/sqllog/pkg/types"
)

// ElasticsearchConfig contains Elasticsearch-specific configuration
type ElasticsearchConfig struct {
	Name      string
	Addresses []string

	// Index is the index name or pattern, e.g. "dm-sqllog" or
	// "dm-sqllog-%{+YYYY.MM.dd}"
	Index string

	// IndexRotation appends a date suffix from the record timestamp
	// (daily, weekly, monthly, yearly, none)
	IndexRotation string

	Pipeline string
	Username string
	Password string
	CloudID  string
	APIKey   string

	// MaxRetries is passed to the client transport
	MaxRetries int

	// Transport overrides the HTTP transport
	Transport http.RoundTripper
}

// DefaultElasticsearchConfig returns default Elasticsearch configuration
func DefaultElasticsearchConfig() ElasticsearchConfig {
	return ElasticsearchConfig{
		Addresses:     []string{"http://localhost:9200"},
		Index:         "dm-sqllog",
		IndexRotation: "daily",
		MaxRetries:    3,
	}
}

// ElasticsearchSink indexes events through the Bulk API. Documents are
// keyed by source and offset, so a redelivered batch overwrites instead of
// duplicating.
type ElasticsearchSink struct {
	config ElasticsearchConfig
	client *elasticsearch.Client
	closed atomic.Bool
}

// NewElasticsearchSink creates a new Elasticsearch sink. It does not
// contact the cluster; use Ping for that.
func NewElasticsearchSink(config ElasticsearchConfig) (*ElasticsearchSink, error) {
	if len(config.Addresses) == 0 && config.CloudID == "" {
		return nil, fmt.Errorf("no addresses or cloud ID specified")
	}
	if config.Index == "" {
		return nil, fmt.Errorf("no index specified")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:  config.Addresses,
		CloudID:    config.CloudID,
		Username:   config.Username,
		Password:   config.Password,
		APIKey:     config.APIKey,
		MaxRetries: config.MaxRetries,
		Transport:  config.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	return &ElasticsearchSink{config: config, client: client}, nil
}

// Ping checks that the cluster is reachable.
func (e *ElasticsearchSink) Ping(ctx context.Context) error {
	res, err := e.client.Info(e.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}
	return nil
}

type bulkAction struct {
	Index bulkMeta `json:"index"`
}

type bulkMeta struct {
	Index    string `json:"_index"`
	ID       string `json:"_id"`
	Pipeline string `json:"pipeline,omitempty"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// Send indexes a batch of events
func (e *ElasticsearchSink) Send(ctx context.Context, events []*types.RecordEvent) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if len(events) == 0 {
		return nil
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	enc := json.NewEncoder(buf)
	for _, event := range events {
		action := bulkAction{Index: bulkMeta{
			Index:    e.indexName(event),
			ID:       documentID(event),
			Pipeline: e.config.Pipeline,
		}}
		if err := enc.Encode(action); err != nil {
			return reliability.Permanent(fmt.Errorf("failed to encode bulk action: %w", err))
		}
		if err := enc.Encode(event); err != nil {
			return reliability.Permanent(fmt.Errorf("failed to encode event: %w", err))
		}
	}

	res, err := e.client.Bulk(bytes.NewReader(buf.Bytes()), e.client.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		err := fmt.Errorf("bulk request returned error: %s", res.Status())
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return reliability.Permanent(err)
		}
		return err
	}

	var bulkResp bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("failed to parse bulk response: %w", err)
	}
	if !bulkResp.Errors {
		return nil
	}

	var failed int
	var first string
	for _, item := range bulkResp.Items {
		for _, doc := range item {
			if doc.Status >= 400 {
				failed++
				if first == "" {
					first = doc.Error.Type + ": " + doc.Error.Reason
				}
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d out of %d events failed to index: %s", failed, len(events), first)
	}
	return nil
}

// indexName returns the index for an event, with optional time-based rotation
func (e *ElasticsearchSink) indexName(event *types.RecordEvent) string {
	index := e.config.Index
	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	if strings.Contains(index, "%{") {
		index = strings.ReplaceAll(index, "%{+YYYY.MM.dd}", timestamp.Format("2006.01.02"))
		index = strings.ReplaceAll(index, "%{+YYYY.MM}", timestamp.Format("2006.01"))
		index = strings.ReplaceAll(index, "%{+YYYY}", timestamp.Format("2006"))
		return index
	}

	var suffix string
	switch e.config.IndexRotation {
	case "", "none":
		return index
	case "weekly":
		year, week := timestamp.ISOWeek()
		suffix = fmt.Sprintf("%d.%02d", year, week)
	case "monthly":
		suffix = timestamp.Format("2006.01")
	case "yearly":
		suffix = timestamp.Format("2006")
	default:
		suffix = timestamp.Format("2006.01.02")
	}
	return index + "-" + suffix
}

// documentID derives a stable id from the event's source position.
func documentID(event *types.RecordEvent) string {
	h := sha1.New()
	h.Write([]byte(event.Source))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(event.Offset, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Close closes the sink
func (e *ElasticsearchSink) Close() error {
	e.closed.Store(true)
	return nil
}

// Name returns the sink name
func (e *ElasticsearchSink) Name() string {
	if e.config.Name != "" {
		return e.config.Name
	}
	return "elasticsearch"
}
