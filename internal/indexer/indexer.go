// Package indexer loads crawl records into an Elasticsearch index.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"drrcrawler/internal/config"
)

// Client wraps an Elasticsearch client bound to one index.
type Client struct {
	es      *elasticsearch.Client
	index   string
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a client from cfg. transport may be nil to use the default.
func New(cfg config.IndexerConfig, transport http.RoundTripper, logger *slog.Logger) (*Client, error) {
	if cfg.Index == "" {
		return nil, errors.New("indexer: index name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Client{
		es:      es,
		index:   cfg.Index,
		timeout: cfg.Timeout.Duration,
		logger:  logger.With("index", cfg.Index),
	}, nil
}

// Index returns the target index name.
func (c *Client) Index() string {
	return c.index
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// EnsureIndex creates the index with Mapping if it does not exist. With
// recreate set an existing index is deleted first.
func (c *Client) EnsureIndex(ctx context.Context, recreate bool) error {
	exists, err := c.exists(ctx)
	if err != nil {
		return err
	}
	if exists && !recreate {
		c.logger.Debug("index already exists")
		return nil
	}
	if exists {
		if err := c.delete(ctx); err != nil {
			return err
		}
	}
	return c.create(ctx)
}

func (c *Client) exists(ctx context.Context) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.es.Indices.Exists([]string{c.index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("check index %s: %w", c.index, err)
	}
	defer closeBody(res)
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("check index %s: %s", c.index, res.String())
	}
}

func (c *Client) delete(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.es.Indices.Delete([]string{c.index}, c.es.Indices.Delete.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("delete index %s: %w", c.index, err)
	}
	defer closeBody(res)
	if res.IsError() {
		return fmt.Errorf("delete index %s: %s", c.index, res.String())
	}
	c.logger.Info("deleted index")
	return nil
}

func (c *Client) create(ctx context.Context) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(Mapping()); err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.es.Indices.Create(
		c.index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(&buf),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", c.index, err)
	}
	defer closeBody(res)
	if res.IsError() {
		return fmt.Errorf("create index %s: %s", c.index, res.String())
	}
	c.logger.Info("created index")
	return nil
}

// LoadResult summarises a Load call.
type LoadResult struct {
	Indexed  []string
	Excluded []string
}

// Load upserts docs by id, skipping any id listed in exclude. It stops at the
// first document the cluster rejects.
func (c *Client) Load(ctx context.Context, docs []Document, exclude []string) (LoadResult, error) {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	var result LoadResult
	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		id := doc.ID()
		if id == "" {
			return result, fmt.Errorf("document %d has no id", i)
		}
		if _, ok := skip[id]; ok {
			result.Excluded = append(result.Excluded, id)
			continue
		}
		if err := c.put(ctx, id, doc.Project()); err != nil {
			return result, err
		}
		result.Indexed = append(result.Indexed, id)
	}
	c.logger.Info("loaded documents", "indexed", len(result.Indexed), "excluded", len(result.Excluded))
	return result, nil
}

func (c *Client) put(ctx context.Context, id string, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", id, err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.es.Index(
		c.index,
		bytes.NewReader(body),
		c.es.Index.WithDocumentID(id),
		c.es.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("index document %s: %w", id, err)
	}
	defer closeBody(res)
	if res.IsError() {
		return fmt.Errorf("index document %s: %s", id, res.String())
	}
	return nil
}

func closeBody(res *esapi.Response) {
	if res == nil || res.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
}
