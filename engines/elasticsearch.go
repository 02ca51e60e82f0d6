package engines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/olivere/elastic/v7"
	log "github.com/sirupsen/logrus"

	"github.com/zhishengyuan/searchgram-index/analysis"
	"github.com/zhishengyuan/searchgram-index/models"
	"github.com/zhishengyuan/searchgram-index/query"
)

const (
	defaultShards   = 3
	defaultReplicas = 1
	scrollSize      = 500

	// content is tokenized client-side and sent as space separated terms
	fieldContentTokens = "content_tokens"
)

// ElasticsearchEngine implements Engine on an Elasticsearch index
type ElasticsearchEngine struct {
	writeMu  sync.Mutex
	client   *elastic.Client
	index    string
	shards   int
	replicas int
	analyzer *analysis.Analyzer
	host     string

	mu     sync.RWMutex
	closed bool
}

// esDocument is the stored form of a message
type esDocument struct {
	URL           string    `json:"url"`
	Content       string    `json:"content"`
	ContentTokens string    `json:"content_tokens"`
	ChatID        int64     `json:"chat_id"`
	PostTime      time.Time `json:"post_time"`
}

// NewElasticsearch connects to Elasticsearch and creates the index if needed
func NewElasticsearch(ctx context.Context, cfg ElasticsearchConfig, index string, analyzer *analysis.Analyzer) (*ElasticsearchEngine, error) {
	if cfg.Shards == 0 {
		cfg.Shards = defaultShards
	}
	if cfg.Replicas == 0 {
		cfg.Replicas = defaultReplicas
	}

	options := []elastic.ClientOptionFunc{
		elastic.SetURL(cfg.Host),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(true),
		elastic.SetHealthcheckInterval(30 * time.Second),
	}
	if cfg.Username != "" && cfg.Password != "" {
		options = append(options, elastic.SetBasicAuth(cfg.Username, cfg.Password))
	}

	client, err := elastic.NewClient(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	engine := &ElasticsearchEngine{
		client:   client,
		index:    strings.ToLower(index),
		shards:   cfg.Shards,
		replicas: cfg.Replicas,
		analyzer: analyzer,
		host:     cfg.Host,
	}

	if err := engine.initializeIndex(ctx); err != nil {
		client.Stop()
		return nil, fmt.Errorf("failed to initialize index: %w", err)
	}

	log.WithFields(log.Fields{
		"host":  cfg.Host,
		"index": engine.index,
	}).Info("Elasticsearch engine initialized")

	return engine, nil
}

// initializeIndex creates the index or verifies the schema of an existing one
func (e *ElasticsearchEngine) initializeIndex(ctx context.Context) error {
	exists, err := e.client.IndexExists(e.index).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to check index existence: %w", err)
	}
	if exists {
		return e.checkSchema(ctx)
	}

	_, err = e.client.CreateIndex(e.index).BodyJson(e.indexBody()).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	log.WithField("index", e.index).Info("Created index")
	return nil
}

func (e *ElasticsearchEngine) indexBody() map[string]interface{} {
	return map[string]interface{}{
		"settings": map[string]interface{}{
			"number_of_shards":   e.shards,
			"number_of_replicas": e.replicas,
		},
		"mappings": map[string]interface{}{
			"dynamic": "strict",
			"_meta": map[string]interface{}{
				"schema": schemaSignature(e.analyzer),
			},
			"properties": map[string]interface{}{
				models.FieldURL: map[string]interface{}{
					"type": "keyword",
				},
				models.FieldContent: map[string]interface{}{
					"type":  "text",
					"index": false,
				},
				fieldContentTokens: map[string]interface{}{
					"type":     "text",
					"analyzer": "whitespace",
				},
				models.FieldChatID: map[string]interface{}{
					"type": "long",
				},
				// millisecond sort key, _source keeps the exact value
				models.FieldPostTime: map[string]interface{}{
					"type":   "date",
					"format": "strict_date_optional_time_nanos",
				},
			},
		},
	}
}

func (e *ElasticsearchEngine) checkSchema(ctx context.Context) error {
	result, err := e.client.GetMapping().Index(e.index).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to read index mapping: %w", err)
	}
	stored := mappingSchema(result, e.index)
	if want := schemaSignature(e.analyzer); stored != want {
		return fmt.Errorf("%w: index has %q, want %q", ErrSchemaMismatch, stored, want)
	}
	return nil
}

// mappingSchema extracts mappings._meta.schema from a get-mapping response
func mappingSchema(result map[string]interface{}, index string) string {
	entry, _ := result[index].(map[string]interface{})
	mappings, _ := entry["mappings"].(map[string]interface{})
	meta, _ := mappings["_meta"].(map[string]interface{})
	schema, _ := meta["schema"].(string)
	return schema
}

// Name implements Engine.
func (e *ElasticsearchEngine) Name() string {
	return TypeElasticsearch
}

// Location implements Engine.
func (e *ElasticsearchEngine) Location() string {
	return strings.TrimRight(e.host, "/") + "/" + e.index
}

func (e *ElasticsearchEngine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// Begin implements Engine.
func (e *ElasticsearchEngine) Begin(ctx context.Context) (Session, error) {
	e.writeMu.Lock()
	if err := e.checkOpen(); err != nil {
		e.writeMu.Unlock()
		return nil, err
	}
	return &esSession{
		engine:  e,
		bulk:    e.client.Bulk().Index(e.index).Refresh("wait_for"),
		pending: make(map[string]*models.Message),
	}, nil
}

// Lookup implements Engine.
func (e *ElasticsearchEngine) Lookup(ctx context.Context, url string) (*models.Message, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	result, err := e.client.Get().Index(e.index).Id(url).Do(ctx)
	if elastic.IsNotFound(err) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if !result.Found {
		return nil, ErrNotExist
	}
	return decodeESSource(result.Source)
}

// Search implements Engine.
func (e *ElasticsearchEngine) Search(ctx context.Context, r *Request) (*Page, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	q, err := toESQuery(r.Query)
	if err != nil {
		return nil, err
	}

	searchResult, err := e.client.Search().
		Index(e.index).
		Query(q).
		SortBy(
			elastic.NewFieldSort(models.FieldPostTime).Desc(),
			elastic.NewFieldSort(models.FieldURL).Asc(),
		).
		From(r.Offset).
		Size(r.Limit).
		TrackTotalHits(true).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("search query failed: %w", err)
	}

	page := &Page{Messages: make([]*models.Message, 0, len(searchResult.Hits.Hits))}
	if searchResult.Hits.TotalHits != nil {
		page.Total = int(searchResult.Hits.TotalHits.Value)
	}
	for _, hit := range searchResult.Hits.Hits {
		msg, err := decodeESSource(hit.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", hit.Id, err)
		}
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

// Enumerate implements Engine. The scroll keeps one point-in-time view across pages.
func (e *ElasticsearchEngine) Enumerate(ctx context.Context, fn func(*models.Message) error) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	scroll := e.client.Scroll(e.index).
		Query(elastic.NewMatchAllQuery()).
		Sort(models.FieldURL, true).
		Size(scrollSize)
	defer func() { _ = scroll.Clear(context.Background()) }()

	for {
		result, err := scroll.Do(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to scroll documents: %w", err)
		}
		for _, hit := range result.Hits.Hits {
			msg, err := decodeESSource(hit.Source)
			if err != nil {
				return fmt.Errorf("failed to decode document %s: %w", hit.Id, err)
			}
			if err := fn(msg); err != nil {
				return err
			}
		}
	}
}

// Stats implements Engine.
func (e *ElasticsearchEngine) Stats(ctx context.Context) (*models.Stats, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	totalDocs, err := e.client.Count(e.index).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	var indexSize int64
	indexStats, err := e.client.IndexStats(e.index).Do(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to read index stats")
	} else if stats, found := indexStats.Indices[e.index]; found && stats.Total != nil && stats.Total.Store != nil {
		indexSize = stats.Total.Store.SizeInBytes
	}

	return &models.Stats{
		Engine:    TypeElasticsearch,
		Location:  e.Location(),
		Documents: totalDocs,
		SizeBytes: indexSize,
	}, nil
}

// Reset implements Engine.
func (e *ElasticsearchEngine) Reset(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if _, err := e.client.DeleteIndex(e.index).Do(ctx); err != nil && !elastic.IsNotFound(err) {
		return fmt.Errorf("failed to delete index: %w", err)
	}
	if err := e.initializeIndex(ctx); err != nil {
		return err
	}

	log.WithField("index", e.index).Info("Reset index")
	return nil
}

// Close closes the connection to Elasticsearch
func (e *ElasticsearchEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.client.Stop()
	log.Info("Elasticsearch connection closed")
	return nil
}

// esSession buffers operations into one bulk request. Elasticsearch applies bulk items
// individually, so a partially failed commit is reported as an error listing the
// failed documents.
type esSession struct {
	engine  *ElasticsearchEngine
	bulk    *elastic.BulkService
	pending map[string]*models.Message // nil value marks a pending delete
	done    bool
}

func (s *esSession) Get(ctx context.Context, url string) (*models.Message, error) {
	if s.done {
		return nil, ErrSessionDone
	}
	if msg, ok := s.pending[url]; ok {
		if msg == nil {
			return nil, ErrNotExist
		}
		copied := *msg
		return &copied, nil
	}
	return s.engine.Lookup(ctx, url)
}

func (s *esSession) Put(ctx context.Context, msg *models.Message) error {
	if s.done {
		return ErrSessionDone
	}
	if err := CheckPostTime(msg.PostTime); err != nil {
		return err
	}
	s.bulk.Add(elastic.NewBulkIndexRequest().Id(msg.URL).Doc(s.document(msg)))
	copied := *msg
	s.pending[msg.URL] = &copied
	return nil
}

// Create adds a create action, which Elasticsearch rejects with 409 when the id exists.
// Other service instances share the index, so the conflict is only known on Commit.
func (s *esSession) Create(ctx context.Context, msg *models.Message) error {
	if s.done {
		return ErrSessionDone
	}
	if err := CheckPostTime(msg.PostTime); err != nil {
		return err
	}
	pending, ok := s.pending[msg.URL]
	if ok && pending != nil {
		return fmt.Errorf("%w: %s", ErrExists, msg.URL)
	}
	req := elastic.NewBulkIndexRequest().Id(msg.URL).Doc(s.document(msg))
	if !ok {
		// a pending delete runs first, so only an untouched url needs the create guard
		req.OpType("create")
	}
	s.bulk.Add(req)
	copied := *msg
	s.pending[msg.URL] = &copied
	return nil
}

func (s *esSession) document(msg *models.Message) *esDocument {
	return &esDocument{
		URL:           msg.URL,
		Content:       msg.Content,
		ContentTokens: strings.Join(s.engine.analyzer.Terms(msg.Content), " "),
		ChatID:        msg.ChatID,
		PostTime:      msg.PostTime.UTC(),
	}
}

func (s *esSession) Delete(ctx context.Context, url string) error {
	if s.done {
		return ErrSessionDone
	}
	s.bulk.Add(elastic.NewBulkDeleteRequest().Id(url))
	s.pending[url] = nil
	return nil
}

func (s *esSession) Commit(ctx context.Context) error {
	if s.done {
		return ErrSessionDone
	}
	s.done = true
	defer s.engine.writeMu.Unlock()

	if err := s.engine.checkOpen(); err != nil {
		return err
	}
	if s.bulk.NumberOfActions() == 0 {
		return nil
	}

	bulkResponse, err := s.bulk.Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to execute bulk request: %w", err)
	}
	if !bulkResponse.Errors {
		return nil
	}

	return bulkError(bulkResponse.Items)
}

// bulkError reports failed bulk items. Create conflicts wrap ErrExists.
func bulkError(items []map[string]*elastic.BulkResponseItem) error {
	var failures, conflicts []string
	for _, item := range items {
		for action, result := range item {
			switch {
			case action == "delete" && result.Status == http.StatusNotFound:
				// deleting a missing document is not a failure
			case action == "create" && result.Status == http.StatusConflict:
				conflicts = append(conflicts, result.Id)
			case result.Error != nil:
				failures = append(failures, fmt.Sprintf("%s %s: %s", action, result.Id, result.Error.Reason))
			}
		}
	}

	var errs []error
	if len(conflicts) > 0 {
		errs = append(errs, fmt.Errorf("%w: %s", ErrExists, strings.Join(conflicts, ", ")))
	}
	if len(failures) > 0 {
		log.WithField("failed", len(failures)).Warn("Bulk request partially failed")
		errs = append(errs, fmt.Errorf("bulk request failed for %d documents: %s", len(failures), strings.Join(failures, "; ")))
	}
	return errors.Join(errs...)
}

func (s *esSession) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	s.bulk.Reset()
	s.engine.writeMu.Unlock()
	return nil
}

// toESQuery translates a query tree into Elasticsearch queries
func toESQuery(q query.Query) (elastic.Query, error) {
	switch n := q.(type) {
	case query.Term:
		return elastic.NewTermQuery(esField(n.Field), n.Text), nil
	case query.Phrase:
		return elastic.NewMatchPhraseQuery(esField(n.Field), strings.Join(n.Terms, " ")), nil
	case query.Int:
		return elastic.NewTermQuery(n.Field, n.Value), nil
	case query.And:
		b := elastic.NewBoolQuery()
		for _, c := range n.Clauses {
			if not, ok := c.(query.Not); ok {
				sub, err := toESQuery(not.Clause)
				if err != nil {
					return nil, err
				}
				b.MustNot(sub)
				continue
			}
			sub, err := toESQuery(c)
			if err != nil {
				return nil, err
			}
			b.Must(sub)
		}
		return b, nil
	case query.Or:
		b := elastic.NewBoolQuery().MinimumNumberShouldMatch(1)
		for _, c := range n.Clauses {
			sub, err := toESQuery(c)
			if err != nil {
				return nil, err
			}
			b.Should(sub)
		}
		return b, nil
	case query.Not:
		sub, err := toESQuery(n.Clause)
		if err != nil {
			return nil, err
		}
		return elastic.NewBoolQuery().Must(elastic.NewMatchAllQuery()).MustNot(sub), nil
	case query.MatchAll:
		return elastic.NewMatchAllQuery(), nil
	case query.MatchNone:
		return elastic.NewMatchNoneQuery(), nil
	default:
		return nil, fmt.Errorf("unsupported query node %T", q)
	}
}

// esField maps text fields to their tokenized counterpart
func esField(field string) string {
	if field == models.FieldContent {
		return fieldContentTokens
	}
	return field
}

func decodeESSource(source json.RawMessage) (*models.Message, error) {
	var doc esDocument
	if err := json.Unmarshal(source, &doc); err != nil {
		return nil, err
	}
	return &models.Message{
		Content:  doc.Content,
		URL:      doc.URL,
		ChatID:   doc.ChatID,
		PostTime: doc.PostTime.UTC(),
	}, nil
}
