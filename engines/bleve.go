package engines

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	bq "github.com/blevesearch/bleve/v2/search/query"
	log "github.com/sirupsen/logrus"

	"github.com/zhishengyuan/searchgram-index/analysis"
	"github.com/zhishengyuan/searchgram-index/models"
	"github.com/zhishengyuan/searchgram-index/query"
)

const (
	// post_time is indexed as a datetime for sorting; bleve returns stored datetimes at second
	// precision, so the exact value is stored separately.
	fieldPostTimeExact = "post_time_exact"

	schemaInternalKey = "searchgram_schema"
)

var bleveStoredFields = []string{models.FieldContent, models.FieldURL, models.FieldChatID, fieldPostTimeExact}

// BleveEngine implements Engine on an embedded bleve index
type BleveEngine struct {
	writeMu   sync.Mutex   // held by the open write session
	lifecycle sync.RWMutex // exclusive for Reset and Close
	index     bleve.Index
	path      string
	analyzer  *analysis.Analyzer
	closed    bool
}

// bleveDocument is the indexed form of a message
type bleveDocument struct {
	Content       string    `json:"content"`
	URL           string    `json:"url"`
	ChatID        string    `json:"chat_id"`
	PostTime      time.Time `json:"post_time"`
	PostTimeExact string    `json:"post_time_exact"`
}

// NewBleve opens the bleve index <location>/<name>.bleve or creates it
func NewBleve(location, name string, analyzer *analysis.Analyzer) (*BleveEngine, error) {
	e := &BleveEngine{
		path:     filepath.Join(location, name+".bleve"),
		analyzer: analyzer,
	}

	idx, err := bleve.Open(e.path)
	switch {
	case err == bleve.ErrorIndexPathDoesNotExist:
		idx, err = e.create()
		if err != nil {
			return nil, err
		}
		log.WithField("path", e.path).Info("Created bleve index")
	case err != nil:
		return nil, fmt.Errorf("failed to open bleve index: %w", err)
	default:
		if err := checkBleveSchema(idx, analyzer); err != nil {
			_ = idx.Close()
			return nil, err
		}
		log.WithField("path", e.path).Info("Opened bleve index")
	}

	e.index = idx
	return e, nil
}

func (e *BleveEngine) create() (bleve.Index, error) {
	im, err := e.buildMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}
	idx, err := bleve.New(e.path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create bleve index: %w", err)
	}
	if err := idx.SetInternal([]byte(schemaInternalKey), []byte(schemaSignature(e.analyzer))); err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("failed to record schema: %w", err)
	}
	return idx, nil
}

func checkBleveSchema(idx bleve.Index, analyzer *analysis.Analyzer) error {
	stored, err := idx.GetInternal([]byte(schemaInternalKey))
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	if want := schemaSignature(analyzer); string(stored) != want {
		return fmt.Errorf("%w: index has %q, want %q", ErrSchemaMismatch, stored, want)
	}
	return nil
}

// buildMapping maps the message schema: analyzed content, keyword url and chat_id,
// sortable post_time.
func (e *BleveEngine) buildMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	if err := e.analyzer.Register(im); err != nil {
		return nil, err
	}

	content := bleve.NewTextFieldMapping()
	content.Analyzer = e.analyzer.BleveName()
	content.Store = true
	content.IncludeInAll = false

	url := bleve.NewKeywordFieldMapping()
	url.Store = true
	url.IncludeInAll = false

	chatID := bleve.NewKeywordFieldMapping()
	chatID.Store = true
	chatID.IncludeInAll = false

	postTime := bleve.NewDateTimeFieldMapping()
	postTime.Store = false
	postTime.IncludeInAll = false

	postTimeExact := bleve.NewTextFieldMapping()
	postTimeExact.Index = false
	postTimeExact.Store = true
	postTimeExact.IncludeInAll = false

	doc := bleve.NewDocumentStaticMapping()
	doc.AddFieldMappingsAt(models.FieldContent, content)
	doc.AddFieldMappingsAt(models.FieldURL, url)
	doc.AddFieldMappingsAt(models.FieldChatID, chatID)
	doc.AddFieldMappingsAt(models.FieldPostTime, postTime)
	doc.AddFieldMappingsAt(fieldPostTimeExact, postTimeExact)

	im.DefaultMapping = doc
	im.DefaultAnalyzer = e.analyzer.BleveName()
	return im, nil
}

// Name implements Engine.
func (e *BleveEngine) Name() string {
	return TypeBleve
}

// Location implements Engine.
func (e *BleveEngine) Location() string {
	return e.path
}

// Begin implements Engine.
func (e *BleveEngine) Begin(ctx context.Context) (Session, error) {
	e.writeMu.Lock()

	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.closed {
		e.writeMu.Unlock()
		return nil, ErrClosed
	}

	return &bleveSession{
		engine:  e,
		batch:   e.index.NewBatch(),
		pending: make(map[string]*models.Message),
	}, nil
}

// Lookup implements Engine.
func (e *BleveEngine) Lookup(ctx context.Context, url string) (*models.Message, error) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	return e.lookup(ctx, url)
}

func (e *BleveEngine) lookup(ctx context.Context, url string) (*models.Message, error) {
	q := bleve.NewTermQuery(url)
	q.SetField(models.FieldURL)

	req := bleve.NewSearchRequestOptions(q, 1, 0, false)
	req.Fields = bleveStoredFields

	res, err := e.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to look up document: %w", err)
	}
	if len(res.Hits) == 0 {
		return nil, ErrNotExist
	}
	return messageFromFields(res.Hits[0].Fields)
}

// Search implements Engine.
func (e *BleveEngine) Search(ctx context.Context, r *Request) (*Page, error) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	q, err := toBleveQuery(r.Query)
	if err != nil {
		return nil, err
	}

	req := bleve.NewSearchRequestOptions(q, r.Limit, r.Offset, false)
	req.Fields = bleveStoredFields
	req.SortBy([]string{"-" + models.FieldPostTime, "_id"})

	res, err := e.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search query failed: %w", err)
	}

	page := &Page{
		Messages: make([]*models.Message, 0, len(res.Hits)),
		Total:    int(res.Total),
	}
	for _, hit := range res.Hits {
		msg, err := messageFromFields(hit.Fields)
		if err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", hit.ID, err)
		}
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

// Enumerate implements Engine. The documents come from one search so they share an index
// snapshot. DocCount only sizes the request: when the snapshot holds more documents the
// search is repeated with the total it reported.
func (e *BleveEngine) Enumerate(ctx context.Context, fn func(*models.Message) error) error {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.closed {
		return ErrClosed
	}

	count, err := e.index.DocCount()
	if err != nil {
		return fmt.Errorf("failed to count documents: %w", err)
	}

	size := max(int(count), 1)
	var res *bleve.SearchResult
	for {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), size, 0, false)
		req.Fields = bleveStoredFields
		req.SortBy([]string{"_id"})

		res, err = e.index.SearchInContext(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to enumerate documents: %w", err)
		}
		if res.Total <= uint64(len(res.Hits)) {
			break
		}
		log.WithFields(log.Fields{
			"requested": size,
			"total":     res.Total,
		}).Debug("Index grew during enumeration, repeating search")
		size = int(res.Total)
	}
	for _, hit := range res.Hits {
		msg, err := messageFromFields(hit.Fields)
		if err != nil {
			return fmt.Errorf("failed to decode document %s: %w", hit.ID, err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	return nil
}

// Stats implements Engine.
func (e *BleveEngine) Stats(ctx context.Context) (*models.Stats, error) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	count, err := e.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	size, err := dirSize(e.path)
	if err != nil {
		return nil, fmt.Errorf("failed to measure index size: %w", err)
	}

	return &models.Stats{
		Engine:    TypeBleve,
		Location:  e.path,
		Documents: int64(count),
		SizeBytes: size,
	}, nil
}

// Reset implements Engine.
func (e *BleveEngine) Reset(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.closed {
		return ErrClosed
	}

	if err := e.index.Close(); err != nil {
		return fmt.Errorf("failed to close index: %w", err)
	}
	if err := os.RemoveAll(e.path); err != nil {
		e.closed = true
		return fmt.Errorf("failed to remove index: %w", err)
	}
	idx, err := e.create()
	if err != nil {
		e.closed = true
		return err
	}
	e.index = idx

	log.WithField("path", e.path).Info("Reset bleve index")
	return nil
}

// Close implements Engine.
func (e *BleveEngine) Close() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.index.Close()
}

type bleveSession struct {
	engine  *BleveEngine
	batch   *bleve.Batch
	pending map[string]*models.Message // nil value marks a pending delete
	done    bool
}

func (s *bleveSession) Get(ctx context.Context, url string) (*models.Message, error) {
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

func (s *bleveSession) Put(ctx context.Context, msg *models.Message) error {
	if s.done {
		return ErrSessionDone
	}
	if err := CheckPostTime(msg.PostTime); err != nil {
		return err
	}
	doc := bleveDocument{
		Content:       msg.Content,
		URL:           msg.URL,
		ChatID:        strconv.FormatInt(msg.ChatID, 10),
		PostTime:      msg.PostTime,
		PostTimeExact: msg.PostTime.UTC().Format(time.RFC3339Nano),
	}
	if err := s.batch.Index(msg.URL, doc); err != nil {
		return fmt.Errorf("failed to index document %s: %w", msg.URL, err)
	}
	copied := *msg
	s.pending[msg.URL] = &copied
	return nil
}

// Create relies on the write mutex: no other session can store url between Get and Put.
func (s *bleveSession) Create(ctx context.Context, msg *models.Message) error {
	return createIfAbsent(ctx, s, msg)
}

func (s *bleveSession) Delete(ctx context.Context, url string) error {
	if s.done {
		return ErrSessionDone
	}
	s.batch.Delete(url)
	s.pending[url] = nil
	return nil
}

func (s *bleveSession) Commit(ctx context.Context) error {
	if s.done {
		return ErrSessionDone
	}
	s.done = true
	defer s.engine.writeMu.Unlock()

	s.engine.lifecycle.RLock()
	defer s.engine.lifecycle.RUnlock()
	if s.engine.closed {
		return ErrClosed
	}
	if err := s.engine.index.Batch(s.batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

func (s *bleveSession) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	s.batch.Reset()
	s.engine.writeMu.Unlock()
	return nil
}

// toBleveQuery translates a query tree into bleve queries
func toBleveQuery(q query.Query) (bq.Query, error) {
	switch n := q.(type) {
	case query.Term:
		t := bleve.NewTermQuery(n.Text)
		t.SetField(n.Field)
		return t, nil
	case query.Phrase:
		return bleve.NewPhraseQuery(n.Terms, n.Field), nil
	case query.Int:
		t := bleve.NewTermQuery(strconv.FormatInt(n.Value, 10))
		t.SetField(n.Field)
		return t, nil
	case query.And:
		var must, mustNot []bq.Query
		for _, c := range n.Clauses {
			if not, ok := c.(query.Not); ok {
				sub, err := toBleveQuery(not.Clause)
				if err != nil {
					return nil, err
				}
				mustNot = append(mustNot, sub)
				continue
			}
			sub, err := toBleveQuery(c)
			if err != nil {
				return nil, err
			}
			must = append(must, sub)
		}
		if len(mustNot) == 0 {
			return bleve.NewConjunctionQuery(must...), nil
		}
		return bq.NewBooleanQuery(must, nil, mustNot), nil
	case query.Or:
		clauses := make([]bq.Query, 0, len(n.Clauses))
		for _, c := range n.Clauses {
			sub, err := toBleveQuery(c)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, sub)
		}
		return bleve.NewDisjunctionQuery(clauses...), nil
	case query.Not:
		sub, err := toBleveQuery(n.Clause)
		if err != nil {
			return nil, err
		}
		return bq.NewBooleanQuery([]bq.Query{bleve.NewMatchAllQuery()}, nil, []bq.Query{sub}), nil
	case query.MatchAll:
		return bleve.NewMatchAllQuery(), nil
	case query.MatchNone:
		return bleve.NewMatchNoneQuery(), nil
	default:
		return nil, fmt.Errorf("unsupported query node %T", q)
	}
}

func messageFromFields(fields map[string]interface{}) (*models.Message, error) {
	content, _ := fields[models.FieldContent].(string)
	url, _ := fields[models.FieldURL].(string)
	if url == "" {
		return nil, fmt.Errorf("stored url missing")
	}

	rawChat, _ := fields[models.FieldChatID].(string)
	chatID, err := strconv.ParseInt(rawChat, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid stored chat_id %q: %w", rawChat, err)
	}

	rawTime, _ := fields[fieldPostTimeExact].(string)
	postTime, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return nil, fmt.Errorf("invalid stored post_time %q: %w", rawTime, err)
	}

	return &models.Message{
		Content:  content,
		URL:      url,
		ChatID:   chatID,
		PostTime: postTime.UTC(),
	}, nil
}

func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}
