package engines

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/zhishengyuan/searchgram-index/analysis"
	"github.com/zhishengyuan/searchgram-index/models"
	"github.com/zhishengyuan/searchgram-index/query"
)

// Supported engine types
const (
	TypeBleve         = "bleve"
	TypeSQLite        = "sqlite"
	TypeElasticsearch = "elasticsearch"
)

var (
	// ErrNotExist is returned when no document carries the requested url
	ErrNotExist = errors.New("document does not exist")

	// ErrClosed is returned by every operation on a closed engine
	ErrClosed = errors.New("engine is closed")

	// ErrSchemaMismatch is returned when an existing index was built with another schema
	ErrSchemaMismatch = errors.New("index schema mismatch")

	// ErrSessionDone is returned when a committed or rolled back session is used again
	ErrSessionDone = errors.New("write session already finished")

	// ErrExists is returned by Session.Create when the url is already stored
	ErrExists = errors.New("document already exists")

	// ErrPostTimeRange is returned for a post_time outside [MinPostTime, MaxPostTime]
	ErrPostTimeRange = errors.New("post_time out of range")
)

// Bounds of post_time: the range of int64 Unix nanoseconds, which bleve and sqlite sort on.
// Every engine accepts the same range.
var (
	MinPostTime = time.Unix(0, math.MinInt64).UTC()
	MaxPostTime = time.Unix(0, math.MaxInt64).UTC()
)

// CheckPostTime returns ErrPostTimeRange when t cannot be stored
func CheckPostTime(t time.Time) error {
	if t.Before(MinPostTime) || t.After(MaxPostTime) {
		return fmt.Errorf("%w: %s", ErrPostTimeRange, t.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

// Engine is a text index storing messages under the fixed message schema
type Engine interface {
	// Name returns the engine type
	Name() string

	// Location describes where the index lives
	Location() string

	// Begin opens a write session. Sessions are serialized: Begin blocks while another
	// session is open.
	Begin(ctx context.Context) (Session, error)

	// Lookup returns the committed document stored under url
	Lookup(ctx context.Context, url string) (*models.Message, error)

	// Search runs a query sorted by post_time descending on one point-in-time view
	Search(ctx context.Context, req *Request) (*Page, error)

	// Enumerate calls fn for every stored document on one point-in-time view
	Enumerate(ctx context.Context, fn func(*models.Message) error) error

	// Stats returns document count and storage size
	Stats(ctx context.Context) (*models.Stats, error)

	// Reset deletes every document and segment and recreates an empty index.
	// No session or reader may be active.
	Reset(ctx context.Context) error

	// Close releases the index
	Close() error
}

// Session is a write session. Its effects become visible to readers only on Commit.
type Session interface {
	// Get returns the document stored under url as seen by this session
	Get(ctx context.Context, url string) (*models.Message, error)

	// Put stores msg, replacing any document with the same url
	Put(ctx context.Context, msg *models.Message) error

	// Create stores msg unless a document with the same url exists, in which case it
	// fails with ErrExists. Remote engines may only detect the conflict on Commit.
	Create(ctx context.Context, msg *models.Message) error

	// Delete removes the document stored under url, if any
	Delete(ctx context.Context, url string) error

	// Commit applies the session atomically and releases it
	Commit(ctx context.Context) error

	// Rollback discards the session. It is a no-op after Commit.
	Rollback() error
}

// Request is one page of a search
type Request struct {
	Query  query.Query
	Offset int
	Limit  int
}

// Page holds the documents of one result page and the total match count
type Page struct {
	Messages []*models.Message
	Total    int
}

// Config selects and configures an engine
type Config struct {
	Type          string
	Location      string // Directory for local engines
	Name          string // Index name
	Analyzer      *analysis.Analyzer
	Elasticsearch ElasticsearchConfig
}

// ElasticsearchConfig holds Elasticsearch connection settings
type ElasticsearchConfig struct {
	Host     string
	Username string
	Password string
	Shards   int
	Replicas int
}

// Local reports whether the engine type stores its index under Config.Location
func Local(engineType string) bool {
	return engineType == TypeBleve || engineType == TypeSQLite
}

// Open opens the configured engine, creating an empty index if none exists
func Open(ctx context.Context, cfg Config) (Engine, error) {
	if cfg.Analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	switch cfg.Type {
	case TypeBleve:
		return NewBleve(cfg.Location, cfg.Name, cfg.Analyzer)
	case TypeSQLite:
		return NewSQLite(ctx, cfg.Location, cfg.Name, cfg.Analyzer)
	case TypeElasticsearch:
		return NewElasticsearch(ctx, cfg.Elasticsearch, cfg.Name, cfg.Analyzer)
	default:
		return nil, fmt.Errorf("unsupported search engine type: %s", cfg.Type)
	}
}

// schemaSignature identifies the document layout and analyzer an index was built with
func schemaSignature(analyzer *analysis.Analyzer) string {
	return "message/v1/" + analyzer.Name()
}

// createIfAbsent implements Session.Create for engines whose sessions exclude every other
// writer for their whole lifetime.
func createIfAbsent(ctx context.Context, s Session, msg *models.Message) error {
	_, err := s.Get(ctx, msg.URL)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrExists, msg.URL)
	case !errors.Is(err, ErrNotExist):
		return err
	}
	return s.Put(ctx, msg)
}
