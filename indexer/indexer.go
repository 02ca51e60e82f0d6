// Package indexer manages a searchable archive of chat messages: index lifecycle, write sessions,
// query composition with pagination, and random sampling on top of a pluggable engine.
package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"github.com/zhishengyuan/searchgram-index/analysis"
	"github.com/zhishengyuan/searchgram-index/engines"
	"github.com/zhishengyuan/searchgram-index/highlight"
	"github.com/zhishengyuan/searchgram-index/models"
	"github.com/zhishengyuan/searchgram-index/query"
)

// Options configures Open
type Options struct {
	Engine        string // bleve, sqlite or elasticsearch
	Location      string // Directory holding local indexes
	Name          string // Index name
	Analyzer      string // Analyzer name, see analysis.Names
	FromScratch   bool   // Reset the index right after opening it
	Elasticsearch engines.ElasticsearchConfig
	Highlight     highlight.Options
	Cache         CacheOptions
}

// CacheOptions configures the search result cache
type CacheOptions struct {
	Enabled bool
	Size    int
	TTL     time.Duration
}

// Indexer is an open message index. It is safe for concurrent use.
type Indexer struct {
	engine      engines.Engine
	analyzer    *analysis.Analyzer
	parser      *query.Parser
	highlighter *highlight.Highlighter
	cache       *resultCache
	lock        *flock.Flock
	startTime   time.Time

	closeOnce sync.Once
	closeErr  error
}

// Open opens the index described by opts, creating an empty one if none exists.
// The caller owns the Indexer and must Close it.
func Open(ctx context.Context, opts Options) (*Indexer, error) {
	const op = "open"

	if opts.Engine == "" {
		opts.Engine = engines.TypeBleve
	}
	if opts.Name == "" {
		return nil, newError(op, ErrStorageUnavailable, fmt.Errorf("index name is required"))
	}

	analyzer, err := analysis.New(opts.Analyzer)
	if err != nil {
		return nil, newError(op, ErrStorageUnavailable, err)
	}

	var lock *flock.Flock
	if engines.Local(opts.Engine) {
		if err := os.MkdirAll(opts.Location, 0o755); err != nil {
			return nil, newError(op, ErrStorageUnavailable, fmt.Errorf("failed to create index location: %w", err))
		}
		lock = flock.New(filepath.Join(opts.Location, opts.Name+".lock"))
		locked, err := lock.TryLock()
		if err != nil {
			return nil, newError(op, ErrStorageUnavailable, fmt.Errorf("failed to lock index: %w", err))
		}
		if !locked {
			return nil, newError(op, ErrStorageUnavailable, fmt.Errorf("index %s is locked by another process", opts.Name))
		}
	}

	engine, err := engines.Open(ctx, engines.Config{
		Type:          opts.Engine,
		Location:      opts.Location,
		Name:          opts.Name,
		Analyzer:      analyzer,
		Elasticsearch: opts.Elasticsearch,
	})
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, newError(op, ErrStorageUnavailable, err)
	}

	ix := &Indexer{
		engine:      engine,
		analyzer:    analyzer,
		parser:      query.NewParser(models.FieldContent, analyzer),
		highlighter: highlight.New(analyzer, opts.Highlight),
		cache:       newResultCache(opts.Cache),
		lock:        lock,
		startTime:   time.Now(),
	}

	if opts.FromScratch {
		if err := ix.Reset(ctx); err != nil {
			_ = ix.Close()
			return nil, err
		}
	}

	log.WithFields(log.Fields{
		"engine":   engine.Name(),
		"location": engine.Location(),
		"analyzer": analyzer.Name(),
	}).Info("Index opened")

	return ix, nil
}

// Engine returns the engine type
func (ix *Indexer) Engine() string {
	return ix.engine.Name()
}

// Uptime returns the time since the index was opened
func (ix *Indexer) Uptime() time.Duration {
	return time.Since(ix.startTime)
}

// Reset irreversibly deletes every stored document and reinitializes an empty index.
// No write session may be in progress; callers must not call Reset concurrently with writes.
func (ix *Indexer) Reset(ctx context.Context) error {
	if err := ix.engine.Reset(ctx); err != nil {
		return newError("reset", ErrStorageUnavailable, err)
	}
	ix.cache.purge()
	log.WithField("location", ix.engine.Location()).Warn("Index reset")
	return nil
}

// Close releases the engine and the index lock. Calling it again is a no-op.
func (ix *Indexer) Close() error {
	ix.closeOnce.Do(func() {
		if err := ix.engine.Close(); err != nil {
			ix.closeErr = newError("close", ErrStorageUnavailable, err)
		}
		if ix.lock != nil {
			if err := ix.lock.Unlock(); err != nil && ix.closeErr == nil {
				ix.closeErr = newError("close", ErrStorageUnavailable, err)
			}
		}
		log.WithField("location", ix.engine.Location()).Info("Index closed")
	})
	return ix.closeErr
}

// Get returns the document stored under url
func (ix *Indexer) Get(ctx context.Context, url string) (*models.Message, error) {
	msg, err := ix.engine.Lookup(ctx, url)
	if err != nil {
		return nil, readError("get", err)
	}
	return msg, nil
}

// Stats reports document count and storage size
func (ix *Indexer) Stats(ctx context.Context) (*models.Stats, error) {
	stats, err := ix.engine.Stats(ctx)
	if err != nil {
		return nil, readError("stats", err)
	}
	return stats, nil
}
