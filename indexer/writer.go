package indexer

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/zhishengyuan/searchgram-index/engines"
	"github.com/zhishengyuan/searchgram-index/models"
)

// Add stores a new message. A message with the same url must not exist.
func (ix *Indexer) Add(ctx context.Context, msg *models.Message) error {
	const op = "add"
	if err := validate(op, msg); err != nil {
		return err
	}

	return ix.withSession(ctx, op, func(s engines.Session) error {
		return s.Create(ctx, msg)
	})
}

// Update replaces the content of the message stored under url
func (ix *Indexer) Update(ctx context.Context, url, content string) error {
	const op = "update"

	return ix.withSession(ctx, op, func(s engines.Session) error {
		stored, err := s.Get(ctx, url)
		if errors.Is(err, engines.ErrNotExist) {
			return newError(op, ErrNotFound, fmt.Errorf("url %s", url))
		}
		if err != nil {
			return err
		}
		stored.Content = content
		return s.Put(ctx, stored)
	})
}

// Delete removes the message stored under url. Deleting a missing url succeeds.
func (ix *Indexer) Delete(ctx context.Context, url string) error {
	return ix.withSession(ctx, "delete", func(s engines.Session) error {
		return s.Delete(ctx, url)
	})
}

// Upsert stores msg, overwriting any message with the same url
func (ix *Indexer) Upsert(ctx context.Context, msg *models.Message) error {
	const op = "upsert"
	if err := validate(op, msg); err != nil {
		return err
	}
	return ix.withSession(ctx, op, func(s engines.Session) error {
		return s.Put(ctx, msg)
	})
}

// UpsertBatch stores msgs in one write session and returns how many were written.
// Either every message is committed or none is.
func (ix *Indexer) UpsertBatch(ctx context.Context, msgs []models.Message) (int, error) {
	const op = "upsert_batch"
	if len(msgs) == 0 {
		return 0, nil
	}
	for i := range msgs {
		if err := validate(op, &msgs[i]); err != nil {
			return 0, err
		}
	}

	err := ix.withSession(ctx, op, func(s engines.Session) error {
		for i := range msgs {
			if err := s.Put(ctx, &msgs[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// withSession runs fn inside one write session and commits it. The session is rolled back
// on every path that does not commit.
func (ix *Indexer) withSession(ctx context.Context, op string, fn func(engines.Session) error) error {
	s, err := ix.engine.Begin(ctx)
	if err != nil {
		if errors.Is(err, engines.ErrClosed) {
			return newError(op, ErrStorageUnavailable, err)
		}
		return newError(op, ErrWriteFailure, err)
	}
	defer func() { _ = s.Rollback() }()

	if err := fn(s); err != nil {
		return sessionError(op, err)
	}

	if err := s.Commit(ctx); err != nil {
		// a failed remote commit may still have applied part of the session
		ix.cache.purge()
		return sessionError(op, err)
	}
	ix.cache.purge()

	log.WithField("op", op).Debug("Write committed")
	return nil
}

// sessionError classifies a failure inside or at the end of a write session
func sessionError(op string, err error) error {
	var ixErr *Error
	switch {
	case errors.As(err, &ixErr):
		return err
	case errors.Is(err, engines.ErrClosed):
		return newError(op, ErrStorageUnavailable, err)
	case errors.Is(err, engines.ErrExists):
		return newError(op, ErrDuplicateKey, err)
	case errors.Is(err, engines.ErrPostTimeRange):
		return newError(op, ErrInvalidMessage, err)
	default:
		return newError(op, ErrWriteFailure, err)
	}
}

func validate(op string, msg *models.Message) error {
	if msg == nil {
		return newError(op, ErrInvalidMessage, fmt.Errorf("message is required"))
	}
	if msg.URL == "" {
		return newError(op, ErrInvalidMessage, fmt.Errorf("url is required"))
	}
	if msg.PostTime.IsZero() {
		return newError(op, ErrInvalidMessage, fmt.Errorf("post_time is required"))
	}
	if err := engines.CheckPostTime(msg.PostTime); err != nil {
		return newError(op, ErrInvalidMessage, err)
	}
	return nil
}
