package indexer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhishengyuan/searchgram-index/analysis"
	"github.com/zhishengyuan/searchgram-index/engines"
	"github.com/zhishengyuan/searchgram-index/models"
	"github.com/zhishengyuan/searchgram-index/query"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func engineTypes() []string {
	return []string{engines.TypeBleve, engines.TypeSQLite}
}

func testOptions(engine, dir string) Options {
	return Options{
		Engine:   engine,
		Location: dir,
		Name:     "messages",
		Analyzer: analysis.Unicode,
	}
}

func openTest(t *testing.T, engine string) *Indexer {
	t.Helper()
	ix, err := Open(context.Background(), testOptions(engine, t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func message(url string, chatID int64, at time.Duration, content string) *models.Message {
	return &models.Message{URL: url, ChatID: chatID, PostTime: t0.Add(at), Content: content}
}

func hitURLs(r *models.SearchResult) []string {
	out := make([]string, 0, len(r.Hits))
	for _, h := range r.Hits {
		out = append(out, h.Msg.URL)
	}
	return out
}

// forEachEngine runs fn against a fresh index on every local engine
func forEachEngine(t *testing.T, fn func(t *testing.T, ix *Indexer)) {
	for _, engine := range engineTypes() {
		t.Run(engine, func(t *testing.T) {
			fn(t, openTest(t, engine))
		})
	}
}

func TestExampleScenario(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()

		// Given: two messages in different chats, B newer than A
		require.NoError(t, ix.Add(ctx, message("u1", 1, 0, "hello world")))
		require.NoError(t, ix.Add(ctx, message("u2", 2, time.Hour, "hello again")))

		// When: searching without a group filter
		result, err := ix.Search(ctx, "hello", nil, 10, 1)
		require.NoError(t, err)

		// Then: both hits, newest first, on a single last page
		assert.Equal(t, []string{"u2", "u1"}, hitURLs(result))
		assert.Equal(t, 2, result.TotalResults)
		assert.True(t, result.IsLastPage)
		assert.Equal(t, "<b>hello</b> again", result.Hits[0].Highlighted)
		assert.Equal(t, int64(2), result.Hits[0].Msg.ChatID)
		assert.Equal(t, t0.Add(time.Hour), result.Hits[0].Msg.PostTime)
	})
}

func TestAddThenSearch(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()

		msgs := []*models.Message{
			message("u1", 1, 0, "The weather is lovely today"),
			message("u2", 2, time.Minute, "Meeting moved to Friday"),
			message("u3", 3, 2*time.Minute, "Lovely meeting everyone"),
		}
		for _, m := range msgs {
			require.NoError(t, ix.Add(ctx, m))
		}

		for _, m := range msgs {
			for _, term := range analysisTerms(t, m.Content) {
				r, err := ix.Search(ctx, term, nil, 10, 1)
				require.NoError(t, err)
				assert.Contains(t, hitURLs(r), m.URL, "term %q", term)

				r, err = ix.Search(ctx, term, []int64{m.ChatID}, 10, 1)
				require.NoError(t, err)
				assert.Contains(t, hitURLs(r), m.URL, "term %q in chat %d", term, m.ChatID)
			}
		}
	})
}

func analysisTerms(t *testing.T, text string) []string {
	t.Helper()
	a, err := analysis.New(analysis.Unicode)
	require.NoError(t, err)
	return a.Terms(text)
}

func TestUpdatePreservesIdentity(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()
		orig := message("u1", 42, 90*time.Second, "first draft")
		require.NoError(t, ix.Add(ctx, orig))

		require.NoError(t, ix.Update(ctx, "u1", "final version"))

		got, err := ix.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "final version", got.Content)
		assert.Equal(t, orig.ChatID, got.ChatID)
		assert.True(t, orig.PostTime.Equal(got.PostTime))

		r, err := ix.Search(ctx, "draft", nil, 10, 1)
		require.NoError(t, err)
		assert.Zero(t, r.TotalResults)

		err = ix.Update(ctx, "missing", "x")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeleteRemoves(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()
		require.NoError(t, ix.Add(ctx, message("u1", 1, 0, "temporary note")))
		require.NoError(t, ix.Add(ctx, message("u2", 1, 0, "permanent note")))

		require.NoError(t, ix.Delete(ctx, "u1"))
		require.NoError(t, ix.Delete(ctx, "u1"))

		r, err := ix.Search(ctx, "note", nil, 10, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"u2"}, hitURLs(r))

		_, err = ix.Get(ctx, "u1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUniqueness(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()
		require.NoError(t, ix.Add(ctx, message("u1", 1, 0, "original text")))

		err := ix.Add(ctx, message("u1", 2, time.Hour, "impostor text"))
		require.ErrorIs(t, err, ErrDuplicateKey)
		assert.ErrorIs(t, err, engines.ErrExists)
		assert.Equal(t, ErrDuplicateKey, Kind(err))

		r, err := ix.Search(ctx, "text", nil, 10, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"u1"}, hitURLs(r))
		assert.Equal(t, "original text", r.Hits[0].Msg.Content)

		err = ix.Add(ctx, &models.Message{Content: "no url"})
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})
}

func TestUpsert(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()
		require.NoError(t, ix.Upsert(ctx, message("u1", 1, 0, "first")))
		require.NoError(t, ix.Upsert(ctx, message("u1", 5, time.Hour, "second")))

		got, err := ix.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "second", got.Content)
		assert.Equal(t, int64(5), got.ChatID)

		n, err := ix.UpsertBatch(ctx, []models.Message{
			*message("u2", 1, 0, "batch one"),
			*message("u3", 1, time.Second, "batch two"),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		// an invalid message rejects the whole batch
		_, err = ix.UpsertBatch(ctx, []models.Message{*message("u4", 1, 0, "ok"), {Content: "bad"}})
		assert.ErrorIs(t, err, ErrInvalidMessage)

		r, err := ix.Search(ctx, "batch", nil, 10, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"u3", "u2"}, hitURLs(r))

		_, err = ix.Get(ctx, "u4")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPaginationConsistency(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()

		const total = 7
		msgs := make([]models.Message, 0, total)
		for i := 0; i < total; i++ {
			msgs = append(msgs, *message(fmt.Sprintf("u%d", i), int64(i%3), time.Duration(i)*time.Minute, "paged content"))
		}
		_, err := ix.UpsertBatch(ctx, msgs)
		require.NoError(t, err)

		for _, pageLen := range []int{1, 2, 3, 7, 10} {
			wantPages := (total + pageLen - 1) / pageLen
			seen := map[string]bool{}
			var last time.Time

			for pageNum := 1; pageNum <= wantPages; pageNum++ {
				r, err := ix.Search(ctx, "paged", nil, pageLen, pageNum)
				require.NoError(t, err)
				require.NotEmpty(t, r.Hits, "page_len=%d page=%d", pageLen, pageNum)
				assert.Equal(t, total, r.TotalResults)
				assert.Equal(t, pageNum == wantPages, r.IsLastPage, "page_len=%d page=%d", pageLen, pageNum)

				for _, h := range r.Hits {
					assert.False(t, seen[h.Msg.URL], "duplicate %s", h.Msg.URL)
					seen[h.Msg.URL] = true
					if !last.IsZero() {
						assert.False(t, h.Msg.PostTime.After(last), "post_time must not increase")
					}
					last = h.Msg.PostTime
				}
			}
			assert.Len(t, seen, total)

			r, err := ix.Search(ctx, "paged", nil, pageLen, wantPages+1)
			require.NoError(t, err)
			assert.Empty(t, r.Hits)
			assert.True(t, r.IsLastPage)
		}

		r, err := ix.Search(ctx, "paged", nil, 3, 1<<40)
		require.NoError(t, err)
		assert.Empty(t, r.Hits)
		assert.True(t, r.IsLastPage)
		assert.Equal(t, total, r.TotalResults)
	})
}

func TestGroupFilterScoping(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()
		for i := 0; i < 6; i++ {
			require.NoError(t, ix.Add(ctx, message(fmt.Sprintf("u%d", i), int64(i%4), time.Duration(i)*time.Second, "shared topic")))
		}

		r, err := ix.Search(ctx, "topic", []int64{1, 2}, 10, 1)
		require.NoError(t, err)
		require.NotEmpty(t, r.Hits)
		for _, h := range r.Hits {
			assert.Contains(t, []int64{1, 2}, h.Msg.ChatID)
		}

		r, err = ix.Search(ctx, "topic", nil, 10, 1)
		require.NoError(t, err)
		chats := map[int64]bool{}
		for _, h := range r.Hits {
			chats[h.Msg.ChatID] = true
		}
		assert.Len(t, chats, 4)
	})
}

func TestQueryOperators(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()
		require.NoError(t, ix.Add(ctx, message("u1", 1, 1*time.Second, "red apple pie")))
		require.NoError(t, ix.Add(ctx, message("u2", 1, 2*time.Second, "green apple")))
		require.NoError(t, ix.Add(ctx, message("u3", 1, 3*time.Second, "pie made of apple and red berries")))

		tests := []struct {
			query string
			want  []string
		}{
			{"apple", []string{"u3", "u2", "u1"}},
			{"red apple", []string{"u3", "u1"}},
			{`"red apple"`, []string{"u1"}},
			{"green OR berries", []string{"u3", "u2"}},
			{"apple NOT pie", []string{"u2"}},
			{"NOT red", []string{"u2"}},
			{"(green OR red) pie", []string{"u3", "u1"}},
			{"", []string{}},
			{"???", []string{}},
		}
		for _, tt := range tests {
			t.Run(tt.query, func(t *testing.T) {
				r, err := ix.Search(ctx, tt.query, nil, 10, 1)
				require.NoError(t, err)
				assert.Equal(t, tt.want, hitURLs(r))
				assert.True(t, r.IsLastPage)
			})
		}
	})
}

func TestKagomeAnalyzer(t *testing.T) {
	for _, engine := range engineTypes() {
		t.Run(engine, func(t *testing.T) {
			ctx := context.Background()
			opts := testOptions(engine, t.TempDir())
			opts.Analyzer = analysis.Kagome
			ix, err := Open(ctx, opts)
			require.NoError(t, err)
			defer ix.Close()

			// Given: messages mixing Latin and Japanese text
			require.NoError(t, ix.Add(ctx, message("u1", 1, 0, "don't forget 東京 price 3.14")))
			require.NoError(t, ix.Add(ctx, message("u2", 1, time.Second, "東京と大阪に行きました")))

			// Then: words match whether typed alone or found next to other scripts
			tests := []struct {
				query string
				want  []string
			}{
				{"don't", []string{"u1"}},
				{"3.14", []string{"u1"}},
				{"forget", []string{"u1"}},
				{"price", []string{"u1"}},
				{`"forget 東京"`, []string{"u1"}},
				{"東京", []string{"u2", "u1"}},
				{"大阪", []string{"u2"}},
			}
			for _, tt := range tests {
				r, err := ix.Search(ctx, tt.query, nil, 10, 1)
				require.NoError(t, err, tt.query)
				assert.Equal(t, tt.want, hitURLs(r), tt.query)
			}
		})
	}
}

func TestPostTimeBounds(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()
		early := time.Date(1678, 1, 1, 0, 0, 0, 1, time.UTC)
		late := time.Date(2262, 4, 11, 0, 0, 0, 999999999, time.UTC)

		// Given: the oldest and newest storable times
		require.NoError(t, ix.Add(ctx, &models.Message{URL: "early", PostTime: early, Content: "edge"}))
		require.NoError(t, ix.Add(ctx, &models.Message{URL: "late", PostTime: late, Content: "edge"}))

		// Then: both round-trip exactly and sort by time
		got, err := ix.Get(ctx, "early")
		require.NoError(t, err)
		assert.True(t, early.Equal(got.PostTime), got.PostTime)
		got, err = ix.Get(ctx, "late")
		require.NoError(t, err)
		assert.True(t, late.Equal(got.PostTime), got.PostTime)

		r, err := ix.Search(ctx, "edge", nil, 10, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"late", "early"}, hitURLs(r))

		// When: content is updated, post_time is unchanged
		require.NoError(t, ix.Update(ctx, "early", "edge again"))
		got, err = ix.Get(ctx, "early")
		require.NoError(t, err)
		assert.True(t, early.Equal(got.PostTime), got.PostTime)

		// Then: missing or unrepresentable times are rejected
		for _, at := range []time.Time{
			{},
			time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC),
		} {
			m := &models.Message{URL: "bad", PostTime: at, Content: "edge"}
			assert.ErrorIs(t, ix.Add(ctx, m), ErrInvalidMessage, at)
			assert.ErrorIs(t, ix.Upsert(ctx, m), ErrInvalidMessage, at)
		}
		_, err = ix.Get(ctx, "bad")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSearchErrors(t *testing.T) {
	ix := openTest(t, engines.TypeBleve)
	ctx := context.Background()

	_, err := ix.Search(ctx, "x", nil, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidPage)
	_, err = ix.Search(ctx, "x", nil, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidPage)

	_, err = ix.Search(ctx, `(unbalanced`, nil, 10, 1)
	require.ErrorIs(t, err, ErrInvalidQuery)
	var syntaxErr *query.SyntaxError
	require.True(t, errors.As(err, &syntaxErr))
	assert.Equal(t, 0, syntaxErr.Pos)
}

func TestSampleOne(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()

		_, err := ix.SampleOne(ctx)
		assert.ErrorIs(t, err, ErrEmptyIndex)

		require.NoError(t, ix.Add(ctx, message("u1", 1, 0, "a")))
		require.NoError(t, ix.Add(ctx, message("u2", 1, 0, "b")))
		require.NoError(t, ix.Add(ctx, message("u3", 1, 0, "c")))

		counts := map[string]int{}
		for i := 0; i < 300; i++ {
			m, err := ix.SampleOne(ctx)
			require.NoError(t, err)
			counts[m.URL]++
		}
		// each of three documents is expected 100 times; 40 is far outside any plausible deviation
		for _, url := range []string{"u1", "u2", "u3"} {
			assert.Greater(t, counts[url], 40, url)
		}
	})
}

func TestReset(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()
		require.NoError(t, ix.Add(ctx, message("u1", 1, 0, "forgotten words")))

		require.NoError(t, ix.Reset(ctx))

		_, err := ix.SampleOne(ctx)
		assert.ErrorIs(t, err, ErrEmptyIndex)

		r, err := ix.Search(ctx, "forgotten", nil, 10, 1)
		require.NoError(t, err)
		assert.Zero(t, r.TotalResults)

		require.NoError(t, ix.Add(ctx, message("u1", 1, 0, "fresh start")))
		stats, err := ix.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Documents)
	})
}

func TestLifecycle(t *testing.T) {
	for _, engine := range engineTypes() {
		t.Run(engine, func(t *testing.T) {
			ctx := context.Background()
			dir := filepath.Join(t.TempDir(), "nested", "index")
			opts := testOptions(engine, dir)

			// Given: a location that does not exist yet
			ix, err := Open(ctx, opts)
			require.NoError(t, err)
			require.NoError(t, ix.Add(ctx, message("u1", 1, 0, "kept across reopen")))

			// Then: a second open of the same index is refused while the first holds it
			_, err = Open(ctx, opts)
			assert.ErrorIs(t, err, ErrStorageUnavailable)

			require.NoError(t, ix.Close())
			require.NoError(t, ix.Close())

			_, err = ix.Get(ctx, "u1")
			assert.ErrorIs(t, err, ErrStorageUnavailable)
			err = ix.Add(ctx, message("u2", 1, 0, "late"))
			assert.ErrorIs(t, err, ErrStorageUnavailable)

			// When: reopened, data survives
			ix, err = Open(ctx, opts)
			require.NoError(t, err)
			_, err = ix.Get(ctx, "u1")
			require.NoError(t, err)
			require.NoError(t, ix.Close())

			// When: reopened from scratch, data is gone
			opts.FromScratch = true
			ix, err = Open(ctx, opts)
			require.NoError(t, err)
			defer ix.Close()
			_, err = ix.Get(ctx, "u1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestOpen_SchemaMismatch(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(engines.TypeSQLite, t.TempDir())

	ix, err := Open(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, ix.Close())

	opts.Analyzer = analysis.Kagome
	_, err = Open(ctx, opts)
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, engines.ErrSchemaMismatch)

	// the failed open released the lock
	opts.Analyzer = analysis.Unicode
	ix, err = Open(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, ix.Close())
}

func TestOpen_InvalidOptions(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, Options{Engine: engines.TypeBleve, Location: t.TempDir()})
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	opts := testOptions(engines.TypeBleve, t.TempDir())
	opts.Analyzer = "klingon"
	_, err = Open(ctx, opts)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestSearchCache(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(engines.TypeBleve, t.TempDir())
	opts.Cache = CacheOptions{Enabled: true, Size: 8, TTL: time.Minute}

	ix, err := Open(ctx, opts)
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Add(ctx, message("u1", 1, 0, "cached words")))

	r, err := ix.Search(ctx, "cached", nil, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, r.TotalResults)
	assert.Equal(t, 1, ix.cache.size())

	// mutating a returned result does not leak into the cache
	r.Hits = nil
	r, err = ix.Search(ctx, "cached", nil, 10, 1)
	require.NoError(t, err)
	assert.Len(t, r.Hits, 1)

	// a write purges cached results
	require.NoError(t, ix.Add(ctx, message("u2", 1, time.Second, "more cached words")))
	assert.Equal(t, 0, ix.cache.size())

	r, err = ix.Search(ctx, "cached", nil, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, r.TotalResults)
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("disk full")
	err := newError("add", ErrWriteFailure, cause)

	assert.Equal(t, "add: write failure: disk full", err.Error())
	assert.ErrorIs(t, err, ErrWriteFailure)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "sample: empty index", newError("sample", ErrEmptyIndex, nil).Error())
	assert.Nil(t, Kind(cause))
}
