package indexer

import (
	"context"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/zhishengyuan/searchgram-index/engines"
	"github.com/zhishengyuan/searchgram-index/models"
	"github.com/zhishengyuan/searchgram-index/query"
)

// Search runs queryText, optionally restricted to chatIDs, and returns page pageNum of
// pageLen hits ordered by post time, newest first. Pages past the end are empty.
func (ix *Indexer) Search(ctx context.Context, queryText string, chatIDs []int64, pageLen, pageNum int) (*models.SearchResult, error) {
	const op = "search"

	if pageLen < 1 || pageNum < 1 {
		return nil, newError(op, ErrInvalidPage, fmt.Errorf("page_len=%d page_num=%d", pageLen, pageNum))
	}

	parsed, err := ix.parser.Parse(queryText)
	if err != nil {
		return nil, newError(op, ErrInvalidQuery, err)
	}
	scoped := query.InGroups(parsed, models.FieldChatID, chatIDs)

	key := cacheKey(scoped, pageLen, pageNum)
	if cached, ok := ix.cache.get(key); ok {
		return cached, nil
	}
	generation := ix.cache.generation()

	req := &engines.Request{Query: scoped, Limit: min(pageLen, math.MaxInt32)}
	if pageNum-1 > math.MaxInt32/pageLen {
		// offset past anything an engine can hold, only the total is needed
		req.Limit = 0
	} else {
		req.Offset = (pageNum - 1) * pageLen
	}

	page, err := ix.engine.Search(ctx, req)
	if err != nil {
		return nil, readError(op, err)
	}

	terms := query.PositiveTerms(parsed)
	result := &models.SearchResult{
		Hits:         make([]models.SearchHit, 0, len(page.Messages)),
		TotalResults: page.Total,
		IsLastPage:   pageNum >= ceilDiv(page.Total, pageLen),
	}
	for _, msg := range page.Messages {
		result.Hits = append(result.Hits, models.SearchHit{
			Msg:         *msg,
			Highlighted: ix.highlighter.Highlight(msg.Content, terms),
		})
	}

	ix.cache.add(key, result, generation)

	log.WithFields(log.Fields{
		"query":   scoped.String(),
		"page":    pageNum,
		"total":   page.Total,
		"results": len(result.Hits),
	}).Debug("Search completed")

	return result, nil
}

// ceilDiv returns the number of pages of size n holding total items
func ceilDiv(total, n int) int {
	if total <= 0 {
		return 0
	}
	return (total-1)/n + 1
}
