package indexer

import (
	"context"
	"math/rand/v2"

	"github.com/zhishengyuan/searchgram-index/models"
)

// SampleOne returns a stored message chosen uniformly at random. It reads every stored
// document, so its cost grows with the index.
func (ix *Indexer) SampleOne(ctx context.Context) (*models.Message, error) {
	const op = "sample"

	var (
		chosen *models.Message
		seen   int
	)
	err := ix.engine.Enumerate(ctx, func(msg *models.Message) error {
		seen++
		// reservoir of one: the n-th document replaces the choice with probability 1/n
		if rand.IntN(seen) == 0 {
			chosen = msg
		}
		return nil
	})
	if err != nil {
		return nil, readError(op, err)
	}
	if chosen == nil {
		return nil, newError(op, ErrEmptyIndex, nil)
	}
	return chosen, nil
}
