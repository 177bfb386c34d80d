package bbm

import (
	"context"
	"fmt"

	"gitlab.com/gitlab-org/database-backfill/backfill/datastore"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/models"
)

// Walker yields the windows covering an inclusive key range in ascending order. Consecutive windows are contiguous
// and never overlap.
//
// With serial batching no window is wider than the descriptor sub-batch size. With keyset batching the sub-batch size
// bounds the number of existing rows in a window, not its key width: a window may span an arbitrarily wide gap of
// missing keys. A Walker is not safe for concurrent use.
type Walker struct {
	desc  models.JobDescriptor
	store datastore.BackfillStore
	next  int64
	end   int64
	done  bool
}

// NewWalker creates a Walker over [start, end]. The store is only queried by the keyset strategy and may be nil for
// serial walks. An empty range (start > end) yields no windows.
func NewWalker(d models.JobDescriptor, start, end int64, store datastore.BackfillStore) *Walker {
	return &Walker{
		desc:  d,
		store: store,
		next:  start,
		end:   end,
		done:  start > end,
	}
}

// Resume repositions the walker so that the next window starts at id. Resuming past the end of the range exhausts the
// walker.
func (w *Walker) Resume(id int64) {
	w.next = id
	w.done = id > w.end
}

// Remaining returns the part of the range that has not been yielded yet.
func (w *Walker) Remaining() models.Window {
	return models.Window{Lower: w.next, Upper: w.end}
}

// Next returns the next window. A failed lookup leaves the walker unchanged, so Next may be called again. ok is false once the range is exhausted.
func (w *Walker) Next(ctx context.Context) (win models.Window, ok bool, err error) {
	if w.done {
		return win, false, nil
	}

	lo := w.next
	var hi int64
	if w.desc.BatchingStrategy.Val() == models.KeysetBatchingStrategy {
		hi, err = w.store.FindWindowEnd(ctx, w.desc, lo, w.end)
		if err != nil {
			return win, false, err
		}
		if hi < lo || hi > w.end {
			return win, false, fmt.Errorf("keyset window end %d is outside of [%d, %d]", hi, lo, w.end)
		}
	} else {
		size := int64(w.desc.SubBatchSize)
		// compare against the remaining width so that ranges ending near math.MaxInt64 do not overflow
		if w.end-lo < size {
			hi = w.end
		} else {
			hi = lo + size - 1
		}
	}

	if hi == w.end {
		w.done = true
	} else {
		w.next = hi + 1
	}

	return models.Window{Lower: lo, Upper: hi}, true, nil
}

// Windows drains the walker and returns every remaining window.
func (w *Walker) Windows(ctx context.Context) ([]models.Window, error) {
	var ww []models.Window
	for {
		win, ok, err := w.Next(ctx)
		if err != nil {
			return ww, err
		}
		if !ok {
			return ww, nil
		}
		ww = append(ww, win)
	}
}
