package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"ttslo/internal/core"
	"ttslo/internal/store"
)

// Queue is the disk-backed FIFO of undelivered notifications. It is
// mutated only from the engine task; persistence uses the same atomic
// write protocol as the CSV stores.
type Queue struct {
	path  string
	items []core.QueueItem
}

// LoadQueue reads the queue file. A missing or empty file is an empty
// queue.
func LoadQueue(path string) (*Queue, error) {
	q := &Queue{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read notification queue: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return q, nil
	}
	if err := json.Unmarshal(data, &q.items); err != nil {
		return nil, fmt.Errorf("corrupt notification queue %s: %w", path, err)
	}
	return q, nil
}

func (q *Queue) Len() int {
	return len(q.items)
}

// Oldest returns the enqueue time of the head item.
func (q *Queue) Oldest() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].EnqueuedAt, true
}

// Enqueue appends an item and persists the queue.
func (q *Queue) Enqueue(ctx context.Context, item core.QueueItem) error {
	q.items = append(q.items, item)
	return q.save(ctx)
}

// Drain delivers queued items in enqueue order through send, stopping
// at the first failure. The remaining items are persisted either way.
// Returns how many items were delivered.
func (q *Queue) Drain(ctx context.Context, send func(core.QueueItem) error) (int, error) {
	delivered := 0
	for len(q.items) > 0 {
		if err := send(q.items[0]); err != nil {
			if saveErr := q.save(ctx); saveErr != nil {
				return delivered, errors.Join(err, saveErr)
			}
			return delivered, err
		}
		q.items = q.items[1:]
		delivered++
	}
	return delivered, q.save(ctx)
}

func (q *Queue) save(ctx context.Context) error {
	items := q.items
	if items == nil {
		items = []core.QueueItem{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	return store.AtomicWrite(ctx, q.path, append(data, '\n'))
}
