package journal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type opKind int

const (
	opCreate opKind = iota
	opUpdate
	opDeleteExpired
)

type op struct {
	kind       opKind
	collection string
	id         string
	doc        map[string]any
	before     time.Time
}

// Writer is a write-behind queue in front of a Journal. Enqueueing never
// blocks the caller: the queue is bounded and overflow drops the write with a
// warning. Persistence is best-effort and must not slow down live routing.
type Writer struct {
	j      Journal
	ops    chan op
	logger *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWriter starts the background flusher. buffer <= 0 defaults to 1024.
func NewWriter(j Journal, buffer int, logger *zap.Logger) *Writer {
	if buffer <= 0 {
		buffer = 1024
	}
	w := &Writer{
		j:      j,
		ops:    make(chan op, buffer),
		logger: logger,
	}
	w.wg.Add(1)
	go w.flush()
	return w
}

func (w *Writer) flush() {
	defer w.wg.Done()
	for o := range w.ops {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		switch o.kind {
		case opCreate:
			err = w.j.Create(ctx, o.collection, o.id, o.doc)
		case opUpdate:
			err = w.j.Update(ctx, o.collection, o.id, o.doc)
		case opDeleteExpired:
			var n int64
			n, err = w.j.DeleteExpired(ctx, o.collection, o.before)
			if err == nil && n > 0 {
				w.logger.Info("swept expired documents",
					zap.String("collection", o.collection),
					zap.Int64("count", n))
			}
		}
		cancel()
		if err != nil {
			w.logger.Warn("journal write failed",
				zap.String("collection", o.collection),
				zap.String("id", o.id),
				zap.Error(err))
		}
	}
}

func (w *Writer) enqueue(o op) {
	select {
	case w.ops <- o:
	default:
		w.logger.Warn("journal queue full, dropping write",
			zap.String("collection", o.collection),
			zap.String("id", o.id))
	}
}

// Create queues a document creation.
func (w *Writer) Create(collection, id string, doc map[string]any) {
	w.enqueue(op{kind: opCreate, collection: collection, id: id, doc: doc})
}

// Update queues a document overwrite.
func (w *Writer) Update(collection, id string, doc map[string]any) {
	w.enqueue(op{kind: opUpdate, collection: collection, id: id, doc: doc})
}

// DeleteExpired queues an expiry sweep.
func (w *Writer) DeleteExpired(collection string, before time.Time) {
	w.enqueue(op{kind: opDeleteExpired, collection: collection, before: before})
}

// Recent reads synchronously from the underlying journal. Queued writes that
// have not flushed yet are not visible.
func (w *Writer) Recent(ctx context.Context, collection string, limit int) ([]map[string]any, error) {
	return w.j.Recent(ctx, collection, limit)
}

// Close drains the queue and stops the flusher. The underlying Journal is
// not closed; the caller owns it.
func (w *Writer) Close() {
	w.stopOnce.Do(func() {
		close(w.ops)
	})
	w.wg.Wait()
}
