package game

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"multiplayer/internal/game/spatial"
)

const (
	EventBufferSize      = 1024
	MaxEventsPerSec      = 10000
	MaxEventsPerSource   = 100 // per second
	BatchFlushSize       = 64
	BatchFlushInterval   = 100 * time.Millisecond
	SourceLimiterCleanup = 5 * time.Minute
)

// EventLog is a bounded, rate-limited event sink. Emit never blocks: events
// beyond the rate limits or the buffer are counted and dropped. A writer
// goroutine appends JSON lines to the log file, zstd-compressed when the
// path ends in ".zst".
type EventLog struct {
	queue *spatial.LockFreeQueue[Event]
	seq   atomic.Uint64

	globalLimiter  *rate.Limiter
	sourceLimiters sync.Map // map[string]*sourceLimiterEntry

	writerWg sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	out    *eventWriter
	fileMu sync.Mutex

	droppedCount atomic.Uint64
	totalCount   atomic.Uint64
	writtenCount atomic.Uint64
}

type sourceLimiterEntry struct {
	limiter  *rate.Limiter
	lastUsed atomic.Int64
}

// eventWriter layers a buffer, and optionally a zstd frame, over the file.
type eventWriter struct {
	f  *os.File
	zw *zstd.Encoder
	bw *bufio.Writer
}

func openEventWriter(path string) (*eventWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	w := &eventWriter{f: f}
	var dst io.Writer = f
	if strings.HasSuffix(path, ".zst") {
		zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		w.zw = zw
		dst = zw
	}
	w.bw = bufio.NewWriterSize(dst, 64*1024)
	return w, nil
}

func (w *eventWriter) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	return w.bw.WriteByte('\n')
}

func (w *eventWriter) flush() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if w.zw != nil {
		return w.zw.Flush()
	}
	return nil
}

func (w *eventWriter) close() error {
	if err := w.flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			_ = w.f.Close()
			return err
		}
	}
	return w.f.Close()
}

// NewEventLog creates a stopped event log.
func NewEventLog() *EventLog {
	return &EventLog{
		queue:         spatial.NewLockFreeQueue[Event](EventBufferSize),
		globalLimiter: rate.NewLimiter(MaxEventsPerSec, MaxEventsPerSec/10),
		stopChan:      make(chan struct{}),
	}
}

// Start opens filePath (if not empty) and starts the writer. With an empty
// path events are still counted and then discarded.
func (el *EventLog) Start(filePath string) error {
	if el.running.Load() {
		return nil
	}
	if filePath != "" {
		w, err := openEventWriter(filePath)
		if err != nil {
			return err
		}
		el.out = w
	}

	el.running.Store(true)
	el.writerWg.Add(2)
	go el.writerLoop()
	go el.cleanupLoop()
	return nil
}

// Stop flushes what is queued and closes the file. Safe to call twice.
func (el *EventLog) Stop() {
	el.stopOnce.Do(func() {
		if !el.running.Swap(false) {
			return
		}
		close(el.stopChan)
		el.writerWg.Wait()

		el.fileMu.Lock()
		defer el.fileMu.Unlock()
		if el.out != nil {
			if err := el.out.close(); err != nil {
				log.Printf("⚠️ Event log close failed: %v", err)
			}
			el.out = nil
		}
	})
}

// Emit queues an event. It returns false when the event was dropped.
func (el *EventLog) Emit(event Event) bool {
	if !el.running.Load() {
		return false
	}
	if !el.globalLimiter.Allow() {
		el.droppedCount.Add(1)
		return false
	}
	if event.Source != "" && !el.sourceLimiter(event.Source).Allow() {
		el.droppedCount.Add(1)
		return false
	}

	event.Sequence = el.seq.Add(1)
	if !el.queue.TryPush(event) {
		el.droppedCount.Add(1)
		return false
	}
	el.totalCount.Add(1)
	return true
}

// EmitSimple builds and emits an event.
func (el *EventLog) EmitSimple(eventType EventType, tickNum uint64, source string, payload any) bool {
	return el.Emit(NewEvent(eventType, tickNum, source, payload))
}

func (el *EventLog) sourceLimiter(source string) *rate.Limiter {
	now := time.Now().UnixNano()
	if v, ok := el.sourceLimiters.Load(source); ok {
		e := v.(*sourceLimiterEntry)
		e.lastUsed.Store(now)
		return e.limiter
	}
	entry := &sourceLimiterEntry{limiter: rate.NewLimiter(MaxEventsPerSource, MaxEventsPerSource/10)}
	entry.lastUsed.Store(now)
	actual, _ := el.sourceLimiters.LoadOrStore(source, entry)
	return actual.(*sourceLimiterEntry).limiter
}

func (el *EventLog) writerLoop() {
	defer el.writerWg.Done()

	ticker := time.NewTicker(BatchFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-el.stopChan:
			for el.flushBatch() > 0 {
			}
			return
		case <-ticker.C:
			el.flushBatch()
		}
	}
}

func (el *EventLog) cleanupLoop() {
	defer el.writerWg.Done()

	ticker := time.NewTicker(SourceLimiterCleanup)
	defer ticker.Stop()

	for {
		select {
		case <-el.stopChan:
			return
		case <-ticker.C:
			el.cleanupSourceLimiters(time.Now().Add(-SourceLimiterCleanup))
		}
	}
}

func (el *EventLog) cleanupSourceLimiters(cutoff time.Time) {
	el.sourceLimiters.Range(func(key, value any) bool {
		if value.(*sourceLimiterEntry).lastUsed.Load() < cutoff.UnixNano() {
			el.sourceLimiters.Delete(key)
		}
		return true
	})
}

// flushBatch writes up to BatchFlushSize queued events and returns how many
// it took off the queue.
func (el *EventLog) flushBatch() int {
	batch := el.queue.Drain(BatchFlushSize)
	if len(batch) == 0 {
		return 0
	}

	el.fileMu.Lock()
	defer el.fileMu.Unlock()
	if el.out == nil {
		return len(batch)
	}
	for i := range batch {
		if err := el.out.writeLine(&batch[i]); err != nil {
			log.Printf("⚠️ Event log write failed: %v", err)
			return len(batch)
		}
		el.writtenCount.Add(1)
	}
	if err := el.out.flush(); err != nil {
		log.Printf("⚠️ Event log flush failed: %v", err)
	}
	return len(batch)
}

// EventLogStats is exposed on the debug endpoints.
type EventLogStats struct {
	Total   uint64 `json:"total"`
	Dropped uint64 `json:"dropped"`
	Written uint64 `json:"written"`
	Pending int    `json:"pending"`
	Running bool   `json:"running"`
}

func (el *EventLog) Stats() EventLogStats {
	return EventLogStats{
		Total:   el.totalCount.Load(),
		Dropped: el.droppedCount.Load(),
		Written: el.writtenCount.Load(),
		Pending: el.queue.Len(),
		Running: el.running.Load(),
	}
}
