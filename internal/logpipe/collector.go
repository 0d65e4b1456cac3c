// Package logpipe restores the order of log lines streamed by agents.
// Lines of one (task instance, stream) pair carry sequence numbers starting
// at 1; they are written in sequence order, and a sequence that never
// arrives is recorded as a gap once it has been missing for too long.
package logpipe

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/me/gosched/pkg/model"
	"github.com/me/gosched/pkg/protocol"
)

// Gap reasons.
const (
	GapTimeout  = "timeout"
	GapOverflow = "overflow"
	GapFinished = "finished"
)

// Key identifies one ordered log stream.
type Key struct {
	InstanceID string
	Stream     model.LogStream
}

func (k Key) String() string { return k.InstanceID + "/" + string(k.Stream) }

// Entry is one log line.
type Entry struct {
	Sequence  int64
	Content   string
	Timestamp time.Time
}

// Sink receives lines in order plus gap records.
type Sink interface {
	Write(key Key, e Entry) error
	Gap(gap model.LogGap) error
	Close(key Key) error
}

// Config holds reorder settings.
type Config struct {
	GapTimeout  time.Duration // how long a missing sequence is waited for
	MaxBuffered int           // out-of-order lines held per stream
	IdleTimeout time.Duration // streams with no traffic are closed after this
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{GapTimeout: 5 * time.Second, MaxBuffered: 1000, IdleTimeout: 10 * time.Minute}
}

type buffer struct {
	expected int64
	pending  map[int64]Entry
	waiting  time.Time // when the current gap was first observed
	lastSeen time.Time
}

// Stats are cumulative counters.
type Stats struct {
	Streams    int
	Written    int64
	Duplicates int64
	Late       int64 // lines for instances already finished
	Gaps       int64
}

// Collector holds one reorder buffer per stream.
type Collector struct {
	sink   Sink
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	buffers  map[Key]*buffer
	resume   map[Key]int64        // next sequence of streams closed while idle
	finished map[string]time.Time // instances whose streams are complete
	stats    Stats
}

// NewCollector creates a Collector writing to sink.
func NewCollector(sink Sink, cfg Config, logger *slog.Logger) *Collector {
	return &Collector{
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With("component", "logpipe"),
		now:     time.Now,
		buffers:  make(map[Key]*buffer),
		resume:   make(map[Key]int64),
		finished: make(map[string]time.Time),
	}
}

// SetClock replaces the time source (tests).
func (c *Collector) SetClock(now func() time.Time) {
	c.now = now
}

// Receive accepts one line from an agent.
func (c *Collector) Receive(msg *protocol.LogMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("log message: %w", err)
	}
	key := Key{InstanceID: msg.TaskInstanceID, Stream: msg.Stream}
	entry := Entry{Sequence: msg.Sequence, Content: msg.Content, Timestamp: time.UnixMilli(msg.Timestamp).UTC()}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, done := c.finished[key.InstanceID]; done {
		c.stats.Late++
		return nil
	}

	now := c.now()
	b, ok := c.buffers[key]
	if !ok {
		b = &buffer{expected: 1, pending: make(map[int64]Entry)}
		if next, idle := c.resume[key]; idle {
			b.expected = next
			delete(c.resume, key)
		}
		c.buffers[key] = b
	}
	b.lastSeen = now

	switch {
	case entry.Sequence < b.expected:
		c.stats.Duplicates++
		return nil
	case entry.Sequence > b.expected:
		if _, dup := b.pending[entry.Sequence]; dup {
			c.stats.Duplicates++
			return nil
		}
		b.pending[entry.Sequence] = entry
		if b.waiting.IsZero() {
			b.waiting = now
		}
		if len(b.pending) > c.cfg.MaxBuffered {
			return c.skipGap(key, b, GapOverflow, now)
		}
		return nil
	}

	if err := c.write(key, b, entry); err != nil {
		return err
	}
	return c.flush(key, b, now)
}

// write hands the expected entry to the sink and advances the window.
func (c *Collector) write(key Key, b *buffer, e Entry) error {
	if err := c.sink.Write(key, e); err != nil {
		return fmt.Errorf("write %s #%d: %w", key, e.Sequence, err)
	}
	b.expected = e.Sequence + 1
	c.stats.Written++
	return nil
}

// flush writes buffered entries that became contiguous.
func (c *Collector) flush(key Key, b *buffer, now time.Time) error {
	for {
		e, ok := b.pending[b.expected]
		if !ok {
			break
		}
		delete(b.pending, b.expected)
		if err := c.write(key, b, e); err != nil {
			return err
		}
	}
	if len(b.pending) == 0 {
		b.waiting = time.Time{}
	} else {
		b.waiting = now
	}
	return nil
}

// skipGap gives up on the missing range below the lowest buffered sequence.
func (c *Collector) skipGap(key Key, b *buffer, reason string, now time.Time) error {
	if len(b.pending) == 0 {
		return nil
	}
	lowest := int64(-1)
	for seq := range b.pending {
		if lowest < 0 || seq < lowest {
			lowest = seq
		}
	}

	if err := c.recordGap(key, b.expected, lowest-1, reason, now); err != nil {
		return err
	}
	b.expected = lowest
	return c.flush(key, b, now)
}

func (c *Collector) recordGap(key Key, from, to int64, reason string, now time.Time) error {
	gap := model.LogGap{
		TaskInstanceID: key.InstanceID,
		Stream:         key.Stream,
		From:           from,
		To:             to,
		Reason:         reason,
		RecordedAt:     now.UTC(),
	}
	c.logger.Warn("log gap", "instance_id", key.InstanceID, "stream", key.Stream,
		"from", from, "to", to, "reason", reason)
	c.stats.Gaps++
	if err := c.sink.Gap(gap); err != nil {
		return fmt.Errorf("record gap %s: %w", key, err)
	}
	return nil
}

// Sweep expires gaps older than the gap timeout and closes idle streams.
func (c *Collector) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, b := range c.buffers {
		if len(b.pending) > 0 && now.Sub(b.waiting) >= c.cfg.GapTimeout {
			if err := c.skipGap(key, b, GapTimeout, now); err != nil {
				c.logger.Error("sweep", "stream", key.String(), "error", err)
			}
		}
		if len(b.pending) == 0 && c.cfg.IdleTimeout > 0 && now.Sub(b.lastSeen) >= c.cfg.IdleTimeout {
			c.resume[key] = b.expected
			c.closeLocked(key)
		}
	}

	retain := c.cfg.IdleTimeout
	if retain <= 0 {
		retain = DefaultConfig().IdleTimeout
	}
	for id, at := range c.finished {
		if now.Sub(at) >= retain {
			delete(c.finished, id)
		}
	}
}

// Finish flushes everything buffered for an instance, recording any holes,
// and closes its streams. last carries the final sequence per stream as the
// agent reported it; lines after it that never arrived become a gap. Lines
// arriving for the instance afterwards are dropped.
func (c *Collector) Finish(instanceID string, last map[model.LogStream]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	streams := make(map[model.LogStream]bool, 2)
	for key := range c.buffers {
		if key.InstanceID == instanceID {
			streams[key.Stream] = true
		}
	}
	for key := range c.resume {
		if key.InstanceID == instanceID {
			streams[key.Stream] = true
		}
	}
	for stream, seq := range last {
		if seq > 0 {
			streams[stream] = true
		}
	}
	keys := make([]Key, 0, len(streams))
	for stream := range streams {
		keys = append(keys, Key{InstanceID: instanceID, Stream: stream})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Stream < keys[j].Stream })

	for _, key := range keys {
		next := int64(1)
		if b, ok := c.buffers[key]; ok {
			for len(b.pending) > 0 {
				if err := c.skipGap(key, b, GapFinished, now); err != nil {
					c.logger.Error("finish", "stream", key.String(), "error", err)
					break
				}
			}
			next = b.expected
		} else if n, ok := c.resume[key]; ok {
			next = n
		}
		if final := last[key.Stream]; final >= next {
			if err := c.recordGap(key, next, final, GapFinished, now); err != nil {
				c.logger.Error("finish", "stream", key.String(), "error", err)
			}
		}
		delete(c.resume, key)
		c.closeLocked(key)
	}
	c.finished[instanceID] = now
}

func (c *Collector) closeLocked(key Key) {
	delete(c.buffers, key)
	if err := c.sink.Close(key); err != nil {
		c.logger.Warn("close log stream", "stream", key.String(), "error", err)
	}
}

// Run sweeps every interval until ctx is done, then finishes every open
// stream.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.closeAll()
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Collector) closeAll() {
	c.mu.Lock()
	ids := make(map[string]bool)
	for key := range c.buffers {
		ids[key.InstanceID] = true
	}
	c.mu.Unlock()
	for id := range ids {
		c.Finish(id, nil)
	}
}

// Stats returns a copy of the counters.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Streams = len(c.buffers)
	return s
}
