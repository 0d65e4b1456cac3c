package logpipe

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/gosched/pkg/model"
	"github.com/me/gosched/pkg/protocol"
)

type memSink struct {
	mu     sync.Mutex
	lines  map[Key][]int64
	gaps   []model.LogGap
	closed map[Key]bool
}

func newMemSink() *memSink {
	return &memSink{lines: map[Key][]int64{}, closed: map[Key]bool{}}
}

func (s *memSink) Write(key Key, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[key] = append(s.lines[key], e.Sequence)
	return nil
}

func (s *memSink) Gap(g model.LogGap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gaps = append(s.gaps, g)
	return nil
}

func (s *memSink) Close(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed[key] = true
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newCollector(t *testing.T, cfg Config) (*Collector, *memSink, *clock) {
	t.Helper()
	sink := newMemSink()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewCollector(sink, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.SetClock(clk.now)
	return c, sink, clk
}

func send(t *testing.T, c *Collector, stream model.LogStream, seqs ...int64) {
	t.Helper()
	for _, seq := range seqs {
		err := c.Receive(&protocol.LogMessage{
			TaskInstanceID: "ti_1", Stream: stream, Sequence: seq, Content: "line",
		})
		if err != nil {
			t.Fatalf("Receive %d: %v", seq, err)
		}
	}
}

var stdout = Key{InstanceID: "ti_1", Stream: model.LogStreamStdout}

func equalSeqs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReorder(t *testing.T) {
	c, sink, _ := newCollector(t, DefaultConfig())
	send(t, c, model.LogStreamStdout, 1, 3, 2, 5, 4)

	if got := sink.lines[stdout]; !equalSeqs(got, []int64{1, 2, 3, 4, 5}) {
		t.Errorf("written = %v, want [1 2 3 4 5]", got)
	}
	if len(sink.gaps) != 0 {
		t.Errorf("gaps = %v, want none", sink.gaps)
	}
}

func TestGapTimeout(t *testing.T) {
	cfg := DefaultConfig()
	c, sink, clk := newCollector(t, cfg)
	send(t, c, model.LogStreamStdout, 1, 2, 4, 5)

	clk.advance(cfg.GapTimeout - time.Millisecond)
	c.Sweep()
	if len(sink.gaps) != 0 {
		t.Fatalf("gap recorded before timeout")
	}
	if got := sink.lines[stdout]; !equalSeqs(got, []int64{1, 2}) {
		t.Fatalf("written = %v, want [1 2] while waiting", got)
	}

	clk.advance(time.Millisecond)
	c.Sweep()
	if len(sink.gaps) != 1 {
		t.Fatalf("gaps = %d, want 1", len(sink.gaps))
	}
	g := sink.gaps[0]
	if g.From != 3 || g.To != 3 || g.Reason != GapTimeout {
		t.Errorf("gap = %+v, want 3..3 timeout", g)
	}
	if got := sink.lines[stdout]; !equalSeqs(got, []int64{1, 2, 4, 5}) {
		t.Errorf("written = %v, want [1 2 4 5]", got)
	}

	// A late arrival of the skipped line is dropped.
	send(t, c, model.LogStreamStdout, 3)
	if got := c.Stats().Duplicates; got != 1 {
		t.Errorf("duplicates = %d, want 1", got)
	}
}

func TestDuplicatesDropped(t *testing.T) {
	c, sink, _ := newCollector(t, DefaultConfig())
	send(t, c, model.LogStreamStdout, 1, 1, 3, 3, 2)
	if got := sink.lines[stdout]; !equalSeqs(got, []int64{1, 2, 3}) {
		t.Errorf("written = %v", got)
	}
	if got := c.Stats().Duplicates; got != 2 {
		t.Errorf("duplicates = %d, want 2", got)
	}
}

func TestOverflowForcesWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBuffered = 3
	c, sink, _ := newCollector(t, cfg)
	send(t, c, model.LogStreamStdout, 1, 5, 6, 7, 8)

	if len(sink.gaps) != 1 || sink.gaps[0].From != 2 || sink.gaps[0].To != 4 || sink.gaps[0].Reason != GapOverflow {
		t.Fatalf("gaps = %+v, want 2..4 overflow", sink.gaps)
	}
	if got := sink.lines[stdout]; !equalSeqs(got, []int64{1, 5, 6, 7, 8}) {
		t.Errorf("written = %v", got)
	}
}

func TestStreamsAreIndependent(t *testing.T) {
	c, sink, _ := newCollector(t, DefaultConfig())
	send(t, c, model.LogStreamStdout, 1, 2)
	send(t, c, model.LogStreamStderr, 2, 1)

	stderr := Key{InstanceID: "ti_1", Stream: model.LogStreamStderr}
	if got := sink.lines[stderr]; !equalSeqs(got, []int64{1, 2}) {
		t.Errorf("stderr = %v", got)
	}
	if got := sink.lines[stdout]; !equalSeqs(got, []int64{1, 2}) {
		t.Errorf("stdout = %v", got)
	}
}

func TestFinishFlushesAndCloses(t *testing.T) {
	c, sink, _ := newCollector(t, DefaultConfig())
	send(t, c, model.LogStreamStdout, 1, 3, 6)
	c.Finish("ti_1", nil)

	if got := sink.lines[stdout]; !equalSeqs(got, []int64{1, 3, 6}) {
		t.Errorf("written = %v", got)
	}
	if len(sink.gaps) != 2 {
		t.Fatalf("gaps = %+v, want 2", sink.gaps)
	}
	if sink.gaps[1].From != 4 || sink.gaps[1].To != 5 {
		t.Errorf("second gap = %+v, want 4..5", sink.gaps[1])
	}
	if !sink.closed[stdout] {
		t.Error("stream not closed")
	}
	if c.Stats().Streams != 0 {
		t.Error("buffers left after finish")
	}
}

func TestFinishRecordsTrailingLoss(t *testing.T) {
	c, sink, _ := newCollector(t, DefaultConfig())
	send(t, c, model.LogStreamStdout, 1, 2)
	c.Finish("ti_1", map[model.LogStream]int64{
		model.LogStreamStdout: 5,
		model.LogStreamStderr: 2,
	})

	if len(sink.gaps) != 2 {
		t.Fatalf("gaps = %+v, want 2", sink.gaps)
	}
	// Streams are finished in name order: stderr, then stdout.
	if g := sink.gaps[0]; g.Stream != model.LogStreamStderr || g.From != 1 || g.To != 2 || g.Reason != GapFinished {
		t.Errorf("stderr gap = %+v, want 1..2", g)
	}
	if g := sink.gaps[1]; g.Stream != model.LogStreamStdout || g.From != 3 || g.To != 5 {
		t.Errorf("stdout gap = %+v, want 3..5", g)
	}

	// Everything arrived: no gap.
	c2, sink2, _ := newCollector(t, DefaultConfig())
	send(t, c2, model.LogStreamStdout, 1, 2, 3)
	c2.Finish("ti_1", map[model.LogStream]int64{model.LogStreamStdout: 3})
	if len(sink2.gaps) != 0 {
		t.Errorf("gaps = %+v, want none", sink2.gaps)
	}
}

func TestLinesAfterFinishDropped(t *testing.T) {
	c, sink, _ := newCollector(t, DefaultConfig())
	send(t, c, model.LogStreamStdout, 1)
	c.Finish("ti_1", map[model.LogStream]int64{model.LogStreamStdout: 1})

	send(t, c, model.LogStreamStdout, 2)
	c.Sweep()
	if got := sink.lines[stdout]; !equalSeqs(got, []int64{1}) {
		t.Errorf("written = %v, want only 1", got)
	}
	if len(sink.gaps) != 0 {
		t.Errorf("gaps = %+v, want none", sink.gaps)
	}
	if st := c.Stats(); st.Late != 1 || st.Streams != 0 {
		t.Errorf("stats = %+v, want one late line and no open streams", st)
	}
}

func TestIdleStreamResumes(t *testing.T) {
	cfg := DefaultConfig()
	c, sink, clk := newCollector(t, cfg)
	send(t, c, model.LogStreamStdout, 1, 2)
	clk.advance(cfg.IdleTimeout)
	c.Sweep()

	send(t, c, model.LogStreamStdout, 3)
	if got := sink.lines[stdout]; !equalSeqs(got, []int64{1, 2, 3}) {
		t.Errorf("written = %v, want 1..3 without waiting", got)
	}
	c.Finish("ti_1", map[model.LogStream]int64{model.LogStreamStdout: 3})
	if len(sink.gaps) != 0 {
		t.Errorf("gaps = %+v, want none", sink.gaps)
	}
}

func TestIdleStreamClosed(t *testing.T) {
	cfg := DefaultConfig()
	c, sink, clk := newCollector(t, cfg)
	send(t, c, model.LogStreamStdout, 1)
	clk.advance(cfg.IdleTimeout)
	c.Sweep()
	if !sink.closed[stdout] {
		t.Error("idle stream not closed")
	}
}

func TestRunFinishesOnCancel(t *testing.T) {
	c, sink, _ := newCollector(t, DefaultConfig())
	send(t, c, model.LogStreamStdout, 1, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	<-done

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if !sink.closed[stdout] || len(sink.gaps) != 1 {
		t.Errorf("closed=%v gaps=%d, want closed with one gap", sink.closed[stdout], len(sink.gaps))
	}
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, 10, 1)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	c := NewCollector(sink, DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, seq := range []int64{2, 1, 4} {
		msg := &protocol.LogMessage{
			TaskInstanceID: "ti_9", Stream: model.LogStreamStdout, Sequence: seq,
			Content: "line " + string(rune('0'+seq)),
		}
		if err := c.Receive(msg); err != nil {
			t.Fatalf("Receive: %v", err)
		}
	}
	c.Finish("ti_9", nil)

	data, err := sink.Read("ti_9", model.LogStreamStdout)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(data); got != "line 1\nline 2\nline 4\n" {
		t.Errorf("log = %q", got)
	}
	gaps, err := sink.Gaps("ti_9")
	if err != nil {
		t.Fatalf("Gaps: %v", err)
	}
	if len(gaps) != 1 || gaps[0].From != 3 || gaps[0].Reason != GapFinished {
		t.Errorf("gaps = %+v", gaps)
	}

	if _, err := sink.Read("ti_9", model.LogStreamStderr); err != ErrNoLogs {
		t.Errorf("stderr err = %v, want ErrNoLogs", err)
	}
	if _, err := sink.Read("../etc", model.LogStreamStdout); err == nil || !strings.Contains(err.Error(), "invalid") {
		t.Errorf("path traversal err = %v", err)
	}
}
