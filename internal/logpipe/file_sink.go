package logpipe

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/me/gosched/pkg/model"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrNoLogs is returned by Read when nothing was recorded for a stream.
var ErrNoLogs = errors.New("no logs recorded")

const gapsFile = "gaps.jsonl"

// FileSink stores each stream at <dir>/<instance>/<stream>.log, rotated by
// lumberjack, and gap records at <dir>/<instance>/gaps.jsonl.
type FileSink struct {
	dir        string
	maxSizeMB  int
	maxBackups int

	mu      sync.Mutex
	writers map[Key]*lumberjack.Logger
}

// NewFileSink creates the log directory if needed.
func NewFileSink(dir string, maxSizeMB, maxBackups int) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &FileSink{
		dir:        dir,
		maxSizeMB:  maxSizeMB,
		maxBackups: maxBackups,
		writers:    make(map[Key]*lumberjack.Logger),
	}, nil
}

func (s *FileSink) instanceDir(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid task instance id %q", id)
	}
	return filepath.Join(s.dir, id), nil
}

func (s *FileSink) Write(key Key, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.writers[key]
	if !ok {
		dir, err := s.instanceDir(key.InstanceID)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		w = &lumberjack.Logger{
			Filename:   filepath.Join(dir, string(key.Stream)+".log"),
			MaxSize:    s.maxSizeMB,
			MaxBackups: s.maxBackups,
		}
		s.writers[key] = w
	}

	line := e.Content
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, err := w.Write([]byte(line))
	return err
}

func (s *FileSink) Gap(gap model.LogGap) error {
	dir, err := s.instanceDir(gap.TaskInstanceID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(gap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(dir, gapsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

func (s *FileSink) Close(key Key) error {
	s.mu.Lock()
	w, ok := s.writers[key]
	delete(s.writers, key)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Close()
}

// Read returns the current log file of a stream.
func (s *FileSink) Read(instanceID string, stream model.LogStream) ([]byte, error) {
	if !stream.Valid() {
		return nil, fmt.Errorf("unknown stream %q", stream)
	}
	dir, err := s.instanceDir(instanceID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, string(stream)+".log"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoLogs
	}
	return data, err
}

// Gaps returns the gap records of an instance.
func (s *FileSink) Gaps(instanceID string) ([]model.LogGap, error) {
	dir, err := s.instanceDir(instanceID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, gapsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var gaps []model.LogGap
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var g model.LogGap
		if err := json.Unmarshal([]byte(line), &g); err != nil {
			return nil, fmt.Errorf("parse gap record: %w", err)
		}
		gaps = append(gaps, g)
	}
	return gaps, nil
}

// CloseAll closes every open writer.
func (s *FileSink) CloseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for key, w := range s.writers {
		errs = append(errs, w.Close())
		delete(s.writers, key)
	}
	return errors.Join(errs...)
}
