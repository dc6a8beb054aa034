/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package eventlog writes the append-only record of a game session: round
// starts, moves, victories and disconnects.
package eventlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	logDate   = `2006-01-02T15:04:05.000-07:00`
	queueSize = 1024
)

var ErrClosed = errors.New("event log closed")

// Sink queues event lines and writes them from a single goroutine, in the
// order Infof was called. Callers never wait on the writer: when the queue
// is full the event is dropped and counted. A nil *Sink discards everything.
type Sink struct {
	w     io.Writer
	file  *os.File
	lines chan string
	done  chan struct{}

	mu     sync.Mutex
	closed bool

	errMu sync.Mutex
	err   error

	dropped atomic.Int64
}

// Open appends to the file at path, creating it if needed.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	s := New(f)
	s.file = f

	return s, nil
}

// New returns a Sink writing to w. Close does not close w.
func New(w io.Writer) *Sink {
	s := &Sink{
		w:     w,
		lines: make(chan string, queueSize),
		done:  make(chan struct{}),
	}

	go s.run()

	return s
}

func (s *Sink) run() {
	defer close(s.done)

	for line := range s.lines {
		if _, err := io.WriteString(s.w, line); err != nil {
			s.recordErr(err)
		}
	}
}

func (s *Sink) recordErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	if s.err == nil {
		s.err = err
	}
}

// Infof records one event.
func (s *Sink) Infof(format string, args ...any) {
	s.write("INFO", format, args...)
}

// Warnf records an event that needs attention.
func (s *Sink) Warnf(format string, args ...any) {
	s.write("WARN", format, args...)
}

func (s *Sink) write(level, format string, args ...any) {
	if s == nil {
		return
	}

	line := fmt.Sprintf("[%s] %-4s %s\n", time.Now().Format(logDate), level, fmt.Sprintf(format, args...))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.lines <- line:
	default:
		s.dropped.Add(1)
	}
}

// Dropped is the number of events discarded because the queue was full.
func (s *Sink) Dropped() int64 {
	if s == nil {
		return 0
	}

	return s.dropped.Load()
}

// Close flushes queued events and closes the file opened by Open. It
// returns the first write error, if any.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	close(s.lines)
	s.mu.Unlock()

	<-s.done

	if n := s.dropped.Load(); n > 0 {
		line := fmt.Sprintf("[%s] %-4s %d events dropped, writer fell behind\n", time.Now().Format(logDate), "WARN", n)
		if _, err := io.WriteString(s.w, line); err != nil {
			s.recordErr(err)
		}
	}

	s.errMu.Lock()
	err := s.err
	s.errMu.Unlock()

	if s.file != nil {
		if syncErr := s.file.Sync(); err == nil {
			err = syncErr
		}
		if closeErr := s.file.Close(); err == nil {
			err = closeErr
		}
	}

	return err
}
