// Package logsink captures instance output. One reader goroutine per attached
// stream feeds a bounded channel drained by a single writer goroutine, which
// appends each line to the instance's durable log and to a bounded in-memory
// queue used for tailing.
package logsink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/loykin/mockvisor/internal/logger"
)

// ErrLogNotFound is returned by ReadLog when the instance has never written a log.
var ErrLogNotFound = errors.New("log not found")

const (
	// FileName is the durable log inside an instance directory.
	FileName = "process.log"

	DefaultQueueSize = 1000
	channelSize      = 256
)

// Config configures a Sink.
type Config struct {
	Dir       string // instances directory; logs live at Dir/<key>/process.log
	QueueSize int
	Rotation  logger.FileConfig
	Logger    *slog.Logger
}

type record struct {
	key   int
	line  string
	flush chan struct{} // non-nil marks end of stream; closed once prior lines are written
}

type Sink struct {
	dir       string
	queueSize int
	rotation  logger.FileConfig
	log       *slog.Logger

	lines chan record
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	mu      sync.Mutex
	queues  map[int]*ring
	writers map[int]io.WriteCloser
}

func New(cfg Config) *Sink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Sink{
		dir:       cfg.Dir,
		queueSize: cfg.QueueSize,
		rotation:  cfg.Rotation,
		log:       cfg.Logger.With("component", "logsink"),
		lines:     make(chan record, channelSize),
		quit:      make(chan struct{}),
		queues:    make(map[int]*ring),
		writers:   make(map[int]io.WriteCloser),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// Path returns the durable log location for key.
func (s *Sink) Path(key int) string {
	return filepath.Join(s.dir, strconv.Itoa(key), FileName)
}

// Attach starts copying r line by line into key's log and takes ownership of r,
// closing it at EOF when it is an io.Closer. The returned channel is closed
// after r reaches EOF and every line read from it has been written.
func (s *Sink) Attach(key int, r io.Reader) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if line != "" {
				if !s.send(record{key: key, line: strings.TrimRight(line, "\r\n")}) {
					close(done)
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					s.log.Debug("instance stream read ended", "key", key, "error", err)
				}
				break
			}
		}
		if c, ok := r.(io.Closer); ok {
			_ = c.Close()
		}
		if !s.send(record{key: key, flush: done}) {
			close(done)
		}
	}()
	return done
}

func (s *Sink) send(rec record) bool {
	select {
	case s.lines <- rec:
		return true
	case <-s.quit:
		return false
	}
}

func (s *Sink) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.lines:
			s.handle(rec)
		case <-s.quit:
			// Drain what readers already queued so nothing accepted is lost.
			for {
				select {
				case rec := <-s.lines:
					s.handle(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) handle(rec record) {
	if rec.flush != nil {
		s.mu.Lock()
		if w, ok := s.writers[rec.key]; ok {
			_ = w.Close()
			delete(s.writers, rec.key)
		}
		s.mu.Unlock()
		close(rec.flush)
		return
	}
	s.mu.Lock()
	w, ok := s.writers[rec.key]
	if !ok {
		w = s.rotation.InstanceWriter(s.Path(rec.key))
		s.writers[rec.key] = w
	}
	q, ok := s.queues[rec.key]
	if !ok {
		q = newRing(s.queueSize)
		s.queues[rec.key] = q
	}
	q.push(rec.line)
	s.mu.Unlock()

	if _, err := io.WriteString(w, rec.line+"\n"); err != nil {
		s.log.Warn("write instance log", "key", rec.key, "error", err)
	}
}

// ReadLog returns the full durable log of key.
func (s *Sink) ReadLog(key int) (string, error) {
	b, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("instance %d: %w", key, ErrLogNotFound)
		}
		return "", fmt.Errorf("read log for instance %d: %w", key, err)
	}
	return string(b), nil
}

// Drain returns the queued lines of key, oldest first, and empties the queue.
func (s *Sink) Drain(key int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[key]
	if !ok {
		return nil
	}
	return q.drain()
}

// Forget drops the transient queue of key.
func (s *Sink) Forget(key int) {
	s.mu.Lock()
	delete(s.queues, key)
	s.mu.Unlock()
}

// Close stops the writer after flushing queued lines. Readers still attached
// to live children are abandoned.
func (s *Sink) Close() error {
	s.once.Do(func() { close(s.quit) })
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for k, w := range s.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.writers, k)
	}
	return errors.Join(errs...)
}
