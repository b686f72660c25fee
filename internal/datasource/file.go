package datasource

import (
	"bufio"
	"context"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/aoba-ctl/aoba-ctl/internal/applog"
)

// fileSource backs both File and Pipe variants: they share the same
// JSON-line format (spec.md §4.5), differing only in how the underlying
// path is provisioned by the caller. Reads are driven by fsnotify Write
// events rather than polling, and the watcher itself also tells us when the
// source disappears for good.
type fileSource struct {
	path   string
	watch  *fsnotify.Watcher
	reader *bufio.Reader
	file   *os.File

	mu          sync.Mutex
	disappeared bool
}

func newFileSource(path string) (*fileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		f.Close()
		return nil, err
	}
	return &fileSource{path: path, watch: w, reader: bufio.NewReader(f), file: f}, nil
}

func (s *fileSource) Next(ctx context.Context) ([]uint16, bool, error) {
	s.mu.Lock()
	gone := s.disappeared
	s.mu.Unlock()
	if gone {
		return nil, false, nil
	}

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case ev, ok := <-s.watch.Events:
		if !ok {
			return nil, false, nil
		}
		if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			s.markDisappeared()
			return nil, false, nil
		}
		if ev.Op&fsnotify.Write == 0 {
			return nil, false, nil
		}
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			// Not a full line yet; try again next write event.
			return nil, false, nil
		}
		values, perr := parseLine([]byte(line))
		if perr != nil {
			applog.WithPort(s.path).Warn("data-source-error", zap.Error(perr))
			return nil, false, nil
		}
		return values, true, nil
	case err, ok := <-s.watch.Errors:
		if !ok {
			return nil, false, nil
		}
		return nil, false, err
	}
}

func (s *fileSource) markDisappeared() {
	s.mu.Lock()
	already := s.disappeared
	s.disappeared = true
	s.mu.Unlock()
	if !already {
		applog.WithPort(s.path).Warn("data source disappeared, continuing read-only")
	}
}

func (s *fileSource) Close() error {
	s.watch.Close()
	return s.file.Close()
}
