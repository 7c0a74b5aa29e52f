// Package credstore watches an on-disk credentials blob and reloads it
// whenever it changes, so a long-lived embedder doesn't have to restart
// to pick up credentials written by a separate pairing tool.
package credstore

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/postlund/goraop/raop"
)

const (
	minInterval    = 1 * time.Second
	additionalWait = 10 * time.Millisecond
)

// Store holds the most recently loaded Credentials parsed from a blob
// file, and watches that file for external rewrites.
type Store struct {
	inner       *fsnotify.Watcher
	watchedPath string

	mu          sync.RWMutex
	current     raop.Credentials
	lastLoadErr error

	terminate chan struct{}
	signal    chan struct{}
	done      chan struct{}
}

// New loads path (in the raop.Credentials String/ParseCredentials
// colon-hex format) and begins watching it for changes. A missing file
// is not an error: Store starts holding raop.NoCredentials and begins
// watching the parent directory for the file's eventual creation.
func New(path string) (*Store, error) {
	inner, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	absolutePath, err := filepath.Abs(path)
	if err != nil {
		inner.Close() //nolint:errcheck
		return nil, err
	}

	if err := inner.Add(filepath.Dir(absolutePath)); err != nil {
		inner.Close() //nolint:errcheck
		return nil, err
	}

	s := &Store{
		inner:       inner,
		watchedPath: absolutePath,
		terminate:   make(chan struct{}),
		signal:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.reload()

	go s.run()

	return s, nil
}

// Current returns the most recently loaded credentials. If the blob
// file is missing or malformed, this is raop.NoCredentials and LastError
// reports why.
func (s *Store) Current() raop.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// LastError returns the error from the most recent (re)load attempt, or
// nil if it succeeded.
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastLoadErr
}

// Watch returns a channel that receives a value each time the blob file
// has been reloaded, successfully or not; check LastError afterward.
func (s *Store) Watch() chan struct{} {
	return s.signal
}

// Close stops watching and releases the underlying inotify/kqueue
// handle.
func (s *Store) Close() {
	close(s.terminate)
	<-s.done
}

func (s *Store) reload() {
	data, err := os.ReadFile(s.watchedPath)
	if err != nil {
		s.mu.Lock()
		s.current = raop.NoCredentials
		s.lastLoadErr = err
		s.mu.Unlock()
		return
	}

	creds, err := raop.ParseCredentials(string(data))
	s.mu.Lock()
	if err != nil {
		s.current = raop.NoCredentials
	} else {
		s.current = creds
	}
	s.lastLoadErr = err
	s.mu.Unlock()
}

func (s *Store) run() {
	defer close(s.done)

	var lastCalled time.Time
	previousWatchedPath, _ := filepath.EvalSymlinks(s.watchedPath)

outer:
	for {
		select {
		case event := <-s.inner.Events:
			if time.Since(lastCalled) < minInterval {
				continue
			}

			currentWatchedPath, _ := filepath.EvalSymlinks(s.watchedPath)
			eventPath, _ := filepath.Abs(event.Name)

			if currentWatchedPath == "" {
				previousWatchedPath = ""
			} else if currentWatchedPath != previousWatchedPath ||
				(eventPath == currentWatchedPath &&
					((event.Op&fsnotify.Write) == fsnotify.Write ||
						(event.Op&fsnotify.Create) == fsnotify.Create)) {
				time.Sleep(additionalWait)
				previousWatchedPath = currentWatchedPath
				lastCalled = time.Now()

				s.reload()

				select {
				case s.signal <- struct{}{}:
				case <-s.terminate:
					break outer
				}
			}

		case <-s.inner.Errors:
			break outer

		case <-s.terminate:
			break outer
		}
	}

	close(s.signal)
	s.inner.Close() //nolint:errcheck
}
