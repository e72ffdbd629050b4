package storage

import (
	"fmt"
	"sync/atomic"

	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/filesys"
	"github.com/cuemby/agent/internal/log"
)

// singleThreadCachedFile is the non-concurrent implementation backing
// CachedFile; it keeps the last-read value in memory so repeated reads
// don't hit disk.
type singleThreadCachedFile[T any] struct {
	path  string
	value T
}

func newSingleThreadCachedFile[T any](path string) (*singleThreadCachedFile[T], error) {
	value, err := filesys.ReadJSON[T](path)
	if err != nil {
		return nil, err
	}
	return &singleThreadCachedFile[T]{path: path, value: value}, nil
}

func newSingleThreadCachedFileWithDefault[T any](path string, defaultValue T) (*singleThreadCachedFile[T], error) {
	if !filesys.Exists(path) {
		if err := filesys.WriteJSON(path, defaultValue, 0o644); err != nil {
			return nil, err
		}
		return &singleThreadCachedFile[T]{path: path, value: defaultValue}, nil
	}
	value, err := filesys.ReadJSON[T](path)
	if err != nil {
		log.WithComponent("storage").Warn().Err(err).Str("path", path).
			Msg("cached file contains invalid data, resetting to default")
		if werr := filesys.WriteJSON(path, defaultValue, 0o644); werr != nil {
			return nil, werr
		}
		return &singleThreadCachedFile[T]{path: path, value: defaultValue}, nil
	}
	return &singleThreadCachedFile[T]{path: path, value: value}, nil
}

func createSingleThreadCachedFile[T any](path string, value T, overwrite bool) (*singleThreadCachedFile[T], error) {
	if !overwrite && filesys.Exists(path) {
		return nil, &errs.Duplicate{Key: path}
	}
	if err := filesys.WriteJSON(path, value, 0o644); err != nil {
		return nil, err
	}
	return &singleThreadCachedFile[T]{path: path, value: value}, nil
}

func (f *singleThreadCachedFile[T]) read() T {
	return f.value
}

func (f *singleThreadCachedFile[T]) write(value T) error {
	if err := filesys.WriteJSON(f.path, value, 0o644); err != nil {
		return err
	}
	f.value = value
	return nil
}

func (f *singleThreadCachedFile[T]) patch(apply func(*T)) error {
	next := f.value
	apply(&next)
	return f.write(next)
}

type cachedFileCommand[T any] struct {
	run func(f *singleThreadCachedFile[T])
}

// CachedFile is a single-writer, FIFO-ordered handle to a single JSON
// document on disk: the C2 singleton counterpart to the keyed Cache actor.
// The token file is owned exclusively by its CachedFile actor, matching the
// shared-resource policy for the cache files it sits alongside.
type CachedFile[T any] struct {
	commands chan cachedFileCommand[T]
	done     chan struct{}
	stopped  atomic.Bool
	path     string
}

func newCachedFile[T any](inner *singleThreadCachedFile[T], path string) *CachedFile[T] {
	f := &CachedFile[T]{
		commands: make(chan cachedFileCommand[T], 64),
		done:     make(chan struct{}),
		path:     path,
	}
	go f.run(inner)
	return f
}

func (f *CachedFile[T]) run(inner *singleThreadCachedFile[T]) {
	defer close(f.done)
	for cmd := range f.commands {
		cmd.run(inner)
	}
}

// NewCachedFile loads an existing file at path. It fails if the file is
// missing or contains invalid JSON.
func NewCachedFile[T any](path string) (*CachedFile[T], error) {
	inner, err := newSingleThreadCachedFile[T](path)
	if err != nil {
		return nil, err
	}
	return newCachedFile(inner, path), nil
}

// NewCachedFileWithDefault loads the file at path, writing defaultValue if
// the file is missing or unreadable.
func NewCachedFileWithDefault[T any](path string, defaultValue T) (*CachedFile[T], error) {
	inner, err := newSingleThreadCachedFileWithDefault[T](path, defaultValue)
	if err != nil {
		return nil, err
	}
	return newCachedFile(inner, path), nil
}

// CreateCachedFile writes value to path, creating a new cached file. If
// overwrite is false and the file already exists, it returns errs.Duplicate.
func CreateCachedFile[T any](path string, value T, overwrite bool) (*CachedFile[T], error) {
	inner, err := createSingleThreadCachedFile[T](path, value, overwrite)
	if err != nil {
		return nil, err
	}
	return newCachedFile(inner, path), nil
}

// Shutdown drains any queued commands, then stops the actor goroutine. Sends
// issued after Shutdown returns errs.SendActorMessage.
func (f *CachedFile[T]) Shutdown() error {
	log.WithComponent("storage").Info().Str("path", f.path).Msg("shutting down cached file")
	f.stopped.Store(true)
	close(f.commands)
	<-f.done
	log.WithComponent("storage").Info().Str("path", f.path).Msg("cached file shutdown complete")
	return nil
}

func sendToFile[T any, R any](f *CachedFile[T], fn func(*singleThreadCachedFile[T]) R) (R, error) {
	var zero R
	if f.stopped.Load() {
		return zero, &errs.SendActorMessage{Err: fmt.Errorf("cached file %q is shut down", f.path)}
	}

	reply := make(chan R, 1)
	select {
	case f.commands <- cachedFileCommand[T]{run: func(inner *singleThreadCachedFile[T]) {
		reply <- fn(inner)
	}}:
	case <-f.done:
		return zero, &errs.SendActorMessage{Err: fmt.Errorf("cached file %q is shut down", f.path)}
	}

	select {
	case r := <-reply:
		return r, nil
	case <-f.done:
		select {
		case r := <-reply:
			return r, nil
		default:
			return zero, &errs.ReceiveActorMessage{Err: fmt.Errorf("cached file %q shut down before replying", f.path)}
		}
	}
}

// Read returns the in-memory value.
func (f *CachedFile[T]) Read() (T, error) {
	return sendToFile(f, func(inner *singleThreadCachedFile[T]) T {
		return inner.read()
	})
}

// Write replaces the value in memory and on disk.
func (f *CachedFile[T]) Write(value T) error {
	err, sendErr := sendToFile(f, func(inner *singleThreadCachedFile[T]) error {
		return inner.write(value)
	})
	if sendErr != nil {
		return sendErr
	}
	return err
}

// Patch applies apply to a copy of the current value and persists the
// result, running entirely inside the actor goroutine so concurrent patches
// never interleave.
func (f *CachedFile[T]) Patch(apply func(*T)) error {
	err, sendErr := sendToFile(f, func(inner *singleThreadCachedFile[T]) error {
		return inner.patch(apply)
	})
	if sendErr != nil {
		return sendErr
	}
	return err
}
