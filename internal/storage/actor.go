package storage

import (
	"fmt"
	"sync/atomic"

	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/log"
)

type cacheCommand[K comparable, V any] struct {
	run func(c *singleThreadCache[K, V])
}

// Cache is a single-writer, FIFO-ordered handle to an on-disk CacheEntry
// store. All operations are serialized through one goroutine, so concurrent
// callers never race on the same entry file.
type Cache[K comparable, V any] struct {
	commands chan cacheCommand[K, V]
	done     chan struct{}
	stopped  atomic.Bool
	label    string
}

// NewCache spawns the actor goroutine backing a Cache rooted at dir. keyToName
// converts a key into the filename stem used for its entry file.
func NewCache[K comparable, V any](dir string, keyToName func(K) string, label string) *Cache[K, V] {
	inner := newSingleThreadCache[K, V](dir, keyToName, label)
	c := &Cache[K, V]{
		commands: make(chan cacheCommand[K, V], 64),
		done:     make(chan struct{}),
		label:    label,
	}
	go c.run(inner)
	return c
}

func (c *Cache[K, V]) run(inner *singleThreadCache[K, V]) {
	defer close(c.done)
	for cmd := range c.commands {
		cmd.run(inner)
	}
}

// Shutdown drains any queued commands, then stops the actor goroutine. Sends
// issued after Shutdown returns errs.SendActorMessage.
func (c *Cache[K, V]) Shutdown() error {
	log.WithComponent("storage").Info().Str("label", c.label).Msg("shutting down cache")
	c.stopped.Store(true)
	close(c.commands)
	<-c.done
	log.WithComponent("storage").Info().Str("label", c.label).Msg("cache shutdown complete")
	return nil
}

func send[K comparable, V any, R any](c *Cache[K, V], fn func(*singleThreadCache[K, V]) R) (R, error) {
	var zero R
	if c.stopped.Load() {
		return zero, &errs.SendActorMessage{Err: fmt.Errorf("cache %q is shut down", c.label)}
	}

	reply := make(chan R, 1)
	select {
	case c.commands <- cacheCommand[K, V]{run: func(inner *singleThreadCache[K, V]) {
		reply <- fn(inner)
	}}:
	case <-c.done:
		return zero, &errs.SendActorMessage{Err: fmt.Errorf("cache %q is shut down", c.label)}
	}

	select {
	case r := <-reply:
		return r, nil
	case <-c.done:
		select {
		case r := <-reply:
			return r, nil
		default:
			return zero, &errs.ReceiveActorMessage{Err: fmt.Errorf("cache %q shut down before replying", c.label)}
		}
	}
}

// ReadEntryOptional returns the full entry for key, or nil if absent.
func (c *Cache[K, V]) ReadEntryOptional(key K, updateLastAccessed bool) (*CacheEntry[K, V], error) {
	type result struct {
		entry *CacheEntry[K, V]
		err   error
	}
	r, sendErr := send(c, func(inner *singleThreadCache[K, V]) result {
		entry, err := inner.readEntryOptional(key, updateLastAccessed)
		return result{entry, err}
	})
	if sendErr != nil {
		return nil, sendErr
	}
	return r.entry, r.err
}

// ReadEntry returns the full entry for key, or errs.NotFound.
func (c *Cache[K, V]) ReadEntry(key K, updateLastAccessed bool) (*CacheEntry[K, V], error) {
	type result struct {
		entry *CacheEntry[K, V]
		err   error
	}
	r, sendErr := send(c, func(inner *singleThreadCache[K, V]) result {
		entry, err := inner.readEntry(key, updateLastAccessed)
		return result{entry, err}
	})
	if sendErr != nil {
		return nil, sendErr
	}
	return r.entry, r.err
}

// ReadOptional returns the value for key, or nil if absent.
func (c *Cache[K, V]) ReadOptional(key K) (*V, error) {
	type result struct {
		value *V
		err   error
	}
	r, sendErr := send(c, func(inner *singleThreadCache[K, V]) result {
		v, err := inner.readOptional(key)
		return result{v, err}
	})
	if sendErr != nil {
		return nil, sendErr
	}
	return r.value, r.err
}

// Read returns the value for key, or errs.NotFound.
func (c *Cache[K, V]) Read(key K) (V, error) {
	type result struct {
		value V
		err   error
	}
	r, sendErr := send(c, func(inner *singleThreadCache[K, V]) result {
		v, err := inner.read(key)
		return result{v, err}
	})
	var zero V
	if sendErr != nil {
		return zero, sendErr
	}
	return r.value, r.err
}

// Write upserts key/value. isDirty decides the written entry's dirty flag;
// overwrite controls whether an existing entry may be replaced.
func (c *Cache[K, V]) Write(key K, value V, isDirty IsDirtyFunc[K, V], overwrite bool) error {
	err, sendErr := send(c, func(inner *singleThreadCache[K, V]) error {
		return inner.write(key, value, isDirty, overwrite)
	})
	if sendErr != nil {
		return sendErr
	}
	return err
}

// Delete removes the entry for key, if any.
func (c *Cache[K, V]) Delete(key K) error {
	err, sendErr := send(c, func(inner *singleThreadCache[K, V]) error {
		return inner.delete(key)
	})
	if sendErr != nil {
		return sendErr
	}
	return err
}

// Size returns the number of entries currently on disk.
func (c *Cache[K, V]) Size() (int, error) {
	type result struct {
		n   int
		err error
	}
	r, sendErr := send(c, func(inner *singleThreadCache[K, V]) result {
		n, err := inner.size()
		return result{n, err}
	})
	if sendErr != nil {
		return 0, sendErr
	}
	return r.n, r.err
}

// Prune deletes corrupt entries, then the least-recently-accessed entries
// until size is at most maxSize.
func (c *Cache[K, V]) Prune(maxSize int) error {
	err, sendErr := send(c, func(inner *singleThreadCache[K, V]) error {
		return inner.prune(maxSize)
	})
	if sendErr != nil {
		return sendErr
	}
	return err
}

// Entries returns every readable entry in the cache. Corrupt entries are
// skipped, not surfaced as an error.
func (c *Cache[K, V]) Entries() ([]CacheEntry[K, V], error) {
	type result struct {
		entries []CacheEntry[K, V]
		err     error
	}
	r, sendErr := send(c, func(inner *singleThreadCache[K, V]) result {
		entries, err := inner.entries()
		return result{entries, err}
	})
	if sendErr != nil {
		return nil, sendErr
	}
	return r.entries, r.err
}

// FindAllEntries returns every entry matching filter.
func (c *Cache[K, V]) FindAllEntries(filter func(CacheEntry[K, V]) bool) ([]CacheEntry[K, V], error) {
	type result struct {
		entries []CacheEntry[K, V]
		err     error
	}
	r, sendErr := send(c, func(inner *singleThreadCache[K, V]) result {
		entries, err := inner.findAllEntries(filter)
		return result{entries, err}
	})
	if sendErr != nil {
		return nil, sendErr
	}
	return r.entries, r.err
}

// FindAll returns every value matching filter.
func (c *Cache[K, V]) FindAll(filter func(V) bool) ([]V, error) {
	type result struct {
		values []V
		err    error
	}
	r, sendErr := send(c, func(inner *singleThreadCache[K, V]) result {
		values, err := inner.findAll(filter)
		return result{values, err}
	})
	if sendErr != nil {
		return nil, sendErr
	}
	return r.values, r.err
}

// FindOneEntryOptional returns the single entry matching filter, nil if none
// match, or errs.AmbiguousResult if more than one matches.
func (c *Cache[K, V]) FindOneEntryOptional(filterName string, filter func(CacheEntry[K, V]) bool) (*CacheEntry[K, V], error) {
	type result struct {
		entry *CacheEntry[K, V]
		err   error
	}
	r, sendErr := send(c, func(inner *singleThreadCache[K, V]) result {
		entry, err := inner.findOneEntryOptional(filterName, filter)
		return result{entry, err}
	})
	if sendErr != nil {
		return nil, sendErr
	}
	return r.entry, r.err
}

// FindOneOptional returns the single value matching filter, nil if none
// match, or errs.AmbiguousResult if more than one matches.
func (c *Cache[K, V]) FindOneOptional(filterName string, filter func(V) bool) (*V, error) {
	type result struct {
		value *V
		err   error
	}
	r, sendErr := send(c, func(inner *singleThreadCache[K, V]) result {
		v, err := inner.findOneOptional(filterName, filter)
		return result{v, err}
	})
	if sendErr != nil {
		return nil, sendErr
	}
	return r.value, r.err
}

// FindOneEntry returns the single entry matching filter, or errs.NotFound.
func (c *Cache[K, V]) FindOneEntry(filterName string, filter func(CacheEntry[K, V]) bool) (*CacheEntry[K, V], error) {
	type result struct {
		entry *CacheEntry[K, V]
		err   error
	}
	r, sendErr := send(c, func(inner *singleThreadCache[K, V]) result {
		entry, err := inner.findOneEntry(filterName, filter)
		return result{entry, err}
	})
	if sendErr != nil {
		return nil, sendErr
	}
	return r.entry, r.err
}

// FindOne returns the single value matching filter, or errs.NotFound.
func (c *Cache[K, V]) FindOne(filterName string, filter func(V) bool) (V, error) {
	type result struct {
		value V
		err   error
	}
	r, sendErr := send(c, func(inner *singleThreadCache[K, V]) result {
		v, err := inner.findOne(filterName, filter)
		return result{v, err}
	})
	var zero V
	if sendErr != nil {
		return zero, sendErr
	}
	return r.value, r.err
}

// GetDirtyEntries returns every entry whose IsDirty flag is set.
func (c *Cache[K, V]) GetDirtyEntries() ([]CacheEntry[K, V], error) {
	type result struct {
		entries []CacheEntry[K, V]
		err     error
	}
	r, sendErr := send(c, func(inner *singleThreadCache[K, V]) result {
		entries, err := inner.getDirtyEntries()
		return result{entries, err}
	})
	if sendErr != nil {
		return nil, sendErr
	}
	return r.entries, r.err
}
