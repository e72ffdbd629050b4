// Package storage implements the on-disk, per-entry JSON cache that backs
// every config instance, schema, and device record the agent keeps locally.
// Each cache entry is one file, written atomically, so a crash mid-write
// never corrupts sibling entries.
package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/filesys"
	"github.com/cuemby/agent/internal/log"
)

// CacheEntry is the on-disk envelope wrapping every cached value.
type CacheEntry[K comparable, V any] struct {
	Key          K         `json:"key"`
	Value        V         `json:"value"`
	IsDirty      bool      `json:"is_dirty"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// IsDirtyFunc decides whether a freshly-written value should be marked dirty
// (pending a push to the backend). existing is nil on first write.
type IsDirtyFunc[K comparable, V any] func(existing *CacheEntry[K, V], next V) bool

// singleThreadCache is the non-concurrent implementation; Cache wraps one of
// these behind an actor so callers never need to coordinate access
// themselves.
type singleThreadCache[K comparable, V any] struct {
	dir       string
	keyToName func(K) string
	label     string
}

func newSingleThreadCache[K comparable, V any](dir string, keyToName func(K) string, label string) *singleThreadCache[K, V] {
	return &singleThreadCache[K, V]{dir: dir, keyToName: keyToName, label: label}
}

func (c *singleThreadCache[K, V]) entryPath(key K) string {
	name := filesys.SanitizeFilename(c.keyToName(key)) + ".json"
	return c.dir + "/" + name
}

func (c *singleThreadCache[K, V]) readEntryOptional(key K, updateLastAccessed bool) (*CacheEntry[K, V], error) {
	path := c.entryPath(key)
	if !filesys.Exists(path) {
		return nil, nil
	}
	entry, err := filesys.ReadJSON[CacheEntry[K, V]](path)
	if err != nil {
		return nil, &errs.CorruptEntry{Key: c.keyToName(key), Err: err}
	}
	if updateLastAccessed {
		entry.LastAccessed = time.Now().UTC()
		if err := c.writeEntry(&entry, true); err != nil {
			return nil, err
		}
	}
	return &entry, nil
}

func (c *singleThreadCache[K, V]) readEntry(key K, updateLastAccessed bool) (*CacheEntry[K, V], error) {
	entry, err := c.readEntryOptional(key, updateLastAccessed)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, &errs.NotFound{Label: c.label, Key: c.keyToName(key)}
	}
	return entry, nil
}

func (c *singleThreadCache[K, V]) readOptional(key K) (*V, error) {
	entry, err := c.readEntryOptional(key, true)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	return &entry.Value, nil
}

func (c *singleThreadCache[K, V]) read(key K) (V, error) {
	var zero V
	entry, err := c.readEntry(key, true)
	if err != nil {
		return zero, err
	}
	return entry.Value, nil
}

func (c *singleThreadCache[K, V]) writeEntry(entry *CacheEntry[K, V], overwrite bool) error {
	path := c.entryPath(entry.Key)
	if !overwrite && filesys.Exists(path) {
		return &errs.Duplicate{Key: c.keyToName(entry.Key)}
	}
	return filesys.WriteJSON(path, entry, 0o644)
}

func (c *singleThreadCache[K, V]) write(key K, value V, isDirty IsDirtyFunc[K, V], overwrite bool) error {
	existing, err := c.readEntryOptional(key, false)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	createdAt := now
	dirty := isDirty(nil, value)
	if existing != nil {
		createdAt = existing.CreatedAt
		dirty = isDirty(existing, value)
	}

	entry := &CacheEntry[K, V]{
		Key:          key,
		Value:        value,
		IsDirty:      dirty,
		CreatedAt:    createdAt,
		LastAccessed: now,
	}
	return c.writeEntry(entry, overwrite)
}

func (c *singleThreadCache[K, V]) delete(key K) error {
	return filesys.Delete(c.entryPath(key))
}

func (c *singleThreadCache[K, V]) size() (int, error) {
	names, err := filesys.ListFiles(c.dir)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func (c *singleThreadCache[K, V]) entries() ([]CacheEntry[K, V], error) {
	names, err := filesys.ListFiles(c.dir)
	if err != nil {
		return nil, err
	}
	entries := make([]CacheEntry[K, V], 0, len(names))
	for _, name := range names {
		entry, err := filesys.ReadJSON[CacheEntry[K, V]](c.dir + "/" + name)
		if err != nil {
			// skip corrupt entries here; pruneInvalidEntries is the
			// operation responsible for reclaiming them
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (c *singleThreadCache[K, V]) pruneInvalidEntries() error {
	names, err := filesys.ListFiles(c.dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		path := c.dir + "/" + name
		if _, err := filesys.ReadJSON[CacheEntry[K, V]](path); err != nil {
			if delErr := filesys.Delete(path); delErr != nil {
				return delErr
			}
		}
	}
	return nil
}

func (c *singleThreadCache[K, V]) prune(maxSize int) error {
	size, err := c.size()
	if err != nil {
		return err
	}
	if size <= maxSize {
		return nil
	}

	log.WithComponent("storage").Info().
		Str("label", c.label).
		Int("from", size).
		Int("to", maxSize).
		Msg("pruning cache")

	if err := c.pruneInvalidEntries(); err != nil {
		return err
	}

	entries, err := c.entries()
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessed.Before(entries[j].LastAccessed)
	})

	numDelete := len(entries) - maxSize
	if numDelete <= 0 {
		return nil
	}
	for _, entry := range entries[:numDelete] {
		if err := c.delete(entry.Key); err != nil {
			return err
		}
	}
	return nil
}

func (c *singleThreadCache[K, V]) findAllEntries(filter func(CacheEntry[K, V]) bool) ([]CacheEntry[K, V], error) {
	entries, err := c.entries()
	if err != nil {
		return nil, err
	}
	filtered := make([]CacheEntry[K, V], 0, len(entries))
	for _, e := range entries {
		if filter(e) {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (c *singleThreadCache[K, V]) findAll(filter func(V) bool) ([]V, error) {
	entries, err := c.entries()
	if err != nil {
		return nil, err
	}
	values := make([]V, 0, len(entries))
	for _, e := range entries {
		if filter(e.Value) {
			values = append(values, e.Value)
		}
	}
	return values, nil
}

func (c *singleThreadCache[K, V]) findOneEntryOptional(filterName string, filter func(CacheEntry[K, V]) bool) (*CacheEntry[K, V], error) {
	entries, err := c.findAllEntries(filter)
	if err != nil {
		return nil, err
	}
	if len(entries) > 1 {
		return nil, &errs.AmbiguousResult{Label: filterName, Count: len(entries)}
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (c *singleThreadCache[K, V]) findOneOptional(filterName string, filter func(V) bool) (*V, error) {
	values, err := c.findAll(filter)
	if err != nil {
		return nil, err
	}
	if len(values) > 1 {
		return nil, &errs.AmbiguousResult{Label: filterName, Count: len(values)}
	}
	if len(values) == 0 {
		return nil, nil
	}
	return &values[0], nil
}

func (c *singleThreadCache[K, V]) findOneEntry(filterName string, filter func(CacheEntry[K, V]) bool) (*CacheEntry[K, V], error) {
	entry, err := c.findOneEntryOptional(filterName, filter)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, &errs.NotFound{Label: fmt.Sprintf("%s (filter %s)", c.label, filterName)}
	}
	return entry, nil
}

func (c *singleThreadCache[K, V]) findOne(filterName string, filter func(V) bool) (V, error) {
	var zero V
	value, err := c.findOneOptional(filterName, filter)
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, &errs.NotFound{Label: fmt.Sprintf("%s (filter %s)", c.label, filterName)}
	}
	return *value, nil
}

func (c *singleThreadCache[K, V]) getDirtyEntries() ([]CacheEntry[K, V], error) {
	return c.findAllEntries(func(e CacheEntry[K, V]) bool { return e.IsDirty })
}
