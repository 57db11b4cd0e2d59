// Package kvstore implements a persistent key-value store backed by a
// SQLite manifest table plus a directory of caller-named data files. Values are
// stored inline in the manifest or as external files under data/, per the
// storage mode, and disk space is reclaimed through a staged trash
// directory drained off the caller's goroutine.
//
// A Storage is not safe for concurrent use; callers serialize access.
package kvstore

import (
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// pathHeadroom keeps room under PATH_MAX for manifest and data file names.
const (
	pathMax      = 4096
	pathHeadroom = 64
)

// batch sizes for bounded trims and progress removal
const (
	trimBatch     = 16
	progressBatch = 32
)

// Storage composes the file store, the manifest database and the storage
// mode policy behind one API.
type Storage struct {
	root string
	mode Mode
	fs   *fileStore
	db   *metaDB
	log  *logrus.Entry

	closed bool
}

// Option configures a Storage.
type Option func(*Storage)

// WithLogger routes diagnostics to log instead of the standard logger.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Storage) { s.log = log }
}

// Open creates (or reopens) a store rooted at root. The directory layout
// is root/manifest.sqlite plus root/data and root/trash. If opening the
// manifest fails, the store performs a full reset — manifest files deleted,
// data staged into trash, trash drained in the background — and retries
// once.
func Open(root string, mode Mode, opts ...Option) (*Storage, error) {
	if root == "" {
		return nil, ErrInvalidRoot
	}
	if len(root) > pathMax-pathHeadroom {
		return nil, ErrPathTooLong
	}
	s := &Storage{
		root: root,
		mode: mode,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	s.log = s.log.WithFields(logrus.Fields{"store": filepath.Base(root), "mode": mode.String()})

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "create store root")
	}
	fs, err := newFileStore(root, s.log)
	if err != nil {
		return nil, err
	}
	s.fs = fs
	s.db = newMetaDB(filepath.Join(root, dbFilename), s.log)

	if err := s.db.open(); err != nil {
		s.log.WithError(err).Warn("manifest open failed, resetting store")
		if err := s.reset(); err != nil {
			fs.close()
			return nil, err
		}
		if err := s.db.open(); err != nil {
			fs.close()
			return nil, err
		}
	}
	return s, nil
}

// reset deletes the manifest files, stages the data directory in trash and
// schedules a background drain. The next db open starts from scratch.
func (s *Storage) reset() error {
	s.db.close()
	for _, suffix := range []string{"", "-shm", "-wal"} {
		p := filepath.Join(s.root, dbFilename+suffix)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "remove manifest file")
		}
	}
	if err := s.fs.moveAllToTrash(); err != nil {
		return err
	}
	s.fs.emptyTrashInBackground()
	return nil
}

// Mode returns the configured storage mode.
func (s *Storage) Mode() Mode {
	return s.mode
}

// Close flushes nothing (writes are already durable to the OS) and releases
// the database and the trash worker.
func (s *Storage) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.db.close()
	s.fs.close()
}

// SaveItem persists value under key. A non-empty filename stores the value
// as data/<filename>; otherwise the value is stored inline in the manifest
// row. extended is opaque caller metadata kept with the row.
//
// In ModeFile a write without a filename is rejected. In ModeSQLite the
// filename is ignored and the value always goes inline.
func (s *Storage) SaveItem(key string, value []byte, filename string, extended []byte) error {
	if s.closed {
		return ErrClosed
	}
	if key == "" {
		return ErrInvalidKey
	}
	if len(value) == 0 {
		return ErrInvalidValue
	}
	if s.mode == ModeSQLite {
		filename = ""
	}
	if s.mode == ModeFile && filename == "" {
		return ErrMissingFilename
	}

	if filename != "" {
		if err := s.fs.write(filename, value); err != nil {
			s.log.WithError(err).WithField("key", key).Error("value file write failed")
			return err
		}
		if err := s.db.upsert(key, filename, len(value), nil, extended); err != nil {
			// Roll back the orphan file so the manifest invariant holds.
			if rmErr := s.fs.remove(filename); rmErr != nil {
				s.log.WithError(rmErr).WithField("filename", filename).Warn("orphan file cleanup failed")
			}
			return err
		}
		return nil
	}

	// Inline path. A previous external file for this key is now stale.
	if old, err := s.db.getFilename(key); err == nil && old != "" {
		if err := s.fs.remove(old); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).WithField("filename", old).Warn("stale file cleanup failed")
		}
	}
	return s.db.upsert(key, "", len(value), value, extended)
}

// SaveValue is SaveItem without a filename or extended data.
func (s *Storage) SaveValue(key string, value []byte) error {
	return s.SaveItem(key, value, "", nil)
}

// GetItem returns the full item for key, loading external file content when
// needed and updating the access time. A manifest row whose backing file
// has gone missing is pruned and reported as ErrNotFound.
func (s *Storage) GetItem(key string) (*Item, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if key == "" {
		return nil, ErrInvalidKey
	}
	it, err := s.db.getItem(key, true)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, ErrNotFound
	}
	if it.Filename != "" {
		data, err := s.fs.read(it.Filename)
		if err != nil {
			return nil, err
		}
		if data == nil {
			// The external file vanished out-of-band; heal the
			// manifest by dropping the orphaned row.
			if delErr := s.db.deleteItem(key); delErr != nil {
				s.log.WithError(delErr).WithField("key", key).Warn("orphan row cleanup failed")
			}
			return nil, ErrNotFound
		}
		it.Value = data
	}
	// Best effort: a failed access-time update never fails the read.
	if err := s.db.updateAccessTime(key); err != nil {
		s.log.WithError(err).WithField("key", key).Debug("access time update failed")
	}
	return it, nil
}

// GetItemInfo returns the item without its value: no inline bytes are read
// and no file I/O happens. The access time is not updated.
func (s *Storage) GetItemInfo(key string) (*Item, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if key == "" {
		return nil, ErrInvalidKey
	}
	it, err := s.db.getItem(key, false)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, ErrNotFound
	}
	return it, nil
}

// GetItemValue returns just the byte value for key.
func (s *Storage) GetItemValue(key string) ([]byte, error) {
	it, err := s.GetItem(key)
	if err != nil {
		return nil, err
	}
	return it.Value, nil
}

// GetItemsForKeys returns the items that exist for keys, with values
// loaded. Rows whose backing file is missing are pruned and skipped; an
// individual file failure never aborts the whole read. The result is nil
// only when the manifest query itself failed.
func (s *Storage) GetItemsForKeys(keys []string) ([]*Item, error) {
	if s.closed {
		return nil, ErrClosed
	}
	items, err := s.db.getItems(keys, true)
	if err != nil {
		return nil, err
	}
	kept := items[:0]
	var touched []string
	for _, it := range items {
		if it.Filename != "" {
			data, err := s.fs.read(it.Filename)
			if err != nil || data == nil {
				if delErr := s.db.deleteItem(it.Key); delErr != nil {
					s.log.WithError(delErr).WithField("key", it.Key).Warn("orphan row cleanup failed")
				}
				continue
			}
			it.Value = data
		}
		kept = append(kept, it)
		touched = append(touched, it.Key)
	}
	if err := s.db.updateAccessTimes(touched); err != nil {
		s.log.WithError(err).Debug("access time update failed")
	}
	if kept == nil {
		kept = []*Item{}
	}
	return kept, nil
}

// GetItemInfosForKeys returns the rows for keys without values or file I/O.
func (s *Storage) GetItemInfosForKeys(keys []string) ([]*Item, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return s.db.getItems(keys, false)
}

// GetItemValuesForKeys returns a key to value mapping for the items that
// exist and are readable.
func (s *Storage) GetItemValuesForKeys(keys []string) (map[string][]byte, error) {
	items, err := s.GetItemsForKeys(keys)
	if err != nil {
		return nil, err
	}
	values := make(map[string][]byte, len(items))
	for _, it := range items {
		values[it.Key] = it.Value
	}
	return values, nil
}

// ItemExists reports whether a manifest row exists for key. It does not
// verify the backing file; a read heals that case.
func (s *Storage) ItemExists(key string) (bool, error) {
	if s.closed {
		return false, ErrClosed
	}
	if key == "" {
		return false, ErrInvalidKey
	}
	n, err := s.db.countKey(key)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ItemCount returns the number of stored items.
func (s *Storage) ItemCount() (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return s.db.countAll()
}

// ItemsSize returns the sum of stored value sizes in bytes.
func (s *Storage) ItemsSize() (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return s.db.sumSize()
}

// RemoveItem deletes the item for key, including its external file.
func (s *Storage) RemoveItem(key string) error {
	if s.closed {
		return ErrClosed
	}
	if key == "" {
		return ErrInvalidKey
	}
	filename, err := s.db.getFilename(key)
	if err != nil {
		return err
	}
	if filename != "" {
		if err := s.fs.remove(filename); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).WithField("filename", filename).Warn("value file remove failed")
		}
	}
	return s.db.deleteItem(key)
}

// RemoveItems deletes the items for keys and their external files.
func (s *Storage) RemoveItems(keys []string) error {
	if s.closed {
		return ErrClosed
	}
	if len(keys) == 0 {
		return nil
	}
	filenames, err := s.db.getFilenames(keys)
	if err != nil {
		return err
	}
	s.removeFiles(filenames)
	return s.db.deleteItems(keys)
}

// RemoveItemsLargerThan deletes every item whose size exceeds size.
func (s *Storage) RemoveItemsLargerThan(size int) error {
	if s.closed {
		return ErrClosed
	}
	if size == math.MaxInt {
		return nil
	}
	if size < 0 {
		return s.RemoveAllItems()
	}
	filenames, err := s.db.getFilenamesLargerThan(size)
	if err != nil {
		return err
	}
	s.removeFiles(filenames)
	if err := s.db.deleteLargerThan(size); err != nil {
		return err
	}
	return s.db.checkpoint()
}

// RemoveItemsEarlierThan deletes every item whose last access predates ts
// (Unix seconds).
func (s *Storage) RemoveItemsEarlierThan(ts int64) error {
	if s.closed {
		return ErrClosed
	}
	if ts <= 0 {
		return nil
	}
	filenames, err := s.db.getFilenamesEarlierThan(ts)
	if err != nil {
		return err
	}
	s.removeFiles(filenames)
	if err := s.db.deleteEarlierThan(ts); err != nil {
		return err
	}
	return s.db.checkpoint()
}

// RemoveItemsToFitSize deletes least-recently-accessed items until the
// total stored size is at most maxSize.
func (s *Storage) RemoveItemsToFitSize(maxSize int) error {
	if s.closed {
		return ErrClosed
	}
	if maxSize == math.MaxInt {
		return nil
	}
	if maxSize <= 0 {
		return s.RemoveAllItems()
	}
	total, err := s.db.sumSize()
	if err != nil {
		return err
	}
	if err := s.trimOldest(&total, maxSize, func(it *Item) int { return it.Size }); err != nil {
		return err
	}
	return s.db.checkpoint()
}

// RemoveItemsToFitCount deletes least-recently-accessed items until at most
// maxCount remain.
func (s *Storage) RemoveItemsToFitCount(maxCount int) error {
	if s.closed {
		return ErrClosed
	}
	if maxCount == math.MaxInt {
		return nil
	}
	if maxCount <= 0 {
		return s.RemoveAllItems()
	}
	total, err := s.db.countAll()
	if err != nil {
		return err
	}
	if err := s.trimOldest(&total, maxCount, func(*Item) int { return 1 }); err != nil {
		return err
	}
	return s.db.checkpoint()
}

// trimOldest walks rows oldest-access-first in small batches, deleting each
// row and its file and decrementing total by weight until total fits bound.
func (s *Storage) trimOldest(total *int, bound int, weight func(*Item) int) error {
	for *total > bound {
		items, err := s.db.getOldest(trimBatch)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		for _, it := range items {
			if *total <= bound {
				return nil
			}
			if it.Filename != "" {
				if err := s.fs.remove(it.Filename); err != nil && !os.IsNotExist(err) {
					s.log.WithError(err).WithField("filename", it.Filename).Warn("value file remove failed")
				}
			}
			if err := s.db.deleteItem(it.Key); err != nil {
				return err
			}
			*total -= weight(it)
		}
	}
	return nil
}

// RemoveAllItems performs a full reset: manifest files deleted, data staged
// to trash and drained in the background, schema recreated.
func (s *Storage) RemoveAllItems() error {
	if s.closed {
		return ErrClosed
	}
	if err := s.reset(); err != nil {
		return err
	}
	return s.db.open()
}

// RemoveAllItemsWithProgress removes everything row by row, reporting
// (removed, total) after each deletion. onEnd is invoked exactly once; its
// error is non-nil when the initial count failed or a deletion failed
// mid-iteration. Both callbacks may be nil.
func (s *Storage) RemoveAllItemsWithProgress(onProgress func(removed, total int), onEnd func(err error)) {
	finish := func(err error) {
		if onEnd != nil {
			onEnd(err)
		}
	}
	if s.closed {
		finish(ErrClosed)
		return
	}
	total, err := s.db.countAll()
	if err != nil {
		finish(err)
		return
	}
	removed := 0
	for {
		items, err := s.db.getOldest(progressBatch)
		if err != nil {
			finish(err)
			return
		}
		if len(items) == 0 {
			break
		}
		for _, it := range items {
			if it.Filename != "" {
				if err := s.fs.remove(it.Filename); err != nil && !os.IsNotExist(err) {
					s.log.WithError(err).WithField("filename", it.Filename).Warn("value file remove failed")
				}
			}
			if err := s.db.deleteItem(it.Key); err != nil {
				finish(err)
				return
			}
			removed++
			if onProgress != nil {
				onProgress(removed, total)
			}
		}
	}
	if err := s.db.checkpoint(); err != nil {
		s.log.WithError(err).Debug("checkpoint failed")
	}
	finish(nil)
}

func (s *Storage) removeFiles(filenames []string) {
	for _, fn := range filenames {
		if err := s.fs.remove(fn); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).WithField("filename", fn).Warn("value file remove failed")
		}
	}
}
