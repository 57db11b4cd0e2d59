package kvstore

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// fileStore persists opaque byte sequences under <root>/data and stages bulk
// deletions under <root>/trash. Trash contents are never read back; the only
// operation on them is destruction, performed by a dedicated serial worker so
// reclamation never blocks the write path.
type fileStore struct {
	dataDir  string
	trashDir string
	log      *logrus.Entry

	trashc    chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
}

func newFileStore(root string, log *logrus.Entry) (*fileStore, error) {
	fs := &fileStore{
		dataDir:  filepath.Join(root, "data"),
		trashDir: filepath.Join(root, "trash"),
		log:      log,
		trashc:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	if err := os.MkdirAll(fs.dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	if err := os.MkdirAll(fs.trashDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create trash dir")
	}
	go fs.trashWorker()
	return fs, nil
}

func (fs *fileStore) path(filename string) string {
	return filepath.Join(fs.dataDir, filename)
}

// write stores data at data/<filename>, overwriting any previous content.
func (fs *fileStore) write(filename string, data []byte) error {
	if err := os.WriteFile(fs.path(filename), data, 0o644); err != nil {
		return errors.Wrap(err, "write data file")
	}
	return nil
}

// read returns the whole file, or (nil, nil) when it does not exist.
func (fs *fileStore) read(filename string) ([]byte, error) {
	data, err := os.ReadFile(fs.path(filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read data file")
	}
	return data, nil
}

// remove deletes data/<filename>. Absence is reported as an error here;
// callers decide whether that matters.
func (fs *fileStore) remove(filename string) error {
	return os.Remove(fs.path(filename))
}

// moveAllToTrash renames the whole data directory into a fresh trash
// subdirectory and recreates an empty data directory. This is the
// reclamation primitive behind full resets.
func (fs *fileStore) moveAllToTrash() error {
	dest := filepath.Join(fs.trashDir, uuid.NewString())
	if err := os.Rename(fs.dataDir, dest); err != nil {
		return errors.Wrap(err, "stage data dir in trash")
	}
	if err := os.MkdirAll(fs.dataDir, 0o755); err != nil {
		return errors.Wrap(err, "recreate data dir")
	}
	return nil
}

// emptyTrashInBackground wakes the trash worker. Multiple calls coalesce
// into one drain.
func (fs *fileStore) emptyTrashInBackground() {
	select {
	case fs.trashc <- struct{}{}:
	default:
	}
}

// emptyTrash removes every entry beneath trash/. Errors are logged, never
// surfaced.
func (fs *fileStore) emptyTrash() {
	entries, err := os.ReadDir(fs.trashDir)
	if err != nil {
		fs.log.WithError(err).Warn("cannot list trash")
		return
	}
	for _, e := range entries {
		p := filepath.Join(fs.trashDir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			fs.log.WithError(err).WithField("path", p).Warn("cannot remove trash entry")
		}
	}
}

func (fs *fileStore) trashWorker() {
	for {
		select {
		case <-fs.trashc:
			fs.emptyTrash()
		case <-fs.stop:
			return
		}
	}
}

func (fs *fileStore) close() {
	fs.closeOnce.Do(func() { close(fs.stop) })
}
