// Package engine ties the storage core together into a transactional
// key/value engine over one compound file. It runs crash recovery when a
// file is opened for writing,
// serves reads and writes through the copy-on-write tree and drives the
// commit protocol, recycling the pages each commit releases.
package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/demirole/compoundfs/core/indexing/btree"
	"github.com/demirole/compoundfs/core/storage_engine/freestore"
	"github.com/demirole/compoundfs/core/storage_engine/lockproto"
	"github.com/demirole/compoundfs/core/storage_engine/rawfile"
	"github.com/demirole/compoundfs/core/write_engine/cache"
)

// ErrClosed is returned for operations on a closed engine.
var ErrClosed = errors.New("engine is closed")

// rootPage is the fixed location of the tree root. It is the first page
// ever allocated in a fresh file and never moves afterwards.
const rootPage = rawfile.PageIndex(0)

// Options tune an engine instance. The zero value selects defaults.
type Options struct {
	// MaxCachedPages caps the page cache; zero selects the default.
	MaxCachedPages int
	// Logger receives structured engine logs; nil disables logging.
	Logger *zap.Logger
	// Meter supplies the telemetry instruments; nil disables metrics.
	Meter metric.Meter
}

// Engine is a transactional key/value store in a single compound file.
// One engine instance is one transaction stream: all writes since the last
// Commit belong to the current transaction and vanish if the engine is
// discarded without committing.
type Engine struct {
	log      *zap.Logger
	meter    metric.Meter
	maxPages int

	file     rawfile.File
	osFile   *rawfile.OSFile
	readOnly bool

	readLock  *lockproto.ReadLock
	writeLock *lockproto.WriteLock

	cm   *cache.Manager
	tree *btree.BTree
	free *freestore.Store
	txID uuid.UUID
}

// Open opens or creates the compound file at path and, unless mode is
// OpenModeReadOnly, recovers it if an earlier commit was interrupted. A
// read-only open serves the file as it is, without recovery.
func Open(path string, mode rawfile.OpenMode, opts Options) (*Engine, error) {
	file, err := rawfile.OpenOSFile(path, mode)
	if err != nil {
		return nil, err
	}
	e, err := New(file, mode == rawfile.OpenModeReadOnly, opts)
	if err != nil {
		file.Close()
		return nil, err
	}
	e.osFile = file
	return e, nil
}

// New builds an engine over an already opened file. The file stays owned by
// the caller and is not closed by Close.
func New(file rawfile.File, readOnly bool, opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		log:      log,
		meter:    opts.Meter,
		maxPages: opts.MaxCachedPages,
		file:     file,
		readOnly: readOnly,
		free:     freestore.New(),
		txID:     uuid.New(),
	}

	if readOnly {
		e.readLock = file.ReadAccess()
	} else {
		e.writeLock = file.WriteAccess()
		if err := e.recover(); err != nil {
			e.releaseLocks()
			return nil, err
		}
	}

	e.cm = cache.NewManager(file, e.maxPages, log, opts.Meter)

	size, err := file.CurrentSize()
	if err != nil {
		e.releaseLocks()
		return nil, err
	}
	if size == 0 {
		if readOnly {
			e.releaseLocks()
			return nil, fmt.Errorf("cannot initialize a file opened read-only: %w", rawfile.ErrReadOnly)
		}
		tree, err := btree.Create(e.cm)
		if err != nil {
			e.releaseLocks()
			return nil, err
		}
		e.tree = tree
		// Commit the empty root right away so the file is well formed even
		// if the creator never writes to it.
		if err := e.Commit(); err != nil {
			e.releaseLocks()
			return nil, err
		}
	} else {
		e.tree = btree.Open(e.cm, rootPage)
	}

	e.log.Info("engine opened",
		zap.Bool("read_only", readOnly),
		zap.Uint32("file_size_pages", uint32(size)),
		zap.String("tx_id", e.txID.String()))
	return e, nil
}

// recover rolls back a commit that was interrupted by a crash. Trailing
// log pages name the backup copies of every page the interrupted commit
// was about to overwrite; copying them back restores the last committed
// state, after which the copies and logs are cut off.
func (e *Engine) recover() error {
	recs, err := cache.ScanLogs(e.file)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	e.log.Warn("interrupted commit detected, replaying logs",
		zap.Int("divert_records", len(recs)))

	keep := recs[0].Copy
	buf := make([]byte, rawfile.PageSize)
	for _, rec := range recs {
		if rec.Copy < keep {
			keep = rec.Copy
		}
		if err := e.file.ReadPage(rec.Copy, 0, buf); err != nil {
			return fmt.Errorf("failed to read backup copy %d: %w", rec.Copy, err)
		}
		if err := e.file.WritePage(rec.Original, 0, buf); err != nil {
			return fmt.Errorf("failed to restore page %d: %w", rec.Original, err)
		}
	}
	if err := e.file.Flush(); err != nil {
		return err
	}
	if err := e.file.Truncate(keep); err != nil {
		return err
	}
	if err := e.file.Flush(); err != nil {
		return err
	}
	e.log.Info("recovery completed", zap.Uint32("file_size_pages", uint32(keep)))
	return nil
}

// Put stores value under key, replacing any existing value.
func (e *Engine) Put(key, value []byte) (btree.InsertResult, error) {
	return e.PutWith(key, value, nil)
}

// PutWith stores value under key, consulting policy before replacing an
// existing value.
func (e *Engine) PutWith(key, value []byte, policy btree.ReplacePolicy) (btree.InsertResult, error) {
	if err := e.mutable(); err != nil {
		return nil, err
	}
	return e.tree.InsertWithPolicy(key, value, policy)
}

// Get returns a copy of the value stored under key.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if e.tree == nil {
		return nil, false, ErrClosed
	}
	cur, err := e.tree.Find(key)
	if err != nil {
		return nil, false, err
	}
	if !cur.Valid() {
		return nil, false, nil
	}
	value := append([]byte(nil), cur.Value()...)
	cur.Close()
	return value, true, nil
}

// Delete removes key and returns the removed value.
func (e *Engine) Delete(key []byte) ([]byte, bool, error) {
	if err := e.mutable(); err != nil {
		return nil, false, err
	}
	return e.tree.Remove(key)
}

// Cursor returns a cursor on the smallest key not less than start. The
// caller must Close it before committing or closing the engine.
func (e *Engine) Cursor(start []byte) (*btree.Cursor, error) {
	if e.tree == nil {
		return nil, ErrClosed
	}
	return e.tree.Begin(start)
}

// Visit calls fn for every entry with a key not less than start, in key
// order, until fn returns false or the entries run out. The slices passed
// to fn alias page memory and are only valid during the call.
func (e *Engine) Visit(start []byte, fn func(key, value []byte) bool) error {
	cur, err := e.Cursor(start)
	if err != nil {
		return err
	}
	defer cur.Close()
	for cur.Valid() {
		if !fn(cur.Key(), cur.Value()) {
			return nil
		}
		if _, err := cur.Next(); err != nil {
			return err
		}
	}
	return nil
}

// Commit makes all writes since the last commit durable and starts the
// next transaction. The pages released by the committed transaction become
// reusable for the new one.
func (e *Engine) Commit() error {
	if err := e.mutable(); err != nil {
		return err
	}

	freed := e.tree.GetFreePages()
	handler := e.cm.BuildCommitHandler()
	diverted := handler.GetDivertedPageIds()
	file := e.cm.HandOverFile()

	commitLock := file.CommitAccess(e.writeLock)
	err := handler.Commit()
	commitLock.Release()
	e.writeLock = file.WriteAccess()
	if err != nil {
		e.cm = nil
		e.tree = nil
		return fmt.Errorf("commit failed, engine must be reopened: %w", err)
	}

	e.free.DeallocateAll(freed)
	e.free.DeallocateAll(diverted)

	e.cm = cache.NewManager(file, e.maxPages, e.log, e.meter)
	e.cm.SetPageIntervalAllocator(e.free.Allocate)
	e.tree = btree.Open(e.cm, rootPage)

	previous := e.txID
	e.txID = uuid.New()
	e.log.Info("transaction committed",
		zap.String("tx_id", previous.String()),
		zap.String("next_tx_id", e.txID.String()),
		zap.Int("freed_pages", len(freed)),
		zap.Int("diverted_pages", len(diverted)))
	return nil
}

// Stats describes the current engine state.
type Stats struct {
	FileSizePages rawfile.PageIndex
	CachedPages   int
	ReusablePages int
	TransactionID uuid.UUID
	ReadOnly      bool
}

// Stats returns a snapshot of the engine state.
func (e *Engine) Stats() (Stats, error) {
	if e.tree == nil {
		return Stats{}, ErrClosed
	}
	size, err := e.file.CurrentSize()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		FileSizePages: size,
		CachedPages:   e.cm.CachedPages(),
		ReusablePages: e.free.Size(),
		TransactionID: e.txID,
		ReadOnly:      e.readOnly,
	}, nil
}

// Close releases the engine's locks and, when the engine was opened from a
// path, closes the underlying file. Uncommitted writes are discarded; the
// file keeps the state of the last commit.
func (e *Engine) Close() error {
	if e.tree == nil && e.cm == nil && e.readLock == nil && e.writeLock == nil {
		return nil
	}
	e.tree = nil
	e.cm = nil
	e.releaseLocks()
	e.log.Info("engine closed", zap.String("tx_id", e.txID.String()))
	if e.osFile != nil {
		f := e.osFile
		e.osFile = nil
		return f.Close()
	}
	return nil
}

func (e *Engine) releaseLocks() {
	if e.readLock != nil {
		e.readLock.Release()
		e.readLock = nil
	}
	if e.writeLock != nil {
		e.writeLock.Release()
		e.writeLock = nil
	}
}

func (e *Engine) mutable() error {
	if e.tree == nil {
		return ErrClosed
	}
	if e.readOnly {
		return rawfile.ErrReadOnly
	}
	return nil
}
