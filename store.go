package docsync

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/coedit/docsync/protocol"
)

var documentsBucket = []byte("documents")

type LocalStoreSettings struct {
	// pending writes beyond this are dropped with a persistence warning.
	// a later save always carries the full snapshot, so a dropped write
	// only widens the window of unsaved state.
	WriteQueueSize int
	OpenTimeout    time.Duration
}

func DefaultLocalStoreSettings() *LocalStoreSettings {
	return &LocalStoreSettings{
		WriteQueueSize: 32,
		OpenTimeout:    1 * time.Second,
	}
}

type saveRequest struct {
	documentId DocumentId
	snapshot   *protocol.Snapshot
	// flush marker when snapshot is nil
	done chan struct{}
}

// LocalStore is a write through durable cache of document snapshots keyed
// by DocumentId, shared across documents. Saves are asynchronous and never
// block the edit path; failures degrade the engine to memory only.
type LocalStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	db *bolt.DB

	saves   chan *saveRequest
	runDone chan struct{}

	warningCallbacks *CallbackList[WarningFunction]
}

func OpenLocalStore(ctx context.Context, path string) (*LocalStore, error) {
	return OpenLocalStoreWithSettings(ctx, path, DefaultLocalStoreSettings())
}

func OpenLocalStoreWithSettings(ctx context.Context, path string, settings *LocalStoreSettings) (*LocalStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: settings.OpenTimeout,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	store := &LocalStore{
		ctx:              cancelCtx,
		cancel:           cancel,
		db:               db,
		saves:            make(chan *saveRequest, settings.WriteQueueSize),
		runDone:          make(chan struct{}),
		warningCallbacks: NewCallbackList[WarningFunction](),
	}
	go store.run()
	return store, nil
}

func (self *LocalStore) AddWarningListener(callback WarningFunction) func() {
	return self.warningCallbacks.Add(callback)
}

func (self *LocalStore) raiseWarning(warning Warning) {
	glog.Infof("[s]warning = %s\n", warning)
	for _, callback := range self.warningCallbacks.Get() {
		HandleError(func() {
			callback(warning)
		})
	}
}

// Load reads the cached snapshot for a document. A missing document is
// (nil, nil).
func (self *LocalStore) Load(documentId DocumentId) (*protocol.Snapshot, error) {
	var snapshotBytes []byte
	err := self.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(documentsBucket).Get([]byte(documentId))
		if b != nil {
			snapshotBytes = append([]byte{}, b...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if snapshotBytes == nil {
		return nil, nil
	}
	snapshot := &protocol.Snapshot{}
	if err := msgpack.Unmarshal(snapshotBytes, snapshot); err != nil {
		return nil, fmt.Errorf("corrupt cached snapshot for %s: %w", documentId, err)
	}
	return snapshot, nil
}

// Save enqueues a snapshot write. Never blocks; on a full queue the write
// is dropped and a persistence warning is raised.
func (self *LocalStore) Save(documentId DocumentId, snapshot *protocol.Snapshot) {
	save := &saveRequest{
		documentId: documentId,
		snapshot:   snapshot,
	}
	select {
	case self.saves <- save:
	default:
		self.raiseWarning(Warning{
			Kind:    WarningKindPersistence,
			Message: fmt.Sprintf("write queue full, dropped save for %s", documentId),
		})
	}
}

// Flush blocks until all saves enqueued before it are written.
func (self *LocalStore) Flush() {
	done := make(chan struct{})
	select {
	case self.saves <- &saveRequest{done: done}:
	case <-self.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-self.ctx.Done():
	}
}

func (self *LocalStore) run() {
	defer close(self.runDone)

	for {
		select {
		case <-self.ctx.Done():
			return
		case save := <-self.saves:
			if save.snapshot == nil {
				if save.done != nil {
					close(save.done)
				}
				continue
			}
			self.write(save)
		}
	}
}

func (self *LocalStore) write(save *saveRequest) {
	snapshotBytes, err := msgpack.Marshal(save.snapshot)
	if err != nil {
		self.raiseWarning(Warning{
			Kind:    WarningKindPersistence,
			Message: fmt.Sprintf("encode snapshot for %s", save.documentId),
			Err:     err,
		})
		return
	}
	err = self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(save.documentId), snapshotBytes)
	})
	if err != nil {
		self.raiseWarning(Warning{
			Kind:    WarningKindPersistence,
			Message: fmt.Sprintf("write snapshot for %s", save.documentId),
			Err:     err,
		})
		return
	}
	glog.V(2).Infof("[s]%s saved %d ops\n", save.documentId, len(save.snapshot.Operations))
}

// Close writes any queued saves, then releases the database file.
func (self *LocalStore) Close() {
	self.Flush()
	self.cancel()
	<-self.runDone
	self.db.Close()
}
