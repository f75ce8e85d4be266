package docsync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/coedit/docsync/protocol"
)

type ContentFunction func()

type CollaboratorFunction func(records []PresenceRecord)

type CollabSettings struct {
	Transport *SyncTransportSettings
	Awareness *AwarenessSettings

	// corrupt operations within the window beyond which an integrity
	// warning is raised. a sustained corrupt rate indicates a protocol
	// mismatch, not a transient condition.
	CorruptOperationCountThreshold int
	CorruptOperationWindow         time.Duration

	// local edits coalesce into one snapshot write per interval
	SaveDebounce time.Duration

	EventQueueSize int
}

func DefaultCollabSettings() *CollabSettings {
	return &CollabSettings{
		Transport:                      DefaultSyncTransportSettings(),
		Awareness:                      DefaultAwarenessSettings(),
		CorruptOperationCountThreshold: 16,
		CorruptOperationWindow:         60 * time.Second,
		SaveDebounce:                   1 * time.Second,
		EventQueueSize:                 256,
	}
}

// Collab is the only surface the UI layer talks to. It wires the document,
// the transport, the awareness channel, and the local store together for
// one (DocumentId, session) pair. All remote and timer driven mutations
// are serialized through one event loop per Collab, so no two mutations of
// the same document state interleave partially; the synchronous local edit
// path goes straight to the document (local first).
type Collab struct {
	ctx    context.Context
	cancel context.CancelFunc

	documentId DocumentId
	peerId     PeerId

	document  *Document
	store     *LocalStore
	transport *SyncTransport
	awareness *Awareness

	settings *CollabSettings

	events chan func()

	// event loop owned
	corruptTimes         []time.Time
	lastIntegrityWarning time.Time

	saveLock  sync.Mutex
	saveTimer *time.Timer

	debugLog LogFunction

	contentCallbacks      *CallbackList[ContentFunction]
	collaboratorCallbacks *CallbackList[CollaboratorFunction]
	warningCallbacks      *CallbackList[WarningFunction]

	storeWarningUnsub func()

	closeOnce sync.Once
}

// NewCollab opens a collaborative session on a document. store may be nil
// for a memory only session. The session starts disconnected; call
// Connect.
func NewCollab(
	ctx context.Context,
	url string,
	documentId DocumentId,
	peerId PeerId,
	auth *ClientAuth,
	store *LocalStore,
	settings *CollabSettings,
) *Collab {
	cancelCtx, cancel := context.WithCancel(ctx)

	document := NewDocument(documentId, peerId)

	collab := &Collab{
		ctx:                   cancelCtx,
		cancel:                cancel,
		documentId:            documentId,
		peerId:                peerId,
		document:              document,
		store:                 store,
		settings:              settings,
		events:                make(chan func(), settings.EventQueueSize),
		debugLog:              SubLogFn(LogLevelDebug, LogFn(LogLevelDebug, "collab"), string(documentId)),
		contentCallbacks:      NewCallbackList[ContentFunction](),
		collaboratorCallbacks: NewCallbackList[CollaboratorFunction](),
		warningCallbacks:      NewCallbackList[WarningFunction](),
	}

	// rehydrate from the local cache before anything can edit
	if store != nil {
		if snapshot, err := store.Load(documentId); err != nil {
			collab.raiseWarning(Warning{
				Kind:    WarningKindPersistence,
				Message: "load cached snapshot, continuing memory only",
				Err:     err,
			})
		} else if snapshot != nil {
			if err := document.LoadSnapshot(snapshot); err != nil {
				collab.raiseWarning(Warning{
					Kind:    WarningKindPersistence,
					Message: "rehydrate cached snapshot, continuing memory only",
					Err:     err,
				})
			}
		}
		collab.storeWarningUnsub = store.AddWarningListener(collab.raiseWarning)
	}

	collab.transport = NewSyncTransport(cancelCtx, url, documentId, peerId, auth, document, settings.Transport)
	collab.awareness = NewAwareness(cancelCtx, documentId, peerId, collab.transport.SendAwareness, settings.Awareness)

	if auth != nil && auth.ByJwt != "" {
		if byJwt, err := ParseByJwtUnverified(auth.ByJwt); err == nil && byJwt.UserName != "" {
			name := byJwt.UserName
			collab.awareness.UpdatePresence(&PresenceUpdate{Name: &name})
		}
	}

	collab.transport.AddReceiveListener(func(message any) {
		collab.enqueue(func() {
			collab.handleReceive(message)
		})
	})
	collab.transport.AddStateListener(func(state ConnectionState) {
		if state == ConnectionStateConnected {
			collab.enqueue(func() {
				// announce ourselves promptly after (re)connect
				collab.awareness.Broadcast()
			})
		}
	})
	collab.transport.AddWarningListener(collab.raiseWarning)
	collab.awareness.AddPresenceListener(func(event PresenceEvent) {
		collab.enqueue(func() {
			collab.notifyCollaborators()
		})
	})

	go collab.run()
	return collab
}

func (self *Collab) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case event := <-self.events:
			event()
		}
	}
}

func (self *Collab) enqueue(event func()) {
	select {
	case <-self.ctx.Done():
		// discarded. a response that arrives after teardown is not applied.
	case self.events <- event:
	}
}

func (self *Collab) DocumentId() DocumentId {
	return self.documentId
}

func (self *Collab) PeerId() PeerId {
	return self.peerId
}

// Document exposes read access to the materialized state.
func (self *Collab) Document() *Document {
	return self.document
}

func (self *Collab) ConnectionState() ConnectionState {
	return self.transport.State()
}

func (self *Collab) Collaborators() []PresenceRecord {
	return self.awareness.Collaborators()
}

func (self *Collab) Connect() {
	self.transport.Connect()
}

func (self *Collab) Disconnect() {
	self.transport.Disconnect()
}

func (self *Collab) Reconnect() {
	self.transport.Reconnect()
}

// SendEdit applies a local change and hands the resulting operations to
// the transport. The materialized state reflects the change when this
// returns, before any network or disk i/o.
func (self *Collab) SendEdit(change Change) error {
	ops, err := self.document.ApplyLocal(change)
	if err != nil {
		return err
	}
	for _, op := range ops {
		self.transport.SendOperation(op)
	}
	self.scheduleSave()
	self.enqueue(self.notifyContent)
	return nil
}

func (self *Collab) UpdatePresence(update *PresenceUpdate) {
	self.awareness.UpdatePresence(update)
}

func (self *Collab) AddContentListener(callback ContentFunction) func() {
	return self.contentCallbacks.Add(callback)
}

func (self *Collab) AddCollaboratorListener(callback CollaboratorFunction) func() {
	return self.collaboratorCallbacks.Add(callback)
}

func (self *Collab) AddPresenceListener(callback PresenceFunction) func() {
	return self.awareness.AddPresenceListener(callback)
}

func (self *Collab) AddStateListener(callback ConnectionStateFunction) func() {
	return self.transport.AddStateListener(callback)
}

func (self *Collab) AddWarningListener(callback WarningFunction) func() {
	return self.warningCallbacks.Add(callback)
}

func (self *Collab) raiseWarning(warning Warning) {
	glog.Infof("[c]%s warning = %s\n", self.documentId, warning)
	for _, callback := range self.warningCallbacks.Get() {
		HandleError(func() {
			callback(warning)
		})
	}
}

func (self *Collab) notifyContent() {
	for _, callback := range self.contentCallbacks.Get() {
		HandleError(func() {
			callback()
		})
	}
}

func (self *Collab) notifyCollaborators() {
	records := self.awareness.Collaborators()
	for _, callback := range self.collaboratorCallbacks.Get() {
		HandleError(func() {
			callback(records)
		})
	}
}

func (self *Collab) handleReceive(message any) {
	switch v := message.(type) {
	case *protocol.Operation:
		if err := self.document.ApplyRemote(v); err != nil {
			glog.Infof("[c]%s corrupt operation = %s\n", self.documentId, err)
			self.recordCorrupt()
			return
		}
		self.scheduleSave()
		self.notifyContent()
	case *protocol.Awareness:
		self.awareness.HandleRemote(v)
	case *protocol.AwarenessLeave:
		self.awareness.HandleLeave(v)
	default:
		glog.V(1).Infof("[c]%s unexpected message %T\n", self.documentId, v)
	}
}

// event loop owned
func (self *Collab) recordCorrupt() {
	now := time.Now()
	self.corruptTimes = append(self.corruptTimes, now)
	cutoff := now.Add(-self.settings.CorruptOperationWindow)
	for 0 < len(self.corruptTimes) && self.corruptTimes[0].Before(cutoff) {
		self.corruptTimes = self.corruptTimes[1:]
	}
	if self.settings.CorruptOperationCountThreshold <= len(self.corruptTimes) &&
		self.settings.CorruptOperationWindow < now.Sub(self.lastIntegrityWarning) {
		self.lastIntegrityWarning = now
		self.raiseWarning(Warning{
			Kind:    WarningKindIntegrity,
			Message: "corrupt operation rate exceeded, likely protocol mismatch",
		})
	}
}

func (self *Collab) scheduleSave() {
	if self.store == nil {
		return
	}
	self.saveLock.Lock()
	defer self.saveLock.Unlock()

	if self.saveTimer == nil {
		self.saveTimer = time.AfterFunc(self.settings.SaveDebounce, self.save)
	}
}

func (self *Collab) save() {
	if self.store == nil {
		return
	}
	self.saveLock.Lock()
	if self.saveTimer != nil {
		self.saveTimer.Stop()
		self.saveTimer = nil
	}
	self.saveLock.Unlock()

	snapshot := self.document.Snapshot()
	self.debugLog("save %d ops", len(snapshot.Operations))
	self.store.Save(self.documentId, snapshot)
}

// Close tears the session down: announces leave, stops timers, closes the
// transport, and flushes pending persistence writes. Safe to call more
// than once. The store is shared and stays open; its owner closes it.
func (self *Collab) Close() {
	self.closeOnce.Do(func() {
		self.awareness.Leave()
		self.awareness.Close()
		self.transport.Close()
		if self.store != nil {
			self.save()
			self.store.Flush()
		}
		if self.storeWarningUnsub != nil {
			self.storeWarningUnsub()
		}
		self.cancel()
	})
}
