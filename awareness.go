package docsync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/coedit/docsync/protocol"
)

// PresenceRecord is the ephemeral state of one collaborator session. It is
// not part of the document and is never persisted; it expires unless
// refreshed within the liveness window.
type PresenceRecord struct {
	Peer           PeerId
	Name           string
	Color          string
	Cursor         int
	SelectionStart int
	SelectionEnd   int
	Active         bool
	UpdatedAt      time.Time
}

// PresenceUpdate is a partial update. Nil fields keep their current value.
type PresenceUpdate struct {
	Name           *string
	Color          *string
	Cursor         *int
	SelectionStart *int
	SelectionEnd   *int
}

type PresenceEventKind int

const (
	PresenceEventKindJoin   PresenceEventKind = 1
	PresenceEventKindUpdate PresenceEventKind = 2
	PresenceEventKindLeave  PresenceEventKind = 3
)

func (self PresenceEventKind) String() string {
	switch self {
	case PresenceEventKindJoin:
		return "join"
	case PresenceEventKindUpdate:
		return "update"
	case PresenceEventKindLeave:
		return "leave"
	default:
		return "unknown"
	}
}

type PresenceEvent struct {
	Kind   PresenceEventKind
	Record PresenceRecord
}

type PresenceFunction func(event PresenceEvent)

type AwarenessSettings struct {
	// a remote record not refreshed within this window is removed
	LivenessWindow time.Duration
	// how often expiry is checked, and half the local refresh cadence
	SweepInterval time.Duration
	// rapid local updates within this window coalesce into one broadcast
	DebounceInterval time.Duration
}

func DefaultAwarenessSettings() *AwarenessSettings {
	return &AwarenessSettings{
		LivenessWindow:   30 * time.Second,
		SweepInterval:    5 * time.Second,
		DebounceInterval: 250 * time.Millisecond,
	}
}

// Awareness broadcasts and receives presence. Unlike document content,
// presence is current state rather than history: the last received record
// per peer wins, and nothing is merged or persisted.
type Awareness struct {
	ctx    context.Context
	cancel context.CancelFunc

	documentId DocumentId
	settings   *AwarenessSettings

	// best effort transport send, typically SyncTransport.SendAwareness
	sendFn func(message any)

	stateLock      sync.Mutex
	local          PresenceRecord
	remote         map[PeerId]*PresenceRecord
	broadcastTimer *time.Timer
	lastBroadcast  time.Time

	presenceCallbacks *CallbackList[PresenceFunction]
}

func NewAwareness(
	ctx context.Context,
	documentId DocumentId,
	peerId PeerId,
	sendFn func(message any),
	settings *AwarenessSettings,
) *Awareness {
	cancelCtx, cancel := context.WithCancel(ctx)
	awareness := &Awareness{
		ctx:        cancelCtx,
		cancel:     cancel,
		documentId: documentId,
		settings:   settings,
		sendFn:     sendFn,
		local: PresenceRecord{
			Peer:   peerId,
			Active: true,
		},
		remote:            map[PeerId]*PresenceRecord{},
		presenceCallbacks: NewCallbackList[PresenceFunction](),
	}
	go awareness.sweep()
	return awareness
}

func (self *Awareness) AddPresenceListener(callback PresenceFunction) func() {
	return self.presenceCallbacks.Add(callback)
}

func (self *Awareness) event(event PresenceEvent) {
	for _, callback := range self.presenceCallbacks.Get() {
		HandleError(func() {
			callback(event)
		})
	}
}

// UpdatePresence merges the non nil fields into the local record and
// schedules a coalesced broadcast.
func (self *Awareness) UpdatePresence(update *PresenceUpdate) {
	self.stateLock.Lock()
	if update.Name != nil {
		self.local.Name = *update.Name
	}
	if update.Color != nil {
		self.local.Color = *update.Color
	}
	if update.Cursor != nil {
		self.local.Cursor = *update.Cursor
	}
	if update.SelectionStart != nil {
		self.local.SelectionStart = *update.SelectionStart
	}
	if update.SelectionEnd != nil {
		self.local.SelectionEnd = *update.SelectionEnd
	}
	self.local.Active = true
	self.local.UpdatedAt = time.Now()

	if self.broadcastTimer == nil {
		self.broadcastTimer = time.AfterFunc(self.settings.DebounceInterval, self.Broadcast)
	}
	self.stateLock.Unlock()
}

// Broadcast sends the local record immediately. Called on the debounce
// timer, on reconnect, and on the periodic refresh.
func (self *Awareness) Broadcast() {
	self.stateLock.Lock()
	if self.broadcastTimer != nil {
		self.broadcastTimer.Stop()
		self.broadcastTimer = nil
	}
	self.lastBroadcast = time.Now()
	message := &protocol.Awareness{
		DocumentId:     string(self.documentId),
		PeerId:         string(self.local.Peer),
		Name:           self.local.Name,
		Color:          self.local.Color,
		Cursor:         self.local.Cursor,
		SelectionStart: self.local.SelectionStart,
		SelectionEnd:   self.local.SelectionEnd,
		Active:         self.local.Active,
		Timestamp:      time.Now().UnixMilli(),
	}
	self.stateLock.Unlock()

	self.sendFn(message)
}

// HandleRemote applies a received presence record. Last write wins by
// local receipt order.
func (self *Awareness) HandleRemote(message *protocol.Awareness) {
	peer := PeerId(message.PeerId)
	if peer == self.local.Peer {
		// echo
		return
	}

	record := &PresenceRecord{
		Peer:           peer,
		Name:           message.Name,
		Color:          message.Color,
		Cursor:         message.Cursor,
		SelectionStart: message.SelectionStart,
		SelectionEnd:   message.SelectionEnd,
		Active:         message.Active,
		// liveness is tracked on the local clock
		UpdatedAt: time.Now(),
	}

	self.stateLock.Lock()
	_, known := self.remote[peer]
	self.remote[peer] = record
	self.stateLock.Unlock()

	if known {
		self.event(PresenceEvent{Kind: PresenceEventKindUpdate, Record: *record})
	} else {
		glog.V(1).Infof("[a]%s join %s\n", self.documentId, peer)
		self.event(PresenceEvent{Kind: PresenceEventKindJoin, Record: *record})
	}
}

// HandleLeave removes a peer on an explicit leave message.
func (self *Awareness) HandleLeave(message *protocol.AwarenessLeave) {
	peer := PeerId(message.PeerId)

	self.stateLock.Lock()
	record, known := self.remote[peer]
	if known {
		delete(self.remote, peer)
	}
	self.stateLock.Unlock()

	if known {
		glog.V(1).Infof("[a]%s leave %s\n", self.documentId, peer)
		self.event(PresenceEvent{Kind: PresenceEventKindLeave, Record: *record})
	}
}

// Leave announces that the local session is going away.
func (self *Awareness) Leave() {
	self.stateLock.Lock()
	message := &protocol.AwarenessLeave{
		DocumentId: string(self.documentId),
		PeerId:     string(self.local.Peer),
	}
	self.stateLock.Unlock()

	self.sendFn(message)
}

// LocalPresence returns a copy of the local record.
func (self *Awareness) LocalPresence() PresenceRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.local
}

// Collaborators returns the local record followed by the remote records
// ordered by peer id.
func (self *Awareness) Collaborators() []PresenceRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	records := []PresenceRecord{self.local}
	remote := make([]PresenceRecord, 0, len(self.remote))
	for _, record := range self.remote {
		remote = append(remote, *record)
	}
	slices.SortFunc(remote, func(a PresenceRecord, b PresenceRecord) int {
		if a.Peer < b.Peer {
			return -1
		} else if b.Peer < a.Peer {
			return 1
		}
		return 0
	})
	return append(records, remote...)
}

// sweep expires remote records on a local timer, independent of transport
// state, and refreshes the local record so peers do not expire us.
func (self *Awareness) sweep() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SweepInterval):
		}

		now := time.Now()
		expired := []PresenceRecord{}

		self.stateLock.Lock()
		for peer, record := range self.remote {
			if self.settings.LivenessWindow < now.Sub(record.UpdatedAt) {
				delete(self.remote, peer)
				expired = append(expired, *record)
			}
		}
		refresh := self.settings.LivenessWindow/2 < now.Sub(self.lastBroadcast)
		self.stateLock.Unlock()

		for _, record := range expired {
			glog.V(1).Infof("[a]%s expire %s\n", self.documentId, record.Peer)
			self.event(PresenceEvent{Kind: PresenceEventKindLeave, Record: record})
		}

		if refresh {
			self.Broadcast()
		}
	}
}

func (self *Awareness) Close() {
	self.stateLock.Lock()
	if self.broadcastTimer != nil {
		self.broadcastTimer.Stop()
		self.broadcastTimer = nil
	}
	self.stateLock.Unlock()

	self.cancel()
}
