package docsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/coedit/docsync/protocol"
)

// send channel depth between the caller and the write pump. overflow spills
// into the outbound queue.
const transportSendBufferSize = 32

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = 0
	ConnectionStateConnecting   ConnectionState = 1
	ConnectionStateConnected    ConnectionState = 2
	ConnectionStateReconnecting ConnectionState = 3
	ConnectionStateSuspended    ConnectionState = 4
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateReconnecting:
		return "reconnecting"
	case ConnectionStateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

type ConnectionStateFunction func(state ConnectionState)

// ReceiveFunction is called with each decoded message from the server:
// *protocol.Operation, *protocol.Awareness, or *protocol.AwarenessLeave.
type ReceiveFunction func(message any)

// Reconciler supplies the two sides of the reconciliation handshake: the
// local per-origin high water marks, and the operations another replica is
// missing given its marks. *Document satisfies this.
type Reconciler interface {
	KnownSeqs() map[string]uint64
	OpsSince(knownSeqs map[string]uint64) []*protocol.Operation
}

type SyncTransportSettings struct {
	WsHandshakeTimeout   time.Duration
	SyncHandshakeTimeout time.Duration
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration

	ReconnectBackoffMin        time.Duration
	ReconnectBackoffMax        time.Duration
	ReconnectBackoffMultiplier float64
	ReconnectBackoffJitter     float64
	// consecutive connect failures beyond this transition to suspended
	// instead of reconnecting. resume with Reconnect.
	MaxConsecutiveFailures int

	SendQueueMaxCount     int
	SendQueueMaxByteCount ByteCount

	MaxMessageByteCount ByteCount
}

func DefaultSyncTransportSettings() *SyncTransportSettings {
	return &SyncTransportSettings{
		WsHandshakeTimeout:         2 * time.Second,
		SyncHandshakeTimeout:       5 * time.Second,
		PingTimeout:                1 * time.Second,
		WriteTimeout:               5 * time.Second,
		ReadTimeout:                15 * time.Second,
		ReconnectBackoffMin:        500 * time.Millisecond,
		ReconnectBackoffMax:        30 * time.Second,
		ReconnectBackoffMultiplier: 1.5,
		ReconnectBackoffJitter:     0.5,
		MaxConsecutiveFailures:     8,
		SendQueueMaxCount:          1024,
		SendQueueMaxByteCount:      kib(512),
		MaxMessageByteCount:        mib(4),
	}
}

func newReconnectBackOff(settings *SyncTransportSettings) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = settings.ReconnectBackoffMin
	bo.MaxInterval = settings.ReconnectBackoffMax
	bo.Multiplier = settings.ReconnectBackoffMultiplier
	bo.RandomizationFactor = settings.ReconnectBackoffJitter
	// retry indefinitely. suspension is handled by the failure count.
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// SyncTransport maintains a logical connection to a sync endpoint for one
// document and moves serialized operations and awareness messages in both
// directions. It owns the connection state machine; all transitions except
// Connect/Disconnect/Reconnect are internal.
type SyncTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url        string
	documentId DocumentId
	peerId     PeerId
	auth       *ClientAuth
	reconciler Reconciler

	settings *SyncTransportSettings

	queue *sendQueue

	stateLock           sync.Mutex
	state               ConnectionState
	enabled             bool
	consecutiveFailures int
	conn                *websocket.Conn
	send                chan []byte

	wake chan struct{}

	stateCallbacks   *CallbackList[ConnectionStateFunction]
	receiveCallbacks *CallbackList[ReceiveFunction]
	warningCallbacks *CallbackList[WarningFunction]
}

func NewSyncTransport(
	ctx context.Context,
	url string,
	documentId DocumentId,
	peerId PeerId,
	auth *ClientAuth,
	reconciler Reconciler,
	settings *SyncTransportSettings,
) *SyncTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &SyncTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              url,
		documentId:       documentId,
		peerId:           peerId,
		auth:             auth,
		reconciler:       reconciler,
		settings:         settings,
		queue:            newSendQueue(settings.SendQueueMaxCount, settings.SendQueueMaxByteCount),
		state:            ConnectionStateDisconnected,
		wake:             make(chan struct{}, 1),
		stateCallbacks:   NewCallbackList[ConnectionStateFunction](),
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
		warningCallbacks: NewCallbackList[WarningFunction](),
	}
	go transport.run()
	return transport
}

func (self *SyncTransport) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *SyncTransport) AddStateListener(callback ConnectionStateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *SyncTransport) AddReceiveListener(callback ReceiveFunction) func() {
	return self.receiveCallbacks.Add(callback)
}

func (self *SyncTransport) AddWarningListener(callback WarningFunction) func() {
	return self.warningCallbacks.Add(callback)
}

func (self *SyncTransport) Connect() {
	self.stateLock.Lock()
	self.enabled = true
	self.stateLock.Unlock()
	self.wakeup()
}

// Disconnect is terminal until Connect is called again.
func (self *SyncTransport) Disconnect() {
	self.stateLock.Lock()
	self.enabled = false
	conn := self.conn
	self.conn = nil
	self.send = nil
	self.stateLock.Unlock()

	if conn != nil {
		conn.Close()
	}
	self.setState(ConnectionStateDisconnected)
	self.wakeup()
}

// Reconnect resumes from suspended by resetting the consecutive failure
// count. It is also a request for an immediate retry while reconnecting.
func (self *SyncTransport) Reconnect() {
	self.stateLock.Lock()
	self.enabled = true
	self.consecutiveFailures = 0
	self.stateLock.Unlock()
	self.wakeup()
}

func (self *SyncTransport) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *SyncTransport) wakeup() {
	select {
	case self.wake <- struct{}{}:
	default:
	}
}

func (self *SyncTransport) isEnabled() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.enabled
}

func (self *SyncTransport) setState(state ConnectionState) {
	self.stateLock.Lock()
	if self.state == state {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()

	glog.V(1).Infof("[t]%s %s state = %s\n", self.documentId, self.peerId, state)
	for _, callback := range self.stateCallbacks.Get() {
		HandleError(func() {
			callback(state)
		})
	}
}

func (self *SyncTransport) raiseWarning(warning Warning) {
	glog.Infof("[t]%s %s warning = %s\n", self.documentId, self.peerId, warning)
	for _, callback := range self.warningCallbacks.Get() {
		HandleError(func() {
			callback(warning)
		})
	}
}

func (self *SyncTransport) deliver(message any) {
	for _, callback := range self.receiveCallbacks.Get() {
		HandleError(func() {
			callback(message)
		})
	}
}

// QueueSize returns the outbound queue depth.
func (self *SyncTransport) QueueSize() (int, ByteCount) {
	return self.queue.QueueSize()
}

// SendOperation hands one operation to the transport. While not connected
// the operation is queued, bounded by the queue settings; overflow drops
// the oldest queued operations and raises a backpressure warning.
func (self *SyncTransport) SendOperation(op *protocol.Operation) {
	frameBytes, err := EncodeFrame(op)
	if err != nil {
		glog.Errorf("[t]%s encode operation error = %s\n", self.documentId, err)
		return
	}

	self.stateLock.Lock()
	state := self.state
	send := self.send
	self.stateLock.Unlock()

	if state == ConnectionStateConnected && send != nil {
		select {
		case send <- frameBytes:
			return
		default:
			// write pump is behind. spill into the queue, which the pump
			// drains on its next idle tick.
		}
	}

	dropped := self.queue.Add(&sendItem{
		ref:            OpRef{Origin: PeerId(op.Origin), Seq: op.Seq},
		sequenceNumber: op.Seq,
		frameBytes:     frameBytes,
	})
	if 0 < len(dropped) {
		self.raiseWarning(Warning{
			Kind:    WarningKindBackpressure,
			Message: fmt.Sprintf("outbound queue overflow, dropped %d queued operations", len(dropped)),
		})
	}
}

// SendAwareness sends a presence message if connected. Presence has no
// durability requirement, so nothing is queued while disconnected.
func (self *SyncTransport) SendAwareness(message any) {
	frameBytes, err := EncodeFrame(message)
	if err != nil {
		glog.Errorf("[t]%s encode awareness error = %s\n", self.documentId, err)
		return
	}

	self.stateLock.Lock()
	state := self.state
	send := self.send
	self.stateLock.Unlock()

	if state != ConnectionStateConnected || send == nil {
		return
	}
	select {
	case send <- frameBytes:
	default:
		// drop. the next refresh supersedes this one anyway.
	}
}

func (self *SyncTransport) run() {
	defer self.cancel()

	bo := newReconnectBackOff(self.settings)

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		if !self.isEnabled() {
			select {
			case <-self.ctx.Done():
				return
			case <-self.wake:
			}
			continue
		}

		self.setState(ConnectionStateConnecting)

		ws, result, err := self.dial()
		if err != nil {
			glog.Infof("[t]%s %s connect error = %s\n", self.documentId, self.peerId, err)
			if !self.isEnabled() {
				continue
			}

			self.stateLock.Lock()
			self.consecutiveFailures += 1
			suspend := self.settings.MaxConsecutiveFailures < self.consecutiveFailures
			self.stateLock.Unlock()

			if suspend {
				self.setState(ConnectionStateSuspended)
				select {
				case <-self.ctx.Done():
					return
				case <-self.wake:
				}
				bo.Reset()
				continue
			}

			self.setState(ConnectionStateReconnecting)
			select {
			case <-self.ctx.Done():
				return
			case <-self.wake:
				// explicit reconnect, retry immediately
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		if !self.isEnabled() {
			// an explicit disconnect raced the handshake. the response is
			// discarded, not applied.
			ws.Close()
			continue
		}

		self.stateLock.Lock()
		self.consecutiveFailures = 0
		self.stateLock.Unlock()
		bo.Reset()

		self.setState(ConnectionStateConnected)

		// reconciliation: merge what we were missing, then send what the
		// server has never seen. both sides are idempotent merges, so
		// redelivery or reordering in this window is harmless.
		for _, op := range result.MissingOperations {
			self.deliver(op)
		}

		self.pump(ws, result)

		ws.Close()

		if !self.isEnabled() {
			self.setState(ConnectionStateDisconnected)
			continue
		}

		self.setState(ConnectionStateReconnecting)
		select {
		case <-self.ctx.Done():
			return
		case <-self.wake:
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (self *SyncTransport) dial() (*websocket.Conn, *protocol.HandshakeResult, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		return nil, nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	handshake := &protocol.Handshake{
		DocumentId: string(self.documentId),
		PeerId:     string(self.peerId),
		KnownSeqs:  self.reconciler.KnownSeqs(),
	}
	if self.auth != nil {
		handshake.ByJwt = self.auth.ByJwt
	}
	handshakeBytes, err := EncodeFrame(handshake)
	if err != nil {
		return nil, nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.SyncHandshakeTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, handshakeBytes); err != nil {
		return nil, nil, err
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.SyncHandshakeTimeout))
	messageType, messageBytes, err := ws.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	if messageType != websocket.BinaryMessage {
		return nil, nil, fmt.Errorf("handshake response error.")
	}
	message, err := DecodeFrame(messageBytes)
	if err != nil {
		return nil, nil, err
	}
	result, ok := message.(*protocol.HandshakeResult)
	if !ok {
		return nil, nil, fmt.Errorf("handshake response error: %T", message)
	}

	success = true
	return ws, result, nil
}

// pump runs the bidirectional read/write loops until the connection drops
// or the transport is torn down.
func (self *SyncTransport) pump(ws *websocket.Conn, result *protocol.HandshakeResult) {
	if !self.isEnabled() {
		return
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	ws.SetReadLimit(self.settings.MaxMessageByteCount)

	send := make(chan []byte, transportSendBufferSize)

	self.stateLock.Lock()
	self.conn = ws
	self.send = send
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		if self.conn == ws {
			self.conn = nil
			self.send = nil
		}
		self.stateLock.Unlock()
	}()

	// flush: everything the server is missing per its high water marks,
	// plus anything still in the outbound queue not already covered
	flush := [][]byte{}
	flushedRefs := map[OpRef]bool{}
	for _, op := range self.reconciler.OpsSince(result.KnownSeqs) {
		frameBytes, err := EncodeFrame(op)
		if err != nil {
			continue
		}
		flush = append(flush, frameBytes)
		flushedRefs[OpRef{Origin: PeerId(op.Origin), Seq: op.Seq}] = true
	}
	for _, item := range self.queue.RemoveAll() {
		if !flushedRefs[item.ref] {
			flush = append(flush, item.frameBytes)
		}
	}
	for _, frameBytes := range flush {
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		if err := ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
			glog.Infof("[ts]%s-> flush error = %s\n", self.peerId, err)
			return
		}
	}
	glog.V(2).Infof("[ts]%s-> flushed %d\n", self.peerId, len(flush))

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frameBytes, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[ts]%s-> error = %s\n", self.peerId, err)
					return
				}
				glog.V(2).Infof("[ts]%s->\n", self.peerId)
			case <-time.After(self.settings.PingTimeout):
				// drain anything that spilled into the queue
				for {
					item := self.queue.RemoveFirst()
					if item == nil {
						break
					}
					ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
					if err := ws.WriteMessage(websocket.BinaryMessage, item.frameBytes); err != nil {
						return
					}
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, messageBytes, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[tr]%s<- error = %s\n", self.peerId, err)
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				if len(messageBytes) == 0 {
					// ping
					glog.V(2).Infof("[tr]ping %s<-\n", self.peerId)
					continue
				}
				message, err := DecodeFrame(messageBytes)
				if err != nil {
					glog.Infof("[tr]%s<- decode error = %s\n", self.peerId, err)
					continue
				}
				self.deliver(message)
				glog.V(2).Infof("[tr]%s<-\n", self.peerId)
			default:
				glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.peerId)
			}
		}
	}()

	<-handleCtx.Done()
}
