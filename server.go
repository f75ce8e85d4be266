package docsync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/coedit/docsync/protocol"
)

type SyncServerSettings struct {
	HandshakeTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	ConnBufferSize   int

	MaxMessageByteCount ByteCount
}

func DefaultSyncServerSettings() *SyncServerSettings {
	return &SyncServerSettings{
		HandshakeTimeout:    5 * time.Second,
		PingTimeout:         1 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		ConnBufferSize:      32,
		MaxMessageByteCount: mib(4),
	}
}

// SyncServer is the reference sync endpoint: it keeps the authoritative
// operation log per document, answers reconciliation handshakes, and relays
// operation and awareness frames between the sessions of a document. It
// reuses Document for its state so its reconciliation marks follow the same
// contiguity rules as the clients'.
type SyncServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *SyncServerSettings
	upgrader websocket.Upgrader

	stateLock sync.Mutex
	documents map[string]*serverDocument
}

type serverDocument struct {
	document *Document

	stateLock sync.Mutex
	conns     map[*serverConn]bool
	presence  map[string][]byte
}

type serverConn struct {
	ws     *websocket.Conn
	send   chan []byte
	peerId string
}

func NewSyncServer(ctx context.Context, settings *SyncServerSettings) *SyncServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncServer{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		documents: map[string]*serverDocument{},
	}
}

func (self *SyncServer) Close() {
	self.cancel()
}

// DocumentText returns the server's materialized content, for inspection.
func (self *SyncServer) DocumentText(documentId DocumentId) string {
	self.stateLock.Lock()
	serverDoc, ok := self.documents[string(documentId)]
	self.stateLock.Unlock()

	if !ok {
		return ""
	}
	return serverDoc.document.Text()
}

// SeedOperations merges operations into a document without a connection,
// as if a peer had previously synced them.
func (self *SyncServer) SeedOperations(documentId DocumentId, ops []*protocol.Operation) {
	serverDoc := self.document(string(documentId))
	for _, op := range ops {
		serverDoc.document.ApplyRemote(op)
	}
}

func (self *SyncServer) document(documentId string) *serverDocument {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	serverDoc, ok := self.documents[documentId]
	if !ok {
		serverDoc = &serverDocument{
			document: NewDocument(DocumentId(documentId), PeerId("server")),
			conns:    map[*serverConn]bool{},
			presence: map[string][]byte{},
		}
		self.documents[documentId] = serverDoc
	}
	return serverDoc
}

func (self *SyncServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ss]upgrade error = %s\n", err)
		return
	}
	go self.handle(ws)
}

func (self *SyncServer) handle(ws *websocket.Conn) {
	defer ws.Close()

	ws.SetReadLimit(self.settings.MaxMessageByteCount)

	// handshake
	ws.SetReadDeadline(time.Now().Add(self.settings.HandshakeTimeout))
	messageType, messageBytes, err := ws.ReadMessage()
	if err != nil || messageType != websocket.BinaryMessage {
		return
	}
	message, err := DecodeFrame(messageBytes)
	if err != nil {
		return
	}
	handshake, ok := message.(*protocol.Handshake)
	if !ok {
		return
	}

	if handshake.ByJwt != "" {
		if byJwt, err := ParseByJwtUnverified(handshake.ByJwt); err == nil {
			glog.V(1).Infof("[ss]%s peer %s user %s\n", handshake.DocumentId, handshake.PeerId, byJwt.UserName)
		}
	}

	serverDoc := self.document(handshake.DocumentId)

	result := &protocol.HandshakeResult{
		MissingOperations: serverDoc.document.OpsSince(handshake.KnownSeqs),
		KnownSeqs:         serverDoc.document.KnownSeqs(),
	}
	result.UpToDate = len(result.MissingOperations) == 0
	resultBytes, err := EncodeFrame(result)
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, resultBytes); err != nil {
		return
	}

	conn := &serverConn{
		ws:     ws,
		send:   make(chan []byte, self.settings.ConnBufferSize),
		peerId: handshake.PeerId,
	}

	// tell the joiner who is already here
	serverDoc.stateLock.Lock()
	serverDoc.conns[conn] = true
	backlog := [][]byte{}
	for peerId, presenceBytes := range serverDoc.presence {
		if peerId != conn.peerId {
			backlog = append(backlog, presenceBytes)
		}
	}
	serverDoc.stateLock.Unlock()
	for _, presenceBytes := range backlog {
		conn.trySend(presenceBytes)
	}

	glog.V(1).Infof("[ss]%s join %s\n", handshake.DocumentId, conn.peerId)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go self.writePump(handleCtx, handleCancel, conn)
	self.readPump(handleCtx, handleCancel, serverDoc, conn)

	self.drop(serverDoc, conn)
}

func (self *serverConn) trySend(frameBytes []byte) {
	select {
	case self.send <- frameBytes:
	default:
		// slow consumer. reconciliation recovers anything dropped here.
	}
}

func (self *SyncServer) writePump(handleCtx context.Context, handleCancel context.CancelFunc, conn *serverConn) {
	defer handleCancel()

	for {
		select {
		case <-handleCtx.Done():
			return
		case frameBytes := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
				return
			}
		case <-time.After(self.settings.PingTimeout):
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *SyncServer) readPump(handleCtx context.Context, handleCancel context.CancelFunc, serverDoc *serverDocument, conn *serverConn) {
	defer handleCancel()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, messageBytes, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(messageBytes) == 0 {
			// ping
			continue
		}

		message, err := DecodeFrame(messageBytes)
		if err != nil {
			glog.Infof("[ss]%s decode error = %s\n", conn.peerId, err)
			continue
		}

		switch v := message.(type) {
		case *protocol.Operation:
			if err := serverDoc.document.ApplyRemote(v); err != nil {
				glog.Infof("[ss]%s corrupt operation = %s\n", conn.peerId, err)
				continue
			}
			self.relay(serverDoc, conn, messageBytes)
		case *protocol.Awareness:
			serverDoc.stateLock.Lock()
			serverDoc.presence[v.PeerId] = messageBytes
			serverDoc.stateLock.Unlock()
			self.relay(serverDoc, conn, messageBytes)
		case *protocol.AwarenessLeave:
			serverDoc.stateLock.Lock()
			delete(serverDoc.presence, v.PeerId)
			serverDoc.stateLock.Unlock()
			self.relay(serverDoc, conn, messageBytes)
		default:
			glog.V(1).Infof("[ss]%s unexpected message %T\n", conn.peerId, v)
		}
	}
}

func (self *SyncServer) relay(serverDoc *serverDocument, from *serverConn, frameBytes []byte) {
	serverDoc.stateLock.Lock()
	conns := make([]*serverConn, 0, len(serverDoc.conns))
	for conn := range serverDoc.conns {
		if conn != from {
			conns = append(conns, conn)
		}
	}
	serverDoc.stateLock.Unlock()

	for _, conn := range conns {
		conn.trySend(frameBytes)
	}
}

func (self *SyncServer) drop(serverDoc *serverDocument, conn *serverConn) {
	serverDoc.stateLock.Lock()
	delete(serverDoc.conns, conn)
	_, hadPresence := serverDoc.presence[conn.peerId]
	delete(serverDoc.presence, conn.peerId)
	serverDoc.stateLock.Unlock()

	glog.V(1).Infof("[ss]leave %s\n", conn.peerId)

	if hadPresence {
		leaveBytes, err := EncodeFrame(&protocol.AwarenessLeave{
			DocumentId: string(serverDoc.document.DocumentId()),
			PeerId:     conn.peerId,
		})
		if err == nil {
			self.relay(serverDoc, conn, leaveBytes)
		}
	}
}
