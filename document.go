package docsync

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/exp/slices"

	"github.com/coedit/docsync/protocol"
)

var ErrCorruptOperation = errors.New("corrupt operation")
var ErrInvalidChange = errors.New("invalid change")

// OpRef references the element created by an operation. The zero value
// references the document head.
type OpRef struct {
	Origin PeerId
	Seq    uint64
}

var HeadRef = OpRef{}

func (self OpRef) IsHead() bool {
	return self == HeadRef
}

func (self OpRef) String() string {
	if self.IsHead() {
		return "head"
	}
	return fmt.Sprintf("%s:%d", self.Origin, self.Seq)
}

// total order over refs, used for both concurrent-insert ordering and
// attribute last-writer-wins. Every replica applies the same comparison,
// which is what makes the merged order peer agreed.
func compareOpRef(a OpRef, b OpRef) int {
	if c := strings.Compare(string(a.Origin), string(b.Origin)); c != 0 {
		return c
	}
	if a.Seq < b.Seq {
		return -1
	} else if b.Seq < a.Seq {
		return 1
	}
	return 0
}

type ChangeKind int

const (
	ChangeKindInsert  ChangeKind = 1
	ChangeKindDelete  ChangeKind = 2
	ChangeKindSetAttr ChangeKind = 3
)

// Change is the UI facing edit payload. Positions are indexes into the
// materialized document; the document converts them to causal references
// internally. The renderer never constructs operations directly.
type Change struct {
	Kind  ChangeKind
	Index int
	// insert text or attribute value
	Value string
	// delete count
	Count int
	// attribute key
	AttrKey string
}

func InsertAt(index int, value string) Change {
	return Change{Kind: ChangeKindInsert, Index: index, Value: value}
}

func DeleteAt(index int, count int) Change {
	return Change{Kind: ChangeKindDelete, Index: index, Count: count}
}

func SetAttrAt(index int, key string, value string) Change {
	return Change{Kind: ChangeKindSetAttr, Index: index, AttrKey: key, Value: value}
}

type attrState struct {
	value string
	by    OpRef
}

type element struct {
	ref     OpRef
	value   string
	deleted bool
	attrs   map[string]*attrState
	// ordered descending by compareOpRef so that an element inserted later
	// at the same parent materializes closer to the parent
	children []*element
}

func (self *element) insertChild(child *element) {
	i, _ := slices.BinarySearchFunc(self.children, child, func(a *element, b *element) int {
		// descending
		return compareOpRef(b.ref, a.ref)
	})
	self.children = slices.Insert(self.children, i, child)
}

// Document is the operation log and materialized state for one DocumentId.
// The materialized state is a pure function of the set of applied
// operations: applying the same operation twice, or applying operations in
// any order, converges to the same result on every replica.
type Document struct {
	documentId  DocumentId
	localPeerId PeerId

	stateLock sync.Mutex

	head     *element
	elements map[OpRef]*element

	seen      mapset.Set[OpRef]
	knownSeqs map[PeerId]uint64
	log       []*protocol.Operation

	// operations admitted to the log whose referenced element has not
	// arrived yet, keyed by the missing ref
	pendingRef map[OpRef][]*protocol.Operation
	// operations received ahead of a per-origin sequence gap
	pendingSeq map[PeerId]map[uint64]*protocol.Operation

	corruptCount int64
}

func NewDocument(documentId DocumentId, localPeerId PeerId) *Document {
	return &Document{
		documentId:  documentId,
		localPeerId: localPeerId,
		head:        &element{ref: HeadRef},
		elements:    map[OpRef]*element{},
		seen:        mapset.NewThreadUnsafeSet[OpRef](),
		knownSeqs:   map[PeerId]uint64{},
		log:         []*protocol.Operation{},
		pendingRef:  map[OpRef][]*protocol.Operation{},
		pendingSeq:  map[PeerId]map[uint64]*protocol.Operation{},
	}
}

func (self *Document) DocumentId() DocumentId {
	return self.documentId
}

func (self *Document) LocalPeerId() PeerId {
	return self.localPeerId
}

// ApplyLocal converts an index based change into operations, applies them
// synchronously, and returns them for transmission. The materialized state
// reflects the change before this returns; no network round trip is
// involved (local first).
func (self *Document) ApplyLocal(change Change) ([]*protocol.Operation, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch change.Kind {
	case ChangeKindInsert:
		return self.applyLocalInsert(change.Index, change.Value)
	case ChangeKindDelete:
		return self.applyLocalDelete(change.Index, change.Count)
	case ChangeKindSetAttr:
		return self.applyLocalSetAttr(change.Index, change.AttrKey, change.Value)
	default:
		return nil, fmt.Errorf("%w: unknown change kind %d", ErrInvalidChange, change.Kind)
	}
}

func (self *Document) applyLocalInsert(index int, value string) ([]*protocol.Operation, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("%w: empty insert", ErrInvalidChange)
	}
	visible := self.visibleElements()
	if index < 0 || len(visible) < index {
		return nil, fmt.Errorf("%w: insert index %d out of range [0, %d]", ErrInvalidChange, index, len(visible))
	}

	parentRef := HeadRef
	if 0 < index {
		parentRef = visible[index-1].ref
	}

	// one element per rune, chained so that a multi rune insert stays
	// contiguous under concurrent edits
	ops := []*protocol.Operation{}
	for _, r := range value {
		op := &protocol.Operation{
			DocumentId:   string(self.documentId),
			Origin:       string(self.localPeerId),
			Seq:          self.knownSeqs[self.localPeerId] + 1,
			Kind:         protocol.OpKindInsert,
			ParentOrigin: string(parentRef.Origin),
			ParentSeq:    parentRef.Seq,
			Value:        string(r),
		}
		self.admit(op)
		ops = append(ops, op)
		parentRef = OpRef{Origin: self.localPeerId, Seq: op.Seq}
	}
	return ops, nil
}

func (self *Document) applyLocalDelete(index int, count int) ([]*protocol.Operation, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: delete count %d", ErrInvalidChange, count)
	}
	visible := self.visibleElements()
	if index < 0 || len(visible) <= index {
		return nil, fmt.Errorf("%w: delete index %d out of range [0, %d)", ErrInvalidChange, index, len(visible))
	}
	if len(visible) < index+count {
		count = len(visible) - index
	}

	ops := []*protocol.Operation{}
	for i := 0; i < count; i += 1 {
		target := visible[index+i].ref
		op := &protocol.Operation{
			DocumentId:   string(self.documentId),
			Origin:       string(self.localPeerId),
			Seq:          self.knownSeqs[self.localPeerId] + 1,
			Kind:         protocol.OpKindDelete,
			TargetOrigin: string(target.Origin),
			TargetSeq:    target.Seq,
		}
		self.admit(op)
		ops = append(ops, op)
	}
	return ops, nil
}

func (self *Document) applyLocalSetAttr(index int, key string, value string) ([]*protocol.Operation, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty attribute key", ErrInvalidChange)
	}
	visible := self.visibleElements()
	if index < 0 || len(visible) <= index {
		return nil, fmt.Errorf("%w: attribute index %d out of range [0, %d)", ErrInvalidChange, index, len(visible))
	}

	target := visible[index].ref
	op := &protocol.Operation{
		DocumentId:   string(self.documentId),
		Origin:       string(self.localPeerId),
		Seq:          self.knownSeqs[self.localPeerId] + 1,
		Kind:         protocol.OpKindSetAttr,
		TargetOrigin: string(target.Origin),
		TargetSeq:    target.Seq,
		AttrKey:      key,
		AttrValue:    value,
	}
	self.admit(op)
	return []*protocol.Operation{op}, nil
}

// ApplyRemote merges one operation received from the network. It is
// idempotent and order independent: duplicates are no-ops, operations
// ahead of a per-origin gap or referencing a not yet seen element are
// buffered and applied when their dependencies arrive. A malformed
// operation returns ErrCorruptOperation and never mutates state.
func (self *Document) ApplyRemote(op *protocol.Operation) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if err := self.validate(op); err != nil {
		self.corruptCount += 1
		return err
	}

	origin := PeerId(op.Origin)
	ref := OpRef{Origin: origin, Seq: op.Seq}
	if self.seen.Contains(ref) {
		return nil
	}
	if _, ok := self.pendingSeq[origin][op.Seq]; ok {
		return nil
	}

	if op.Seq != self.knownSeqs[origin]+1 {
		// ahead of a gap. hold until the predecessor arrives.
		byOrigin, ok := self.pendingSeq[origin]
		if !ok {
			byOrigin = map[uint64]*protocol.Operation{}
			self.pendingSeq[origin] = byOrigin
		}
		byOrigin[op.Seq] = cloneOp(op)
		return nil
	}

	self.admit(cloneOp(op))

	// the admitted operation may have closed a sequence gap
	for {
		byOrigin := self.pendingSeq[origin]
		next, ok := byOrigin[self.knownSeqs[origin]+1]
		if !ok {
			break
		}
		delete(byOrigin, next.Seq)
		self.admit(next)
	}
	return nil
}

func (self *Document) validate(op *protocol.Operation) error {
	if op == nil {
		return fmt.Errorf("%w: nil operation", ErrCorruptOperation)
	}
	if op.DocumentId != "" && DocumentId(op.DocumentId) != self.documentId {
		return fmt.Errorf("%w: operation for document %s", ErrCorruptOperation, op.DocumentId)
	}
	if op.Origin == "" {
		return fmt.Errorf("%w: missing origin", ErrCorruptOperation)
	}
	if op.Seq == 0 {
		return fmt.Errorf("%w: sequence number must be positive", ErrCorruptOperation)
	}
	switch op.Kind {
	case protocol.OpKindInsert:
		if op.Value == "" {
			return fmt.Errorf("%w: insert without value", ErrCorruptOperation)
		}
		if op.ParentOrigin == op.Origin && op.Seq <= op.ParentSeq {
			// a parent from the same origin must precede the insert
			return fmt.Errorf("%w: insert references a future parent", ErrCorruptOperation)
		}
	case protocol.OpKindDelete, protocol.OpKindSetAttr:
		if op.TargetOrigin == "" && op.TargetSeq == 0 {
			return fmt.Errorf("%w: the document head cannot be a target", ErrCorruptOperation)
		}
		if op.TargetOrigin == op.Origin && op.Seq <= op.TargetSeq {
			return fmt.Errorf("%w: operation references a future target", ErrCorruptOperation)
		}
		if op.Kind == protocol.OpKindSetAttr && op.AttrKey == "" {
			return fmt.Errorf("%w: attribute without key", ErrCorruptOperation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrCorruptOperation, op.Kind)
	}
	return nil
}

// admit appends a validated, in-order operation to the log and applies its
// structural effect. If the referenced element has not arrived yet the
// structural effect is parked until it does; the operation still counts as
// seen so duplicates remain no-ops.
func (self *Document) admit(op *protocol.Operation) {
	origin := PeerId(op.Origin)
	ref := OpRef{Origin: origin, Seq: op.Seq}

	self.seen.Add(ref)
	self.knownSeqs[origin] = op.Seq
	self.log = append(self.log, op)

	self.applyStructural(op)
}

func (self *Document) applyStructural(op *protocol.Operation) {
	origin := PeerId(op.Origin)
	ref := OpRef{Origin: origin, Seq: op.Seq}

	switch op.Kind {
	case protocol.OpKindInsert:
		parentRef := OpRef{Origin: PeerId(op.ParentOrigin), Seq: op.ParentSeq}
		parent := self.head
		if !parentRef.IsHead() {
			var ok bool
			parent, ok = self.elements[parentRef]
			if !ok {
				self.pendingRef[parentRef] = append(self.pendingRef[parentRef], op)
				return
			}
		}
		el := &element{
			ref:   ref,
			value: op.Value,
		}
		self.elements[ref] = el
		parent.insertChild(el)

		// unblock anything waiting on the new element
		if parked, ok := self.pendingRef[ref]; ok {
			delete(self.pendingRef, ref)
			for _, parkedOp := range parked {
				self.applyStructural(parkedOp)
			}
		}
	case protocol.OpKindDelete:
		targetRef := OpRef{Origin: PeerId(op.TargetOrigin), Seq: op.TargetSeq}
		target, ok := self.elements[targetRef]
		if !ok {
			self.pendingRef[targetRef] = append(self.pendingRef[targetRef], op)
			return
		}
		target.deleted = true
	case protocol.OpKindSetAttr:
		targetRef := OpRef{Origin: PeerId(op.TargetOrigin), Seq: op.TargetSeq}
		target, ok := self.elements[targetRef]
		if !ok {
			self.pendingRef[targetRef] = append(self.pendingRef[targetRef], op)
			return
		}
		if target.attrs == nil {
			target.attrs = map[string]*attrState{}
		}
		current, ok := target.attrs[op.AttrKey]
		if !ok || compareOpRef(current.by, ref) < 0 {
			target.attrs[op.AttrKey] = &attrState{
				value: op.AttrValue,
				by:    ref,
			}
		}
	}
}

func (self *Document) visibleElements() []*element {
	visible := []*element{}
	var visit func(el *element)
	visit = func(el *element) {
		if !el.ref.IsHead() && !el.deleted {
			visible = append(visible, el)
		}
		for _, child := range el.children {
			visit(child)
		}
	}
	visit(self.head)
	return visible
}

// Text returns the materialized document content.
func (self *Document) Text() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var b strings.Builder
	for _, el := range self.visibleElements() {
		b.WriteString(el.value)
	}
	return b.String()
}

// Len returns the number of visible elements, which is the index space for
// Change positions.
func (self *Document) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.visibleElements())
}

// AttrsAt returns a copy of the attributes of the visible element at index.
func (self *Document) AttrsAt(index int) map[string]string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	visible := self.visibleElements()
	if index < 0 || len(visible) <= index {
		return nil
	}
	attrs := map[string]string{}
	for key, state := range visible[index].attrs {
		attrs[key] = state.value
	}
	return attrs
}

// KnownSeqs returns the highest contiguous applied sequence number per
// origin. This is the client side of the reconciliation handshake.
func (self *Document) KnownSeqs() map[string]uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	knownSeqs := map[string]uint64{}
	for origin, seq := range self.knownSeqs {
		knownSeqs[string(origin)] = seq
	}
	return knownSeqs
}

// OpsSince returns the applied operations a peer with the given high water
// marks is missing, in per-origin sequence order.
func (self *Document) OpsSince(knownSeqs map[string]uint64) []*protocol.Operation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ops := []*protocol.Operation{}
	for _, op := range self.log {
		if knownSeqs[op.Origin] < op.Seq {
			ops = append(ops, cloneOp(op))
		}
	}
	return ops
}

func (self *Document) ContainsOp(origin PeerId, seq uint64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.seen.Contains(OpRef{Origin: origin, Seq: seq})
}

// CorruptOperationCount returns the number of rejected operations since the
// document was created.
func (self *Document) CorruptOperationCount() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.corruptCount
}

// PendingOperationCount returns the number of buffered operations waiting
// on a sequence gap or a missing referenced element.
func (self *Document) PendingOperationCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, parked := range self.pendingRef {
		count += len(parked)
	}
	for _, byOrigin := range self.pendingSeq {
		count += len(byOrigin)
	}
	return count
}

// Snapshot exports the admitted operation log for persistence. Operations
// held ahead of a sequence gap are not included; reconciliation redelivers
// them.
func (self *Document) Snapshot() *protocol.Snapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ops := make([]*protocol.Operation, 0, len(self.log))
	for _, op := range self.log {
		ops = append(ops, cloneOp(op))
	}
	return &protocol.Snapshot{
		FormatVersion: protocol.SnapshotFormatVersion,
		DocumentId:    string(self.documentId),
		Operations:    ops,
	}
}

// LoadSnapshot rehydrates the document from a persisted snapshot. Intended
// for a freshly created document before any local edits.
func (self *Document) LoadSnapshot(snapshot *protocol.Snapshot) error {
	if snapshot == nil {
		return nil
	}
	if snapshot.FormatVersion != protocol.SnapshotFormatVersion {
		return fmt.Errorf("unsupported snapshot format version %d", snapshot.FormatVersion)
	}
	for _, op := range snapshot.Operations {
		if err := self.ApplyRemote(op); err != nil {
			// a corrupt persisted operation is dropped, same as on the wire
			continue
		}
	}
	return nil
}

func cloneOp(op *protocol.Operation) *protocol.Operation {
	c := *op
	return &c
}
