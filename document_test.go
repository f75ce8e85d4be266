package docsync

import (
	"errors"
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/coedit/docsync/protocol"
)

func TestApplyLocalInsert(t *testing.T) {
	doc := NewDocument("doc", "a")

	ops, err := doc.ApplyLocal(InsertAt(0, "hello"))
	assert.Equal(t, err, nil)
	assert.Equal(t, 5, len(ops))
	for i, op := range ops {
		assert.Equal(t, uint64(i+1), op.Seq)
		assert.Equal(t, "a", op.Origin)
		assert.Equal(t, protocol.OpKindInsert, op.Kind)
	}
	assert.Equal(t, "hello", doc.Text())
	assert.Equal(t, 5, doc.Len())

	_, err = doc.ApplyLocal(InsertAt(5, " world"))
	assert.Equal(t, err, nil)
	assert.Equal(t, "hello world", doc.Text())

	_, err = doc.ApplyLocal(InsertAt(100, "x"))
	assert.NotEqual(t, err, nil)
	assert.Equal(t, true, errors.Is(err, ErrInvalidChange))
	assert.Equal(t, "hello world", doc.Text())
}

func TestApplyLocalDelete(t *testing.T) {
	doc := NewDocument("doc", "a")

	_, err := doc.ApplyLocal(InsertAt(0, "hello world"))
	assert.Equal(t, err, nil)

	_, err = doc.ApplyLocal(DeleteAt(5, 6))
	assert.Equal(t, err, nil)
	assert.Equal(t, "hello", doc.Text())

	// count clamps to the visible length
	_, err = doc.ApplyLocal(DeleteAt(3, 100))
	assert.Equal(t, err, nil)
	assert.Equal(t, "hel", doc.Text())

	_, err = doc.ApplyLocal(DeleteAt(3, 1))
	assert.Equal(t, true, errors.Is(err, ErrInvalidChange))
}

func TestConvergence(t *testing.T) {
	// two peers edit concurrently, then every replica applies the union of
	// the operations in random orders with duplicates. all replicas must
	// materialize the same content.
	docA := NewDocument("doc", "a")
	docB := NewDocument("doc", "b")

	opsA, err := docA.ApplyLocal(InsertAt(0, "alpha"))
	assert.Equal(t, err, nil)
	opsB, err := docB.ApplyLocal(InsertAt(0, "beta"))
	assert.Equal(t, err, nil)

	union := []*protocol.Operation{}
	union = append(union, opsA...)
	union = append(union, opsB...)
	// duplicates
	union = append(union, opsA...)
	union = append(union, opsB...)

	for _, op := range union {
		assert.Equal(t, docB.ApplyRemote(op), nil)
	}
	for _, op := range union {
		assert.Equal(t, docA.ApplyRemote(op), nil)
	}
	assert.Equal(t, docA.Text(), docB.Text())
	assert.Equal(t, 9, docA.Len())

	for i := 0; i < 20; i += 1 {
		shuffled := make([]*protocol.Operation, len(union))
		copy(shuffled, union)
		mathrand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		replica := NewDocument("doc", "c")
		for _, op := range shuffled {
			assert.Equal(t, replica.ApplyRemote(op), nil)
		}
		assert.Equal(t, docA.Text(), replica.Text())
		assert.Equal(t, 0, replica.PendingOperationCount())
	}
}

func TestIdempotence(t *testing.T) {
	docA := NewDocument("doc", "a")
	ops, err := docA.ApplyLocal(InsertAt(0, "abc"))
	assert.Equal(t, err, nil)

	docB := NewDocument("doc", "b")
	for _, op := range ops {
		assert.Equal(t, docB.ApplyRemote(op), nil)
	}
	text := docB.Text()
	knownSeqs := docB.KnownSeqs()

	for _, op := range ops {
		assert.Equal(t, docB.ApplyRemote(op), nil)
	}
	assert.Equal(t, text, docB.Text())
	assert.Equal(t, knownSeqs, docB.KnownSeqs())
	assert.Equal(t, 3, len(docB.OpsSince(map[string]uint64{})))
}

func TestDeterministicTieBreak(t *testing.T) {
	// both peers insert at the head of an empty document while offline.
	// after exchanging operations, both replicas agree on the same order.
	docA := NewDocument("doc", "a")
	docB := NewDocument("doc", "b")

	opsA, err := docA.ApplyLocal(InsertAt(0, "A"))
	assert.Equal(t, err, nil)
	opsB, err := docB.ApplyLocal(InsertAt(0, "B"))
	assert.Equal(t, err, nil)

	for _, op := range opsB {
		assert.Equal(t, docA.ApplyRemote(op), nil)
	}
	for _, op := range opsA {
		assert.Equal(t, docB.ApplyRemote(op), nil)
	}

	// concurrent siblings order descending by (origin, seq)
	assert.Equal(t, "BA", docA.Text())
	assert.Equal(t, "BA", docB.Text())
}

func TestOutOfOrderDelivery(t *testing.T) {
	docA := NewDocument("doc", "a")
	ops, err := docA.ApplyLocal(InsertAt(0, "abc"))
	assert.Equal(t, err, nil)

	docB := NewDocument("doc", "b")
	// reverse order: each op waits for its per origin predecessor
	for i := len(ops) - 1; 0 < i; i -= 1 {
		assert.Equal(t, docB.ApplyRemote(ops[i]), nil)
	}
	assert.Equal(t, "", docB.Text())
	assert.Equal(t, 2, docB.PendingOperationCount())

	assert.Equal(t, docB.ApplyRemote(ops[0]), nil)
	assert.Equal(t, "abc", docB.Text())
	assert.Equal(t, 0, docB.PendingOperationCount())
}

func TestMissingParentBuffering(t *testing.T) {
	docA := NewDocument("doc", "a")
	opsA, err := docA.ApplyLocal(InsertAt(0, "x"))
	assert.Equal(t, err, nil)

	docB := NewDocument("doc", "b")
	assert.Equal(t, docB.ApplyRemote(opsA[0]), nil)
	opsB, err := docB.ApplyLocal(InsertAt(1, "y"))
	assert.Equal(t, err, nil)

	// replica c sees b's insert before the parent from a
	docC := NewDocument("doc", "c")
	assert.Equal(t, docC.ApplyRemote(opsB[0]), nil)
	assert.Equal(t, "", docC.Text())
	assert.Equal(t, 1, docC.PendingOperationCount())

	assert.Equal(t, docC.ApplyRemote(opsA[0]), nil)
	assert.Equal(t, "xy", docC.Text())
	assert.Equal(t, 0, docC.PendingOperationCount())
}

func TestCorruptOperation(t *testing.T) {
	doc := NewDocument("doc", "a")

	corrupt := []*protocol.Operation{
		// missing origin
		{DocumentId: "doc", Seq: 1, Kind: protocol.OpKindInsert, Value: "x"},
		// zero sequence number
		{DocumentId: "doc", Origin: "b", Kind: protocol.OpKindInsert, Value: "x"},
		// unknown kind
		{DocumentId: "doc", Origin: "b", Seq: 1, Kind: protocol.OpKind(99)},
		// insert without value
		{DocumentId: "doc", Origin: "b", Seq: 1, Kind: protocol.OpKindInsert},
		// insert referencing a parent from the same origin that does not precede it
		{DocumentId: "doc", Origin: "b", Seq: 1, Kind: protocol.OpKindInsert, Value: "x", ParentOrigin: "b", ParentSeq: 2},
		// delete targeting the document head
		{DocumentId: "doc", Origin: "b", Seq: 1, Kind: protocol.OpKindDelete},
		// attribute without key
		{DocumentId: "doc", Origin: "b", Seq: 1, Kind: protocol.OpKindSetAttr, TargetOrigin: "b", TargetSeq: 0},
		// wrong document
		{DocumentId: "other", Origin: "b", Seq: 1, Kind: protocol.OpKindInsert, Value: "x"},
	}
	for _, op := range corrupt {
		err := doc.ApplyRemote(op)
		assert.Equal(t, true, errors.Is(err, ErrCorruptOperation))
	}
	assert.Equal(t, int64(len(corrupt)), doc.CorruptOperationCount())
	assert.Equal(t, "", doc.Text())

	// a valid operation still applies after rejected ones
	valid := &protocol.Operation{
		DocumentId: "doc",
		Origin:     "b",
		Seq:        1,
		Kind:       protocol.OpKindInsert,
		Value:      "y",
	}
	assert.Equal(t, doc.ApplyRemote(valid), nil)
	assert.Equal(t, "y", doc.Text())
}

func TestAttributeLastWriterWins(t *testing.T) {
	docA := NewDocument("doc", "a")
	insertOps, err := docA.ApplyLocal(InsertAt(0, "x"))
	assert.Equal(t, err, nil)

	docB := NewDocument("doc", "b")
	for _, op := range insertOps {
		assert.Equal(t, docB.ApplyRemote(op), nil)
	}

	attrA, err := docA.ApplyLocal(SetAttrAt(0, "bold", "true"))
	assert.Equal(t, err, nil)
	attrB, err := docB.ApplyLocal(SetAttrAt(0, "bold", "false"))
	assert.Equal(t, err, nil)

	// apply in opposite orders on each replica
	for _, op := range attrB {
		assert.Equal(t, docA.ApplyRemote(op), nil)
	}
	for _, op := range attrA {
		assert.Equal(t, docB.ApplyRemote(op), nil)
	}

	assert.Equal(t, docA.AttrsAt(0), docB.AttrsAt(0))
	// the writer with the greater (origin, seq) wins on every replica
	assert.Equal(t, "false", docA.AttrsAt(0)["bold"])
}

func TestSnapshotRoundtrip(t *testing.T) {
	docA := NewDocument("doc", "a")
	_, err := docA.ApplyLocal(InsertAt(0, "hello"))
	assert.Equal(t, err, nil)
	_, err = docA.ApplyLocal(DeleteAt(0, 1))
	assert.Equal(t, err, nil)
	_, err = docA.ApplyLocal(SetAttrAt(0, "bold", "true"))
	assert.Equal(t, err, nil)

	snapshot := docA.Snapshot()
	assert.Equal(t, protocol.SnapshotFormatVersion, snapshot.FormatVersion)

	restored := NewDocument("doc", "a")
	assert.Equal(t, restored.LoadSnapshot(snapshot), nil)
	assert.Equal(t, docA.Text(), restored.Text())
	assert.Equal(t, docA.KnownSeqs(), restored.KnownSeqs())
	assert.Equal(t, docA.AttrsAt(0), restored.AttrsAt(0))

	// the local sequence continues after the restored high water mark
	ops, err := restored.ApplyLocal(InsertAt(0, "z"))
	assert.Equal(t, err, nil)
	assert.Equal(t, docA.KnownSeqs()["a"]+1, ops[0].Seq)

	badVersion := &protocol.Snapshot{FormatVersion: 99}
	assert.NotEqual(t, NewDocument("doc", "a").LoadSnapshot(badVersion), nil)
}

func TestOpsSince(t *testing.T) {
	docA := NewDocument("doc", "a")
	_, err := docA.ApplyLocal(InsertAt(0, "abc"))
	assert.Equal(t, err, nil)

	all := docA.OpsSince(map[string]uint64{})
	assert.Equal(t, 3, len(all))

	some := docA.OpsSince(map[string]uint64{"a": 2})
	assert.Equal(t, 1, len(some))
	assert.Equal(t, uint64(3), some[0].Seq)

	none := docA.OpsSince(docA.KnownSeqs())
	assert.Equal(t, 0, len(none))
}
