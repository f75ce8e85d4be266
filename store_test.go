package docsync

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestLocalStoreSaveLoad(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "docsync.db")

	store, err := OpenLocalStore(ctx, path)
	assert.Equal(t, err, nil)

	doc := NewDocument("doc", "a")
	_, err = doc.ApplyLocal(InsertAt(0, "persist me"))
	assert.Equal(t, err, nil)

	store.Save("doc", doc.Snapshot())
	store.Flush()

	snapshot, err := store.Load("doc")
	assert.Equal(t, err, nil)
	assert.NotEqual(t, snapshot, nil)
	assert.Equal(t, "doc", snapshot.DocumentId)

	restored := NewDocument("doc", "a")
	err = restored.LoadSnapshot(snapshot)
	assert.Equal(t, err, nil)
	assert.Equal(t, "persist me", restored.Text())

	store.Close()
}

func TestLocalStoreLoadMissing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "docsync.db")

	store, err := OpenLocalStore(ctx, path)
	assert.Equal(t, err, nil)
	defer store.Close()

	snapshot, err := store.Load("nope")
	assert.Equal(t, err, nil)
	if snapshot != nil {
		t.Fatal("Expected no snapshot for an unknown document.")
	}
}

func TestLocalStoreOverwrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "docsync.db")

	store, err := OpenLocalStore(ctx, path)
	assert.Equal(t, err, nil)
	defer store.Close()

	doc := NewDocument("doc", "a")
	_, err = doc.ApplyLocal(InsertAt(0, "v1"))
	assert.Equal(t, err, nil)
	store.Save("doc", doc.Snapshot())

	_, err = doc.ApplyLocal(InsertAt(2, " v2"))
	assert.Equal(t, err, nil)
	store.Save("doc", doc.Snapshot())
	store.Flush()

	snapshot, err := store.Load("doc")
	assert.Equal(t, err, nil)

	restored := NewDocument("doc", "a")
	err = restored.LoadSnapshot(snapshot)
	assert.Equal(t, err, nil)
	assert.Equal(t, "v1 v2", restored.Text())
}

func TestLocalStoreReopen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "docsync.db")

	store, err := OpenLocalStore(ctx, path)
	assert.Equal(t, err, nil)

	doc := NewDocument("doc", "a")
	_, err = doc.ApplyLocal(InsertAt(0, "durable"))
	assert.Equal(t, err, nil)
	store.Save("doc", doc.Snapshot())
	store.Close()

	// a new handle over the same file sees the saved state
	reopened, err := OpenLocalStore(ctx, path)
	assert.Equal(t, err, nil)
	defer reopened.Close()

	snapshot, err := reopened.Load("doc")
	assert.Equal(t, err, nil)
	assert.NotEqual(t, snapshot, nil)

	restored := NewDocument("doc", "a")
	err = restored.LoadSnapshot(snapshot)
	assert.Equal(t, err, nil)
	assert.Equal(t, "durable", restored.Text())
}
