package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/autocapture/engine/internal/keyring"
	"github.com/autocapture/engine/internal/platform"
)

func TestContentStore_StoreRetrieveRoundTripPlaintext(t *testing.T) {
	ctx := context.Background()
	cs := NewContentStore("media", t.TempDir(), nil, "")
	if err := cs.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	content := []byte("a captured text segment")
	hash, err := cs.Store(ctx, content)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	exists, err := cs.Exists(ctx, hash)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !exists {
		t.Error("Exists() = false, want true")
	}

	got, err := cs.Retrieve(ctx, hash)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Retrieve() = %q, want %q", got, content)
	}
}

func TestContentStore_StoreRetrieveRoundTripEncrypted(t *testing.T) {
	ctx := context.Background()
	kr, err := keyring.Open(t.TempDir())
	if err != nil {
		t.Fatalf("keyring.Open() error = %v", err)
	}
	cs := NewContentStore("blobs", t.TempDir(), kr, keyring.PurposeBlobAEAD)
	if err := cs.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	content := []byte("sensitive evidence bytes")
	hash, err := cs.Store(ctx, content)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, err := cs.Retrieve(ctx, hash)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Retrieve() = %q, want %q", got, content)
	}
}

func TestContentStore_RetrieveMissingReturnsErrContentNotFound(t *testing.T) {
	ctx := context.Background()
	cs := NewContentStore("media", t.TempDir(), nil, "")
	if err := cs.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, err := cs.Retrieve(ctx, "deadbeef")
	if err == nil {
		t.Fatal("Retrieve() error = nil, want ErrContentNotFound")
	}
	var notFound platform.ErrContentNotFound
	if ok := asErrContentNotFound(err, &notFound); !ok {
		t.Errorf("Retrieve() error = %v, want ErrContentNotFound", err)
	}
}

func TestContentStore_StoreIsIdempotentByHash(t *testing.T) {
	ctx := context.Background()
	cs := NewContentStore("media", t.TempDir(), nil, "")
	if err := cs.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	content := []byte("identical content")
	h1, err := cs.Store(ctx, content)
	if err != nil {
		t.Fatalf("first Store() error = %v", err)
	}
	h2, err := cs.Store(ctx, content)
	if err != nil {
		t.Fatalf("second Store() error = %v", err)
	}
	if h1 != h2 {
		t.Errorf("Store() hashes differ for identical content: %q != %q", h1, h2)
	}
}

func TestContentStore_StoreWithMetadataAndGetMetadata(t *testing.T) {
	ctx := context.Background()
	cs := NewContentStore("media", t.TempDir(), nil, "")
	if err := cs.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	hash, err := cs.StoreWithMetadata(ctx, []byte("content"), platform.ContentMetadata{
		ContentType: "text/plain",
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("StoreWithMetadata() error = %v", err)
	}

	meta, err := cs.GetMetadata(ctx, hash)
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if meta.Hash != hash {
		t.Errorf("GetMetadata().Hash = %q, want %q", meta.Hash, hash)
	}
	if meta.Size != int64(len("content")) {
		t.Errorf("GetMetadata().Size = %d, want %d", meta.Size, len("content"))
	}
}

func TestSpoolWriter_HashesWhileStreaming(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool", "segment-1")
	w, err := NewSpoolWriter(path)
	if err != nil {
		t.Fatalf("NewSpoolWriter() error = %v", err)
	}

	chunks := [][]byte{[]byte("chunk-one "), []byte("chunk-two ")}
	for _, c := range chunks {
		if _, err := w.Write(c); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	streamed := w.Sum()

	cs := NewContentStore("media", t.TempDir(), nil, "")
	whole, err := cs.Store(context.Background(), []byte("chunk-one chunk-two "))
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if streamed != whole {
		t.Errorf("SpoolWriter.Sum() = %q, want %q (same content hashed whole)", streamed, whole)
	}
}

func asErrContentNotFound(err error, target *platform.ErrContentNotFound) bool {
	if nf, ok := err.(platform.ErrContentNotFound); ok {
		*target = nf
		return true
	}
	return false
}
