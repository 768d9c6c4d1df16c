package transfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/aminofox/lanmeet/pkg/config"
	"github.com/aminofox/lanmeet/pkg/errors"
	"github.com/aminofox/lanmeet/pkg/logger"
	"github.com/aminofox/lanmeet/pkg/ports"
	"github.com/aminofox/lanmeet/pkg/room"
	"github.com/aminofox/lanmeet/pkg/storage"
)

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()

	store, err := storage.NewLocalStorage(t.TempDir(), logger.Nop())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	cfg := config.TransferConfig{
		ChunkSize:   1024,
		ListenerTTL: ttl,
		IOTimeout:   2 * time.Second,
	}
	return NewManager(cfg, store, ports.NewAllocator(42100, 42199), logger.Nop())
}

func waitForState(t *testing.T, tr *Transfer, want State) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if tr.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Transfer never reached %s, stuck at %s (err: %v)", want, tr.State(), tr.Err())
}

func TestUploadCompletesAndVerifies(t *testing.T) {
	m := newTestManager(t, time.Minute)
	defer m.Shutdown()

	content := bytes.Repeat([]byte("lanmeet"), 1000)
	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])

	completed := make(chan *room.FileMeta, 1)
	m.UploadCompleted = func(tr *Transfer, meta *room.FileMeta) {
		completed <- meta
	}

	tr, err := m.OfferUpload("owner-1", "room-1", "data.bin", int64(len(content)), checksum)
	if err != nil {
		t.Fatalf("Failed to offer upload: %v", err)
	}
	if tr.State() != StatePending {
		t.Errorf("Fresh transfer should be pending, got %s", tr.State())
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", tr.Port))
	if err != nil {
		t.Fatalf("Failed to connect to transfer port: %v", err)
	}
	if _, err := conn.Write(content); err != nil {
		t.Fatalf("Failed to stream file: %v", err)
	}
	conn.Close()

	waitForState(t, tr, StateComplete)

	select {
	case meta := <-completed:
		if meta.Size != int64(len(content)) {
			t.Errorf("Meta size mismatch: %d", meta.Size)
		}
		if meta.Checksum != checksum {
			t.Errorf("Meta checksum mismatch: %s", meta.Checksum)
		}
		if meta.Name != "data.bin" || meta.OwnerID != "owner-1" {
			t.Error("Meta identity fields wrong")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("UploadCompleted was never invoked")
	}

	if tr.BytesMoved() != int64(len(content)) {
		t.Errorf("Expected %d bytes moved, got %d", len(content), tr.BytesMoved())
	}
	if tr.Checksum() != checksum {
		t.Errorf("Transfer checksum mismatch: %s", tr.Checksum())
	}
}

func TestShortUploadFailsNeverComplete(t *testing.T) {
	m := newTestManager(t, time.Minute)
	defer m.Shutdown()

	failed := make(chan error, 1)
	m.UploadFailed = func(tr *Transfer, err error) {
		failed <- err
	}

	tr, err := m.OfferUpload("owner-1", "room-1", "data.bin", 10000, "")
	if err != nil {
		t.Fatalf("Failed to offer upload: %v", err)
	}

	// Send fewer bytes than declared and hang up
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", tr.Port))
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	conn.Write(make([]byte, 100))
	conn.Close()

	waitForState(t, tr, StateFailed)

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("UploadFailed was never invoked")
	}
}

func TestUploadChecksumMismatchDiscards(t *testing.T) {
	m := newTestManager(t, time.Minute)
	defer m.Shutdown()

	content := []byte("not what was promised")

	tr, err := m.OfferUpload("owner-1", "room-1", "data.bin", int64(len(content)),
		"deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	if err != nil {
		t.Fatalf("Failed to offer upload: %v", err)
	}

	conn, _ := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", tr.Port))
	conn.Write(content)
	conn.Close()

	waitForState(t, tr, StateFailed)

	if !errors.IsErrorCode(tr.Err(), errors.ErrCodeChecksumMismatch) {
		t.Errorf("Expected ErrCodeChecksumMismatch, got %v", tr.Err())
	}
}

func TestListenerExpiry(t *testing.T) {
	m := newTestManager(t, 100*time.Millisecond)
	defer m.Shutdown()

	tr, err := m.OfferUpload("owner-1", "room-1", "data.bin", 100, "")
	if err != nil {
		t.Fatalf("Failed to offer upload: %v", err)
	}

	// Nobody connects; the listener must expire and free the port
	waitForState(t, tr, StateFailed)

	if !errors.IsErrorCode(tr.Err(), errors.ErrCodeTransferExpired) {
		t.Errorf("Expected ErrCodeTransferExpired, got %v", tr.Err())
	}
}

func TestPortFreedAfterTransfer(t *testing.T) {
	m := newTestManager(t, 100*time.Millisecond)
	defer m.Shutdown()

	tr, _ := m.OfferUpload("owner-1", "room-1", "a.bin", 10, "")
	waitForState(t, tr, StateFailed)

	// Give the deferred cleanup a moment
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && m.ports.InUse() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if m.ports.InUse() != 0 {
		t.Errorf("Port still reserved after transfer ended")
	}
}

func TestCancelOwnedBy(t *testing.T) {
	m := newTestManager(t, time.Minute)
	defer m.Shutdown()

	tr, err := m.OfferUpload("owner-1", "room-1", "a.bin", 100, "")
	if err != nil {
		t.Fatalf("Failed to offer upload: %v", err)
	}

	m.CancelOwnedBy("owner-1")
	waitForState(t, tr, StateCancelled)
}

func TestDownloadServesFile(t *testing.T) {
	m := newTestManager(t, time.Minute)
	defer m.Shutdown()

	// Seed the upload side first
	content := bytes.Repeat([]byte("x"), 5000)
	sum := sha256.Sum256(content)

	var meta *room.FileMeta
	done := make(chan struct{})
	m.UploadCompleted = func(tr *Transfer, fm *room.FileMeta) {
		meta = fm
		close(done)
	}

	up, err := m.OfferUpload("owner-1", "room-1", "big.bin", int64(len(content)), "")
	if err != nil {
		t.Fatalf("Failed to offer upload: %v", err)
	}
	conn, _ := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", up.Port))
	conn.Write(content)
	conn.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Upload never completed")
	}

	// Now download it back
	down, err := m.ServeDownload("requester-1", meta)
	if err != nil {
		t.Fatalf("Failed to offer download: %v", err)
	}

	dconn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", down.Port))
	if err != nil {
		t.Fatalf("Failed to connect to download port: %v", err)
	}
	got, err := io.ReadAll(dconn)
	dconn.Close()
	if err != nil {
		t.Fatalf("Failed to read download: %v", err)
	}

	if !bytes.Equal(got, content) {
		t.Error("Downloaded bytes differ from uploaded bytes")
	}
	gotSum := sha256.Sum256(got)
	if gotSum != sum {
		t.Error("Downloaded checksum differs")
	}

	waitForState(t, down, StateComplete)
}
