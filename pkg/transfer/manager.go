package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/aminofox/lanmeet/pkg/config"
	"github.com/aminofox/lanmeet/pkg/errors"
	"github.com/aminofox/lanmeet/pkg/logger"
	"github.com/aminofox/lanmeet/pkg/ports"
	"github.com/aminofox/lanmeet/pkg/room"
	"github.com/aminofox/lanmeet/pkg/storage"
	"github.com/google/uuid"
)

// Manager owns the transfer table and the short-lived listeners. A transfer's
// listener expiry is independent of the owning control connection's liveness.
type Manager struct {
	// cfg holds chunk size, TTL and IO deadlines
	cfg config.TransferConfig
	// store persists completed uploads and serves downloads
	store storage.Storage
	// ports allocates the dedicated listener ports
	ports *ports.Allocator
	// logger for transfer events
	logger logger.Logger

	// transfers indexes live and finished transfers by id
	transfers map[string]*Transfer
	// listeners tracks open listeners by transfer id, for cancellation
	listeners map[string]net.Listener
	// conns tracks accepted connections by transfer id, for cancellation
	conns map[string]net.Conn
	// mu protects the three maps
	mu sync.RWMutex
	// wg tracks transfer goroutines
	wg sync.WaitGroup

	// UploadCompleted is invoked after an upload is verified and persisted
	UploadCompleted func(t *Transfer, meta *room.FileMeta)
	// UploadFailed is invoked when an upload fails or expires
	UploadFailed func(t *Transfer, err error)
}

// NewManager creates a transfer manager
func NewManager(cfg config.TransferConfig, store storage.Storage, alloc *ports.Allocator, log logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		ports:     alloc,
		logger:    log,
		transfers: make(map[string]*Transfer),
		listeners: make(map[string]net.Listener),
		conns:     make(map[string]net.Conn),
	}
}

// Get returns a transfer by id
func (m *Manager) Get(transferID string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transfers[transferID]
	if !ok {
		return nil, errors.New(errors.ErrCodeTransferNotFound,
			fmt.Sprintf("transfer not found: %s", transferID))
	}
	return t, nil
}

// OfferUpload allocates a dedicated port for an incoming file and starts its
// one-shot accept loop. The returned transfer carries the port to hand back
// to the client.
func (m *Manager) OfferUpload(ownerID, roomID, filename string, size int64, expectedChecksum string) (*Transfer, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, errors.NewValidationError("filename is required")
	}
	if size <= 0 {
		return nil, errors.NewValidationError("file size must be positive")
	}
	if m.cfg.MaxFileSize > 0 && size > m.cfg.MaxFileSize {
		return nil, errors.NewValidationError(
			fmt.Sprintf("file of %d bytes exceeds the %d byte limit", size, m.cfg.MaxFileSize))
	}

	t := &Transfer{
		ID:        uuid.New().String(),
		FileID:    uuid.New().String(),
		Filename:  filename,
		TotalSize: size,
		OwnerID:   ownerID,
		RoomID:    roomID,
		Direction: DirectionUpload,
		StartedAt: time.Now(),
		state:     StatePending,
	}

	ln, err := m.openListener(t)
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	go m.runUpload(t, ln, expectedChecksum)

	m.logger.Info("Upload offered",
		logger.String("transfer_id", t.ID),
		logger.String("filename", filename),
		logger.Int64("size", size),
		logger.Int("port", t.Port),
	)
	return t, nil
}

// ServeDownload allocates a dedicated port and serves the given shared file
// to the first (and only) connection
func (m *Manager) ServeDownload(requesterID string, meta *room.FileMeta) (*Transfer, error) {
	t := &Transfer{
		ID:        uuid.New().String(),
		FileID:    meta.ID,
		Filename:  meta.Name,
		TotalSize: meta.Size,
		OwnerID:   requesterID,
		Direction: DirectionDownload,
		StartedAt: time.Now(),
		state:     StatePending,
	}

	ln, err := m.openListener(t)
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	go m.runDownload(t, ln, meta)

	m.logger.Info("Download offered",
		logger.String("transfer_id", t.ID),
		logger.String("file_id", meta.ID),
		logger.Int("port", t.Port),
	)
	return t, nil
}

// Cancel terminates a transfer, closing its listener and any accepted
// connection and freeing its port
func (m *Manager) Cancel(transferID string) error {
	m.mu.Lock()
	t, ok := m.transfers[transferID]
	ln := m.listeners[transferID]
	conn := m.conns[transferID]
	m.mu.Unlock()

	if !ok {
		return errors.New(errors.ErrCodeTransferNotFound,
			fmt.Sprintf("transfer not found: %s", transferID))
	}

	if t.transitionIfRunning(StateCancelled) {
		m.logger.Info("Transfer cancelled", logger.String("transfer_id", transferID))
	}
	if ln != nil {
		ln.Close()
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}

// CancelOwnedBy terminates all in-flight transfers initiated by a
// participant. Part of the disconnect cleanup cascade.
func (m *Manager) CancelOwnedBy(ownerID string) {
	m.mu.RLock()
	var ids []string
	for id, t := range m.transfers {
		switch t.State() {
		case StatePending, StateActive:
			if t.OwnerID == ownerID {
				ids = append(ids, id)
			}
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Cancel(id)
	}
}

// Shutdown cancels everything in flight and waits for the goroutines
func (m *Manager) Shutdown() {
	m.mu.RLock()
	var ids []string
	for id, t := range m.transfers {
		switch t.State() {
		case StatePending, StateActive:
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Cancel(id)
	}
	m.wg.Wait()
}

// openListener reserves a port and binds the one-shot listener
func (m *Manager) openListener(t *Transfer) (net.Listener, error) {
	port, err := m.ports.Acquire()
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		m.ports.Release(port)
		return nil, errors.NewTransferFailedError("failed to bind transfer port", err)
	}

	t.Port = port

	m.mu.Lock()
	m.transfers[t.ID] = t
	m.listeners[t.ID] = ln
	m.mu.Unlock()

	return ln, nil
}

// closeListener tears the listener down and frees the port
func (m *Manager) closeListener(t *Transfer, ln net.Listener) {
	ln.Close()
	m.ports.Release(t.Port)

	m.mu.Lock()
	delete(m.listeners, t.ID)
	delete(m.conns, t.ID)
	m.mu.Unlock()
}

// acceptOne waits for the single expected connection within the listener TTL
func (m *Manager) acceptOne(t *Transfer, ln net.Listener) (net.Conn, error) {
	if tcp, ok := ln.(*net.TCPListener); ok {
		tcp.SetDeadline(time.Now().Add(m.cfg.ListenerTTL))
	}

	conn, err := ln.Accept()
	if err != nil {
		if t.State() == StateCancelled {
			return nil, errors.New(errors.ErrCodeTransferCancelled, "transfer cancelled")
		}
		return nil, errors.New(errors.ErrCodeTransferExpired, "transfer listener expired")
	}

	m.mu.Lock()
	m.conns[t.ID] = conn
	m.mu.Unlock()
	return conn, nil
}

func (m *Manager) runUpload(t *Transfer, ln net.Listener, expectedChecksum string) {
	defer m.wg.Done()
	defer m.closeListener(t, ln)

	conn, err := m.acceptOne(t, ln)
	if err != nil {
		t.fail(err)
		m.notifyUploadFailed(t, err)
		return
	}
	defer conn.Close()

	if !t.transitionIfRunning(StateActive) {
		return
	}

	hash := sha256.New()
	src := io.TeeReader(
		io.LimitReader(&deadlineConn{Conn: conn, timeout: m.cfg.IOTimeout}, t.TotalSize),
		hash,
	)
	counted := &countingReader{r: src, t: t, chunkSize: m.cfg.ChunkSize}

	key := storageKey(t.RoomID, t.FileID)
	if err := m.store.Upload(context.Background(), key, counted, t.TotalSize); err != nil {
		wrapped := errors.NewTransferFailedError("upload did not complete", err)
		t.fail(wrapped)
		m.notifyUploadFailed(t, wrapped)
		return
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	if expectedChecksum != "" && !strings.EqualFold(expectedChecksum, checksum) {
		// Verification failed: the stored object is discarded
		m.store.Delete(context.Background(), key)
		err := errors.NewChecksumMismatchError(expectedChecksum, checksum)
		t.fail(err)
		m.notifyUploadFailed(t, err)
		return
	}

	t.mu.Lock()
	t.checksum = checksum
	t.state = StateComplete
	t.mu.Unlock()

	meta := &room.FileMeta{
		ID:         t.FileID,
		Name:       t.Filename,
		Size:       t.TotalSize,
		Checksum:   checksum,
		OwnerID:    t.OwnerID,
		StorageKey: key,
		SharedAt:   time.Now(),
	}

	m.logger.Info("Upload complete",
		logger.String("transfer_id", t.ID),
		logger.String("file_id", t.FileID),
		logger.String("checksum", checksum),
	)

	if m.UploadCompleted != nil {
		m.UploadCompleted(t, meta)
	}
}

func (m *Manager) runDownload(t *Transfer, ln net.Listener, meta *room.FileMeta) {
	defer m.wg.Done()
	defer m.closeListener(t, ln)

	conn, err := m.acceptOne(t, ln)
	if err != nil {
		t.fail(err)
		return
	}
	defer conn.Close()

	if !t.transitionIfRunning(StateActive) {
		return
	}

	src, err := m.store.Download(context.Background(), meta.StorageKey)
	if err != nil {
		t.fail(errors.NewTransferFailedError("failed to open stored file", err))
		return
	}
	defer src.Close()

	dst := &deadlineConn{Conn: conn, timeout: m.cfg.IOTimeout}
	buf := make([]byte, m.cfg.ChunkSize)
	var sent int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				t.fail(errors.NewTransferFailedError("peer connection lost", werr))
				return
			}
			sent += int64(n)
			t.addProgress(int64(n), m.cfg.ChunkSize)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			t.fail(errors.NewTransferFailedError("failed reading stored file", rerr))
			return
		}
	}

	if sent != meta.Size {
		t.fail(errors.NewTransferFailedError(
			fmt.Sprintf("served %d of %d bytes", sent, meta.Size), nil))
		return
	}

	t.setState(StateComplete)
	m.logger.Info("Download complete",
		logger.String("transfer_id", t.ID),
		logger.String("file_id", meta.ID),
	)
}

func (m *Manager) notifyUploadFailed(t *Transfer, err error) {
	m.logger.Warn("Upload failed",
		logger.String("transfer_id", t.ID),
		logger.Err(err),
	)
	if m.UploadFailed != nil {
		m.UploadFailed(t, err)
	}
}

// storageKey scopes stored payloads by room
func storageKey(roomID, fileID string) string {
	if roomID == "" {
		return fileID
	}
	return roomID + "/" + fileID
}

// deadlineConn bumps the IO deadline before every read and write so one
// stalled peer cannot hold a transfer open forever
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Write(p)
}

// countingReader tracks upload progress as bytes flow through
type countingReader struct {
	r         io.Reader
	t         *Transfer
	chunkSize int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.t.addProgress(int64(n), c.chunkSize)
	}
	return n, err
}
