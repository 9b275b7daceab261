// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

// Package staging provides the durable local staging store for recording
// sessions and sealed audio chunks, backed by BadgerDB (ACID, fsync).
// A chunk seal is durable before it is acknowledged to the assembler, and
// an upload-status update is durable before the in-memory state machine
// treats it as authoritative - this is what makes crash recovery lossless.
//
// All mutation goes through single-record read-modify-write operations
// inside Badger transactions, keyed by session id or (session id, seq),
// so concurrent components never lose updates.
package staging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tapesafe/tapesafe/internal/config"
	"github.com/tapesafe/tapesafe/internal/logging"
)

// Errors
var (
	// ErrStoreClosed is returned when the store is closed.
	ErrStoreClosed = errors.New("staging store is closed")

	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when creating a session that exists.
	ErrSessionExists = errors.New("session already exists")

	// ErrChunkNotFound is returned when a chunk doesn't exist.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrDuplicateSeq is returned when sealing a sequence number that is
	// already staged with different contents.
	ErrDuplicateSeq = errors.New("sequence number already sealed with different contents")

	// ErrChunkTerminal is returned when a mutation tries to move a chunk
	// out of the uploaded status.
	ErrChunkTerminal = errors.New("uploaded is a terminal chunk status")
)

// Store is the BadgerDB-backed staging store.
type Store struct {
	db  *badger.DB
	cfg config.StagingConfig

	// Statistics
	totalSeals   atomic.Int64
	totalUpdates atomic.Int64
	totalPurged  atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Stats contains staging store metrics for monitoring.
type Stats struct {
	Sessions       int64
	PendingChunks  int64
	UploadedChunks int64
	TotalSeals     int64
	TotalUpdates   int64
	TotalPurged    int64
	DBSizeBytes    int64
}

// Open creates a Store at the configured path, creating the database if
// it does not exist.
func Open(cfg config.StagingConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("staging path is required")
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.MemTableSize = cfg.MemTableSize
	opts.ValueLogFileSize = cfg.ValueLogFileSize
	opts.NumCompactors = cfg.NumCompactors

	// Reduce logging verbosity
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	s := &Store{db: db, cfg: cfg}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("staging store opened")
	return s, nil
}

// OpenForTesting creates a Store with minimal constraints enforced.
// Intended for unit tests; not for production code.
func OpenForTesting(cfg config.StagingConfig) (*Store, error) {
	if cfg.NumCompactors < 2 {
		cfg.NumCompactors = 2
	}
	if cfg.MemTableSize == 0 {
		cfg.MemTableSize = 16 * 1024 * 1024
	}
	if cfg.ValueLogFileSize == 0 {
		cfg.ValueLogFileSize = 16 * 1024 * 1024
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	if cfg.GCRatio == 0 {
		cfg.GCRatio = 0.5
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.MemTableSize = cfg.MemTableSize
	opts.ValueLogFileSize = cfg.ValueLogFileSize
	opts.NumCompactors = cfg.NumCompactors
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}
	return &Store{db: db, cfg: cfg}, nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// CreateSession durably stores a new session record.
func (s *Store) CreateSession(ctx context.Context, rec *SessionRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("session record requires an id")
	}

	key := sessionKey(rec.ID)
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrSessionExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get session: %w", err)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return err
	}

	recordSessionCreate()
	return nil
}

// GetSession returns the session record for the given id.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var rec SessionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateSession applies mutate to the session record inside a single
// read-modify-write transaction and returns the updated record.
func (s *Store) UpdateSession(ctx context.Context, id string, mutate func(*SessionRecord) error) (*SessionRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var rec SessionRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}

		if err := mutate(&rec); err != nil {
			return err
		}
		if rec.ChunksUploaded > rec.ChunksTotal {
			return fmt.Errorf("session %s: uploaded count %d exceeds total %d", id, rec.ChunksUploaded, rec.ChunksTotal)
		}

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		return txn.Set(sessionKey(id), data)
	})
	if err != nil {
		return nil, err
	}

	s.totalUpdates.Add(1)
	return &rec, nil
}

// ListSessions returns all session records.
//
// Uses Badger's View() snapshot isolation, so the returned set is a
// consistent point-in-time view even under concurrent writes.
func (s *Store) ListSessions(ctx context.Context) ([]*SessionRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var sessions []*SessionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixSession)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var rec SessionRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("staging: failed to unmarshal session")
				continue
			}
			sessions = append(sessions, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// NonTerminalSessions returns sessions whose state is not terminal.
// Used by the recovery controller on startup.
func (s *Store) NonTerminalSessions(ctx context.Context) ([]*SessionRecord, error) {
	all, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var out []*SessionRecord
	for _, rec := range all {
		if !rec.State.Terminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SealChunk durably stages a sealed chunk and bumps the owning session's
// chunk count in the same transaction. The caller must not acknowledge the
// chunk's slices until SealChunk returns nil.
//
// Sealing is idempotent under restart: re-sealing an identical (session,
// seq, size) chunk is a no-op; a conflicting re-seal returns
// ErrDuplicateSeq so the caller can surface the inconsistency instead of
// hiding it.
func (s *Store) SealChunk(ctx context.Context, rec *ChunkRecord) error {
	start := time.Now()
	defer func() {
		recordSealLatency(time.Since(start).Seconds())
	}()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if rec == nil || rec.SessionID == "" {
		return fmt.Errorf("chunk record requires a session id")
	}
	if rec.Seq < 0 {
		return fmt.Errorf("chunk sequence must be non-negative")
	}

	rec.Size = int64(len(rec.Payload))
	if rec.Status == "" {
		rec.Status = ChunkPending
	}
	if rec.SealedAt.IsZero() {
		rec.SealedAt = time.Now().UTC()
	}

	key := chunkKey(rec.SessionID, rec.Seq)
	err := s.db.Update(func(txn *badger.Txn) error {
		// Idempotent re-seal check.
		if item, err := txn.Get(key); err == nil {
			var existing ChunkRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return fmt.Errorf("unmarshal existing chunk: %w", err)
			}
			if existing.Size == rec.Size {
				return nil
			}
			return ErrDuplicateSeq
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get chunk: %w", err)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal chunk: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("set chunk: %w", err)
		}

		// Bump the session's expected count atomically with the seal.
		sKey := sessionKey(rec.SessionID)
		item, err := txn.Get(sKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		var sess SessionRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		}); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		if rec.Seq+1 > sess.ChunksTotal {
			sess.ChunksTotal = rec.Seq + 1
		}
		sess.CheckpointAt = time.Now().UTC()
		sData, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		return txn.Set(sKey, sData)
	})
	if err != nil {
		recordSealFailure()
		return err
	}

	s.totalSeals.Add(1)
	recordSeal(float64(rec.Size))
	return nil
}

// GetChunk returns a single chunk record including its payload.
func (s *Store) GetChunk(ctx context.Context, sessionID string, seq int) (*ChunkRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var rec ChunkRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(sessionID, seq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrChunkNotFound
		}
		if err != nil {
			return fmt.Errorf("get chunk: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateChunk applies mutate to the chunk record inside a single
// read-modify-write transaction. Moving a chunk out of the uploaded
// status is rejected with ErrChunkTerminal.
func (s *Store) UpdateChunk(ctx context.Context, sessionID string, seq int, mutate func(*ChunkRecord) error) (*ChunkRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var rec ChunkRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		key := chunkKey(sessionID, seq)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrChunkNotFound
		}
		if err != nil {
			return fmt.Errorf("get chunk: %w", err)
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return fmt.Errorf("unmarshal chunk: %w", err)
		}

		wasUploaded := rec.Status == ChunkUploaded
		if err := mutate(&rec); err != nil {
			return err
		}
		if wasUploaded && rec.Status != ChunkUploaded {
			return ErrChunkTerminal
		}

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal chunk: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return nil, err
	}

	s.totalUpdates.Add(1)
	recordStatusUpdate(string(rec.Status))
	return &rec, nil
}

// MarkUploaded marks a chunk uploaded and bumps the session's uploaded
// count in the same transaction. It is idempotent: confirming an
// already-uploaded chunk returns the session unchanged.
//
// The returned session record lets the caller decide whether the owning
// session can finalize without a second read.
func (s *Store) MarkUploaded(ctx context.Context, sessionID string, seq int) (*SessionRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var sess SessionRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		cKey := chunkKey(sessionID, seq)
		item, err := txn.Get(cKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrChunkNotFound
		}
		if err != nil {
			return fmt.Errorf("get chunk: %w", err)
		}
		var chunk ChunkRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &chunk)
		}); err != nil {
			return fmt.Errorf("unmarshal chunk: %w", err)
		}

		sKey := sessionKey(sessionID)
		sItem, err := txn.Get(sKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		if err := sItem.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		}); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}

		if chunk.Status == ChunkUploaded {
			return nil // already confirmed, idempotent
		}

		chunk.Status = ChunkUploaded
		chunk.UploadedAt = &now
		chunk.LastError = ""
		cData, err := json.Marshal(&chunk)
		if err != nil {
			return fmt.Errorf("marshal chunk: %w", err)
		}
		if err := txn.Set(cKey, cData); err != nil {
			return fmt.Errorf("set chunk: %w", err)
		}

		sess.ChunksUploaded++
		if sess.ChunksUploaded > sess.ChunksTotal {
			return fmt.Errorf("session %s: uploaded count %d exceeds total %d", sessionID, sess.ChunksUploaded, sess.ChunksTotal)
		}
		sess.CheckpointAt = now
		sData, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		return txn.Set(sKey, sData)
	})
	if err != nil {
		return nil, err
	}

	s.totalUpdates.Add(1)
	recordUploadConfirm()
	return &sess, nil
}

// ChunksForSession returns all chunk records for a session in ascending
// sequence order. When withPayload is false the payloads are not loaded,
// which keeps status listings cheap for long recordings.
func (s *Store) ChunksForSession(ctx context.Context, sessionID string, withPayload bool) ([]*ChunkRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var chunks []*ChunkRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = withPayload
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := chunkPrefix(sessionID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var rec ChunkRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("staging: failed to unmarshal chunk")
				continue
			}
			if !withPayload {
				rec.Payload = nil
			}
			chunks = append(chunks, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return chunks, nil
}

// PendingChunks returns the session's pending and failed chunks in
// ascending sequence order. These are exactly the chunks from which
// upload tasks are reconstructable.
func (s *Store) PendingChunks(ctx context.Context, sessionID string) ([]*ChunkRecord, error) {
	all, err := s.ChunksForSession(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	var out []*ChunkRecord
	for _, rec := range all {
		if rec.Status == ChunkPending || rec.Status == ChunkFailed || rec.Status == ChunkUploading {
			out = append(out, rec)
		}
	}
	return out, nil
}

// PurgeSession removes a session and all of its staged chunks. Returns
// the number of chunks removed. Callers must enforce the purge policy
// (terminal and acknowledged, or abandoned past retention).
func (s *Store) PurgeSession(ctx context.Context, sessionID string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	// Collect keys first; Badger forbids deleting under an open iterator.
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := chunkPrefix(sessionID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("collect chunk keys: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("delete chunk: %w", err)
		}
	}
	if err := wb.Delete(sessionKey(sessionID)); err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush purge batch: %w", err)
	}

	s.totalPurged.Add(int64(len(keys)))
	recordPurgedChunks(float64(len(keys)))
	return len(keys), nil
}

// Stats returns current staging store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return Stats{}
	}

	var sessions, pending, uploaded int64
	if err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		sPrefix := []byte(prefixSession)
		for it.Seek(sPrefix); it.ValidForPrefix(sPrefix); it.Next() {
			sessions++
		}

		cPrefix := []byte(prefixChunk)
		for it.Seek(cPrefix); it.ValidForPrefix(cPrefix); it.Next() {
			var rec ChunkRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			if rec.Status == ChunkUploaded {
				uploaded++
			} else {
				pending++
			}
		}
		return nil
	}); err != nil {
		logging.Warn().Err(err).Msg("staging: stats count failed")
	}

	lsm, vlog := s.db.Size()
	stats := Stats{
		Sessions:       sessions,
		PendingChunks:  pending,
		UploadedChunks: uploaded,
		TotalSeals:     s.totalSeals.Load(),
		TotalUpdates:   s.totalUpdates.Load(),
		TotalPurged:    s.totalPurged.Load(),
		DBSizeBytes:    lsm + vlog,
	}

	updatePendingChunks(pending)
	updateDBSize(stats.DBSizeBytes)
	return stats
}

// RunGC triggers BadgerDB value log garbage collection until no more
// space can be reclaimed.
func (s *Store) RunGC() error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	for {
		err := s.db.RunValueLogGC(s.cfg.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// Close gracefully shuts down the store with the configured timeout.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	timeout := s.cfg.CloseTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("staging store closed")
		return nil
	case <-time.After(timeout):
		logging.Warn().Dur("timeout", timeout).Msg("staging store close timed out")
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}
