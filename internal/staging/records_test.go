// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package staging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStateTerminal(t *testing.T) {
	assert.False(t, SessionRecording.Terminal())
	assert.False(t, SessionPaused.Terminal())
	assert.False(t, SessionStopping.Terminal())
	assert.False(t, SessionFinalizing.Terminal())

	assert.True(t, SessionCompleted.Terminal())
	assert.True(t, SessionFailed.Terminal())
	assert.True(t, SessionAbandoned.Terminal())
}

func TestChunkStatusTerminal(t *testing.T) {
	assert.False(t, ChunkPending.Terminal())
	assert.False(t, ChunkUploading.Terminal())
	assert.False(t, ChunkFailed.Terminal())
	assert.True(t, ChunkUploaded.Terminal())
}

// Chunk keys must iterate in ascending sequence order under Badger's
// lexicographic ordering, including across digit-count boundaries.
func TestChunkKeyOrdering(t *testing.T) {
	seqs := []int{0, 1, 9, 10, 99, 100, 999, 1000, 9999999}
	var prev []byte
	for _, seq := range seqs {
		key := chunkKey("s-1", seq)
		if prev != nil {
			require.Negative(t, bytes.Compare(prev, key),
				"key for seq %d must sort after its predecessor", seq)
		}
		prev = key
	}
}

func TestChunkKeyPrefixIsolation(t *testing.T) {
	// A session id that is a prefix of another must not match the other's
	// chunks during prefix scans.
	key := chunkKey("s-11", 0)
	prefix := chunkPrefix("s-1")
	assert.False(t, bytes.HasPrefix(key, prefix))

	own := chunkKey("s-1", 42)
	assert.True(t, bytes.HasPrefix(own, prefix))
}

func TestSessionKeySeparateNamespace(t *testing.T) {
	session := sessionKey("s-1")
	chunk := chunkKey("s-1", 0)
	assert.False(t, bytes.HasPrefix(chunk, session))
	assert.False(t, bytes.HasPrefix(session, []byte(prefixChunk)))
}
