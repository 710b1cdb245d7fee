// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/syncshell/lib/compress"
	"github.com/bureau-foundation/syncshell/lib/modstate"
)

// ChunkSize is the largest compressed slice carried by one
// ComponentChunk. It leaves room for the envelope inside MaxFrameSize.
const ChunkSize = 32 * 1024

// MaxComponentSize bounds the uncompressed size of a transferred
// component.
const MaxComponentSize = 64 * 1024 * 1024

// maxChunks bounds the chunk count a peer may announce.
const maxChunks = MaxComponentSize/ChunkSize + 1

var (
	// ErrChunkMismatch is returned when a chunk disagrees with the
	// chunks already received for the same component.
	ErrChunkMismatch = errors.New("wire: chunk does not match component")

	// ErrContentMismatch is returned when a reassembled payload does
	// not hash to the announced content hash.
	ErrContentMismatch = errors.New("wire: reassembled content does not match hash")
)

// SplitComponent compresses data and slices it into chunks for the
// given session. A payload that does not compress is sent raw.
func SplitComponent(sessionID string, reference modstate.ComponentReference, data []byte) ([]ComponentChunk, error) {
	if len(data) > MaxComponentSize {
		return nil, fmt.Errorf("component %s is %d bytes, limit %d", reference.Hash, len(data), MaxComponentSize)
	}
	payload, tag, err := compress.Auto(data)
	if err != nil {
		return nil, fmt.Errorf("compressing component %s: %w", reference.Hash, err)
	}

	total := (len(payload) + ChunkSize - 1) / ChunkSize
	if total == 0 {
		total = 1
	}
	chunks := make([]ComponentChunk, 0, total)
	for index := 0; index < total; index++ {
		start := index * ChunkSize
		end := min(start+ChunkSize, len(payload))
		chunks = append(chunks, ComponentChunk{
			SessionID:   sessionID,
			Hash:        reference.Hash,
			Type:        reference.Type,
			Identifier:  reference.Identifier,
			Index:       index,
			Total:       total,
			Size:        len(data),
			Compression: uint8(tag),
			Data:        payload[start:end],
		})
	}
	return chunks, nil
}

// Assembly collects the chunks of one component. Chunks may arrive in
// any order; duplicates are ignored.
type Assembly struct {
	reference modstate.ComponentReference
	total     int
	size      int
	tag       compress.Tag
	parts     [][]byte
	received  int
}

// NewAssembly starts reassembly from the first chunk seen for a
// component. The chunk itself is not added; call Add with it.
func NewAssembly(first *ComponentChunk) (*Assembly, error) {
	if first.Total <= 0 || first.Total > maxChunks {
		return nil, fmt.Errorf("%w: chunk count %d", ErrChunkMismatch, first.Total)
	}
	if first.Size < 0 || first.Size > MaxComponentSize {
		return nil, fmt.Errorf("%w: component size %d", ErrChunkMismatch, first.Size)
	}
	tag := compress.Tag(first.Compression)
	if tag > compress.Zstd {
		return nil, fmt.Errorf("%w: compression tag %d", ErrChunkMismatch, first.Compression)
	}
	return &Assembly{
		reference: modstate.ComponentReference{
			Type:       first.Type,
			Hash:       first.Hash,
			Identifier: first.Identifier,
		},
		total: first.Total,
		size:  first.Size,
		tag:   tag,
		parts: make([][]byte, first.Total),
	}, nil
}

// Reference is the component being assembled.
func (a *Assembly) Reference() modstate.ComponentReference { return a.reference }

// Add records a chunk and reports whether every chunk has arrived.
func (a *Assembly) Add(chunk *ComponentChunk) (bool, error) {
	if chunk.Hash != a.reference.Hash || chunk.Total != a.total ||
		chunk.Size != a.size || compress.Tag(chunk.Compression) != a.tag {
		return false, fmt.Errorf("%w: %s chunk %d", ErrChunkMismatch, chunk.Hash, chunk.Index)
	}
	if chunk.Index < 0 || chunk.Index >= a.total {
		return false, fmt.Errorf("%w: index %d of %d", ErrChunkMismatch, chunk.Index, a.total)
	}
	if len(chunk.Data) > ChunkSize {
		return false, fmt.Errorf("%w: chunk of %d bytes", ErrChunkMismatch, len(chunk.Data))
	}
	if a.parts[chunk.Index] == nil {
		a.parts[chunk.Index] = append([]byte{}, chunk.Data...)
		a.received++
	}
	return a.Complete(), nil
}

// Complete reports whether every chunk has arrived.
func (a *Assembly) Complete() bool { return a.received == a.total }

// Payload decompresses the reassembled component and verifies it
// against its content hash.
func (a *Assembly) Payload() ([]byte, error) {
	if !a.Complete() {
		return nil, fmt.Errorf("%w: %d of %d chunks received", ErrChunkMismatch, a.received, a.total)
	}
	var compressed []byte
	for _, part := range a.parts {
		compressed = append(compressed, part...)
	}
	data, err := compress.Decompress(compressed, a.tag, a.size)
	if err != nil {
		return nil, fmt.Errorf("decompressing component %s: %w", a.reference.Hash, err)
	}
	if modstate.HashContent(data) != a.reference.Hash {
		return nil, fmt.Errorf("%w: %s", ErrContentMismatch, a.reference.Hash)
	}
	return data, nil
}
