// Copyright 2019 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package history

import "encoding/binary"

// NodeIO is the user-supplied codec contract for a payload type T: fixed
// size serialize/deserialize of one payload into/from a byte buffer.
// dst/src are always exactly NodeBufferSize() bytes; WriteNode must fill
// every byte of dst. Writing past the end of dst hits Go's own
// slice-bounds panic immediately rather than corrupting the chunk's
// next field, and a NodeBufferSize() that isn't a positive fixed size
// is rejected the same way (see nodePayloadSize) -- but a WriteNode
// that writes fewer bytes than it was given, while staying in bounds,
// is not detectable from outside: any byte it leaves untouched is
// written to the Stage as-is (Go zero-initializes new slices, so an
// incomplete write silently persists zeros rather than failing).
type NodeIO[T any] interface {
	// NodeBufferSize is a fixed positive byte count for one encoded
	// payload. Constant per instance.
	NodeBufferSize() int

	// WriteNode serializes value into dst, which has length exactly
	// NodeBufferSize().
	WriteNode(value T, dst []byte)

	// ReadNode is the inverse of WriteNode; src has length exactly
	// NodeBufferSize().
	ReadNode(src []byte) (T, error)
}

// EncodedNode is the payload type produced by NewNodeCodec: a parent
// chunk ID plus the wrapped payload, the shape a higher-level structure
// uses to fold its own parent-link bookkeeping into a single chunk
// alongside the History-independent payload.
type EncodedNode[Payload any] struct {
	ParentID int64
	Value    Payload
}

// nodeHeaderSize is the size of the fixed header written ahead of the
// wrapped payload: one big-endian int64 parent chunk ID.
const nodeHeaderSize = 8

// nodeCodec composes a NodeIO[Payload] into a NodeIO[EncodedNode[Payload]]
// for higher-level constructive data structures that store their own
// parent link alongside a payload in the same chunk.
type nodeCodec[Payload any] struct {
	inner NodeIO[Payload]
}

// NewNodeCodec composes inner into a NodeIO over EncodedNode[Payload]:
// it writes a small fixed header (the parent chunk ID) ahead of the
// payload region, which inner continues to own exactly as before.
func NewNodeCodec[Payload any](inner NodeIO[Payload]) NodeIO[EncodedNode[Payload]] {
	return &nodeCodec[Payload]{inner: inner}
}

func (c *nodeCodec[Payload]) NodeBufferSize() int {
	return nodeHeaderSize + c.inner.NodeBufferSize()
}

func (c *nodeCodec[Payload]) WriteNode(value EncodedNode[Payload], dst []byte) {
	binary.BigEndian.PutUint64(dst[:nodeHeaderSize], uint64(value.ParentID))
	c.inner.WriteNode(value.Value, dst[nodeHeaderSize:])
}

func (c *nodeCodec[Payload]) ReadNode(src []byte) (EncodedNode[Payload], error) {
	parentID := int64(binary.BigEndian.Uint64(src[:nodeHeaderSize]))
	value, err := c.inner.ReadNode(src[nodeHeaderSize:])
	if err != nil {
		var zero EncodedNode[Payload]
		return zero, err
	}
	return EncodedNode[Payload]{ParentID: parentID, Value: value}, nil
}
