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

// int32Codec is a NodeIO[int32] over a fixed 4-byte big-endian encoding,
// used throughout this package's tests as the simplest possible payload.
type int32Codec struct{}

func (int32Codec) NodeBufferSize() int { return 4 }

func (int32Codec) WriteNode(value int32, dst []byte) {
	binary.BigEndian.PutUint32(dst, uint32(value))
}

func (int32Codec) ReadNode(src []byte) (int32, error) {
	return int32(binary.BigEndian.Uint32(src)), nil
}

// altInt32Codec is byte-compatible with int32Codec but a distinct type,
// so a NodeIO[int32] interface value holding one never compares equal
// (==) to one holding the other. Used to exercise SetStage's
// codec-identity check without also changing the wire format.
type altInt32Codec struct{}

func (altInt32Codec) NodeBufferSize() int { return 4 }

func (altInt32Codec) WriteNode(value int32, dst []byte) {
	binary.BigEndian.PutUint32(dst, uint32(value))
}

func (altInt32Codec) ReadNode(src []byte) (int32, error) {
	return int32(binary.BigEndian.Uint32(src)), nil
}
