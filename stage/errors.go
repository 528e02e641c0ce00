// Copyright 2018 The go-ethereum Authors
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

// Package stage implements an append-only chunk log over a single file:
// the substrate persistent data structures use to overflow to disk.
package stage

import (
	"errors"
	"fmt"
)

// ErrIllegalArgument is returned when a caller passes a negative offset
// to Read.
var ErrIllegalArgument = errors.New("stage: illegal argument")

// OffsetError is returned by Read when the requested region
// [offset, offset+len) does not lie fully within the current file size.
type OffsetError struct {
	Path   string
	Offset int64
	Length int
	Size   int64
}

func (e *OffsetError) Error() string {
	return fmt.Sprintf("stage %s: offset %d (len %d) exceeds file size %d", e.Path, e.Offset, e.Length, e.Size)
}

// IOErrorKind distinguishes the operation that failed, so callers can
// tell an open/close failure from a read or write failure without string
// matching.
type IOErrorKind int

const (
	// KindOpen is returned for failures opening or reopening the
	// underlying file.
	KindOpen IOErrorKind = iota
	// KindClose is returned for failures closing the underlying file.
	KindClose
	// KindRead is returned for failures reading from the underlying file.
	KindRead
	// KindWrite is returned for failures writing to the underlying file.
	KindWrite
)

func (k IOErrorKind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindClose:
		return "close"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	default:
		return "unknown"
	}
}

// IOError wraps an underlying I/O failure with the kind of operation and
// the file path involved, per spec: "read-I/O-error... (with path and
// cause)", "write-I/O-error... (with path and cause)".
type IOError struct {
	Kind IOErrorKind
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("stage %s: %s I/O error: %v", e.Path, e.Kind, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func newIOError(kind IOErrorKind, path string, err error) *IOError {
	return &IOError{Kind: kind, Path: path, Err: err}
}
