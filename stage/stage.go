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

package stage

import (
	"errors"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

// ChunkID is a non-negative file offset doubling as a chunk's identity.
// AbsentID denotes "no chunk".
type ChunkID = int64

// AbsentID is the sentinel chunk ID meaning "absent".
const AbsentID ChunkID = -1

// Stage is an append-only chunk log over a single file. It offers only
// two mutating operations -- Append and Read -- and guarantees that a
// successful Append has been flushed to durable storage before it
// returns. The file is never truncated except, optionally, at Open.
//
// A Stage is safe for concurrent use: appends are serialized against
// each other and against reads by a single stage-wide lock, mirroring
// freezerTable's getFile/lock discipline but generalized to one
// unbounded-growth head file instead of a rotating set of data files.
type Stage struct {
	mu   sync.Mutex
	path string
	file *os.File // nil whenever the channel is currently closed
	open bool
	size int64

	logger     log.Logger
	readMeter  metrics.Meter
	writeMeter metrics.Meter
}

// Open opens path for read/write, creating it if it does not exist. If
// truncate is true the file is truncated to zero length first (opt-in,
// construction-time only). Every append is flushed to the underlying
// storage (durable-write semantics) before Append returns.
func Open(path string, truncate bool) (*Stage, error) {
	flags := os.O_RDWR | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, newIOError(KindOpen, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newIOError(KindOpen, path, err)
	}
	s := &Stage{
		path:       path,
		file:       f,
		open:       true,
		size:       info.Size(),
		logger:     log.New("stage", path),
		readMeter:  metrics.GetOrRegisterMeter("stage/"+path+"/read", nil),
		writeMeter: metrics.GetOrRegisterMeter("stage/"+path+"/write", nil),
	}
	return s, nil
}

// Close closes the underlying file handle. This does not retire the
// Stage: a subsequent Append or Read transparently reopens the same
// path and continues. A second Close while already closed is a no-op.
func (s *Stage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.open = false
	if err != nil {
		return newIOError(KindClose, s.path, err)
	}
	return nil
}

// Size returns the current length of the stage file.
func (s *Stage) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Session is a handle to the stage-wide lock, handed to the task passed
// to Sequence. Its Append/Read behave exactly like the Stage methods of
// the same name but assume the lock is already held, so a task can issue
// several appends that are guaranteed to land at adjacent offsets with
// no other writer interleaved.
type Session struct {
	s *Stage
}

// Append behaves like Stage.Append, assuming the stage lock is already
// held by the enclosing Sequence call.
func (sess *Session) Append(buf []byte) (ChunkID, error) { return sess.s.appendLocked(buf) }

// Read behaves like Stage.Read, assuming the stage lock is already held
// by the enclosing Sequence call.
func (sess *Session) Read(buf []byte, offset ChunkID) error { return sess.s.readLocked(buf, offset) }

// Sequence runs task while holding the stage-wide lock, so that a
// caller's multiple Appends (issued through the Session passed to task)
// land at adjacent offsets with no other writer interleaved.
func (s *Stage) Sequence(task func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return task(&Session{s: s})
}

// Append writes all of buf to the end of the file and returns the offset
// at which the first byte landed -- the file size immediately before the
// write. The write is durable (fsynced) before Append returns.
func (s *Stage) Append(buf []byte) (ChunkID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(buf)
}

func (s *Stage) appendLocked(buf []byte) (ChunkID, error) {
	if err := s.reopenLocked(); err != nil {
		return AbsentID, err
	}
	id := s.size
	n, err := s.file.WriteAt(buf, id)
	if err == nil && n != len(buf) {
		err = errors.New("short write")
	}
	if err != nil {
		return AbsentID, newIOError(KindWrite, s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return AbsentID, newIOError(KindWrite, s.path, err)
	}
	s.size += int64(len(buf))
	s.writeMeter.Mark(int64(len(buf)))
	return id, nil
}

// Read fills buf entirely from the file region starting at offset. If
// len(buf) == 0 it succeeds unconditionally without touching the file,
// even past end-of-file. A negative offset is ErrIllegalArgument. A
// region whose end exceeds the file size is an *OffsetError.
func (s *Stage) Read(buf []byte, offset ChunkID) error {
	if offset < 0 {
		return ErrIllegalArgument
	}
	if len(buf) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(buf, offset)
}

func (s *Stage) readLocked(buf []byte, offset ChunkID) error {
	if offset < 0 {
		return ErrIllegalArgument
	}
	if len(buf) == 0 {
		return nil
	}
	if err := s.reopenLocked(); err != nil {
		return err
	}
	if offset+int64(len(buf)) > s.size {
		return &OffsetError{Path: s.path, Offset: offset, Length: len(buf), Size: s.size}
	}
	if err := s.readFullAt(buf, offset); err != nil {
		return newIOError(KindRead, s.path, err)
	}
	s.readMeter.Mark(int64(len(buf)))
	return nil
}

// readFullAt retries short reads until buf is fully populated or an
// error occurs.
func (s *Stage) readFullAt(buf []byte, offset int64) error {
	for len(buf) > 0 {
		n, err := s.file.ReadAt(buf, offset)
		if n > 0 {
			buf = buf[n:]
			offset += int64(n)
		}
		if err != nil {
			// io.EOF with n==len(buf) already consumed above; any
			// remaining error with bytes still wanted is real.
			if len(buf) == 0 {
				return nil
			}
			return err
		}
	}
	return nil
}

// reopenLocked must be called with s.mu held, before every Append/Read.
// If the channel is found closed (Close was called, or a prior reopen
// attempt failed and left the Stage in the closed state) it opens a
// fresh channel on the same path, never truncating, and retries.
// Failure to reopen maps to an *IOError of kind KindOpen.
func (s *Stage) reopenLocked() error {
	if s.open {
		return nil
	}
	s.logger.Warn("Stage channel closed, reopening before I/O")
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return newIOError(KindOpen, s.path, err)
	}
	s.file = f
	s.open = true
	return nil
}
