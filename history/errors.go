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

// Package history implements a generic branching snapshot tree over an
// arbitrary user state type, whose nodes may live in memory, on a
// stage.Stage, or both, with a bounded-radius cache around the current
// snapshot.
package history

import "errors"

// ErrIllegalArgument is returned for invalid stratum/chunk-ID arguments
// to Undo/Redo, or a snapshot that belongs to a different History.
var ErrIllegalArgument = errors.New("history: illegal argument")

// ErrIllegalState is returned by Undo at the root, and by multi-step
// Redo when no matching child link is found along the requested path.
var ErrIllegalState = errors.New("history: illegal state")
