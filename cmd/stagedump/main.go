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

// Command stagedump opens a Stage file without truncating it (Stage has
// no read-only mode, so a missing file is created empty; stagedump itself
// only reads) and walks a snapshot
// chain from a given root chunk ID, printing stratum, previous ID and
// child IDs per node. It knows nothing about what a payload means, so
// it treats every node's state as an opaque, fixed-size byte blob; pass
// -payload to match the NodeBufferSize the data was actually written
// with.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/arceye/stage/history"
	"github.com/arceye/stage/stage"
)

var (
	payloadSize = flag.Int("payload", 32, "fixed payload size in bytes, matching the NodeIO the data was written with")
	rootID      = flag.Int64("root", 0, "chunk ID of the tree's root snapshot")
	maxDepth    = flag.Int("depth", -1, "maximum strata to descend below the root (-1 for unbounded)")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage:", os.Args[0], "[flags] <stage-file>")
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr, `
Walks the branching snapshot tree rooted at -root, printing one line
per node: stratum, chunk ID, previous ID and the chunk ID of every
child (-1 for a child that has not been persisted or cannot be loaded).`)
	}
}

// blobCodec is a NodeIO[[]byte] over a fixed-size opaque payload, the
// only shape stagedump can assume about data it did not itself write.
type blobCodec struct{ size int }

func (c blobCodec) NodeBufferSize() int { return c.size }

func (c blobCodec) WriteNode(value []byte, dst []byte) { copy(dst, value) }

func (c blobCodec) ReadNode(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: exactly one argument needed")
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	stg, err := stage.Open(path, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening stage %s: %v\n", path, err)
		os.Exit(1)
	}
	defer stg.Close()

	h, err := history.Load[[]byte](stg, blobCodec{size: *payloadSize}, *rootID, 0, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading root %d: %v\n", *rootID, err)
		os.Exit(1)
	}

	root := h.Current()
	if err := dump(root, *maxDepth); err != nil {
		fmt.Fprintf(os.Stderr, "Error walking tree: %v\n", err)
		os.Exit(1)
	}
}

func dump(n *history.Snapshot[[]byte], depthRemaining int) error {
	childIDs := make([]int64, n.ChildCount())
	for i := 0; i < n.ChildCount(); i++ {
		child, err := n.Child(i)
		if err != nil {
			childIDs[i] = stage.AbsentID
			continue
		}
		childIDs[i] = child.ID()
	}
	fmt.Printf("stratum=%d id=%d prev=%d children=%v\n", n.Stratum(), n.ID(), n.PreviousID(), childIDs)

	if depthRemaining == 0 {
		return nil
	}
	for i := 0; i < n.ChildCount(); i++ {
		if childIDs[i] == stage.AbsentID {
			continue
		}
		child, err := n.Child(i)
		if err != nil {
			return err
		}
		next := depthRemaining
		if next > 0 {
			next--
		}
		if err := dump(child, next); err != nil {
			return err
		}
	}
	return nil
}
