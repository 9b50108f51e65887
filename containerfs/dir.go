// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package containerfs

const (
	dirEntryFixedSize = 4 + 1 // child_addr (u32) + name_len (u8)
	maxNameLen        = 255
)

// dirEntry is one decoded (child_addr, name) pair from a directory block.
type dirEntry struct {
	ChildAddr uint32
	Name      string
	// Offset of the entry's child_addr field, for in-place rewrite
	// (link-count updates don't need this; compaction does).
	Offset uint32
}

// scanBlock reads entries from a single block's payload region, starting at
// ext.Payload, until it hits an addr==0 terminator or runs out of capacity.
// endOff is the offset of the terminator (or of the byte past the last
// entry, if the block is completely full with no room for one).
func scanBlock(c *Container, ext blockExtent) (entries []dirEntry, endOff uint32, err error) {
	pos := ext.Payload
	limit := ext.Payload + ext.Capacity

	for {
		if pos+4 > limit {
			endOff = pos
			return entries, endOff, nil
		}

		addr, err := c.ReadU32(pos)
		if err != nil {
			return nil, 0, err
		}
		if addr == 0 {
			endOff = pos
			return entries, endOff, nil
		}

		if pos+uint32(dirEntryFixedSize) > limit {
			endOff = pos
			return entries, endOff, nil
		}
		nameLen, err := readU8(c, pos+4)
		if err != nil {
			return nil, 0, err
		}
		nameOff := pos + uint32(dirEntryFixedSize)
		if nameOff+uint32(nameLen) > limit {
			endOff = pos
			return entries, endOff, nil
		}
		nameBytes, err := c.ReadAt(int64(nameOff), int(nameLen))
		if err != nil {
			return nil, 0, err
		}

		entries = append(entries, dirEntry{
			ChildAddr: addr,
			Name:      string(nameBytes),
			Offset:    pos,
		})
		pos = nameOff + uint32(nameLen)
	}
}

func readU8(c *Container, off uint32) (uint8, error) {
	b, err := c.ReadAt(int64(off), 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeU8(c *Container, off uint32, v uint8) error {
	return c.WriteAt(int64(off), []byte{v})
}

// dirScan walks a directory's block chain looking for name, returning its
// child address. It returns KindNoSuchEntry if no block in the chain
// contains it.
func dirScan(c *Container, headOff uint32, name string) (childAddr uint32, err error) {
	found := uint32(0)
	ok := false

	err = iterateBlocks(c, headOff, true, func(ext blockExtent) (bool, error) {
		entries, _, err := scanBlock(c, ext)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			if e.Name == name {
				found = e.ChildAddr
				ok = true
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, newErr("dirScan", KindNoSuchEntry)
	}
	return found, nil
}

// dirInsert adds a (name, childAddr) naming entry to the directory at
// headOff, growing it with a new continuation block if no existing block
// has room. It fails with KindExists if name is already present, and with
// KindNameTooLong if name is empty or exceeds 255 bytes.
func dirInsert(c *Container, a *Allocator, headOff uint32, name string, childAddr uint32) error {
	if len(name) < 1 || len(name) > maxNameLen {
		return newErr("dirInsert", KindNameTooLong)
	}
	need := uint32(dirEntryFixedSize + len(name))

	type candidate struct {
		found    bool
		writeOff uint32
		limit    uint32
	}
	var cand candidate
	var lastBlock blockExtent
	haveLast := false

	err := iterateBlocks(c, headOff, true, func(ext blockExtent) (bool, error) {
		entries, endOff, err := scanBlock(c, ext)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			if e.Name == name {
				return false, wrapErr("dirInsert", KindExists, nil)
			}
		}
		if !cand.found && ext.Payload+ext.Capacity-endOff >= need {
			cand.found = true
			cand.writeOff = endOff
			cand.limit = ext.Payload + ext.Capacity
		}
		lastBlock = ext
		haveLast = true
		return true, nil
	})
	if err != nil {
		if Is(err, KindExists) {
			return err
		}
		return err
	}

	writeOff := cand.writeOff
	limit := cand.limit
	if !cand.found {
		if !haveLast {
			return newErr("dirInsert", KindIO)
		}
		newBlock, err := a.Allocate(DirBlockSize)
		if err != nil {
			return err
		}
		if err := writeBlockHeader(c, newBlock, DirBlockSize, 0); err != nil {
			return err
		}
		if err := c.WriteU32(lastBlock.Offset+blockLinkOff, newBlock); err != nil {
			return err
		}
		writeOff = contPayloadStart(newBlock)
		limit = newBlock + DirBlockSize
	}

	if err := writeDirEntry(c, writeOff, childAddr, name); err != nil {
		return err
	}
	// Terminate the entry list only if a full 4-byte terminator still fits;
	// the candidate block was only guaranteed to hold need bytes, which can
	// leave fewer than 4 bytes of trailing room. scanBlock already treats
	// a short remainder as an implicit terminator.
	termOff := writeOff + need
	if termOff+4 <= limit {
		if err := c.WriteU32(termOff, 0); err != nil {
			return err
		}
	}

	return touchMTime(c, headOff)
}

func writeDirEntry(c *Container, off uint32, childAddr uint32, name string) error {
	if err := c.WriteU32(off, childAddr); err != nil {
		return err
	}
	if err := writeU8(c, off+4, uint8(len(name))); err != nil {
		return err
	}
	return c.WriteAt(int64(off+dirEntryFixedSize), []byte(name))
}

// dirDelete removes the naming entry for name from the directory at
// headOff. If the target is a directory, it must be empty (only `.` and
// `..`); its parent's link count is decremented and its chain freed
// unconditionally. If it is a regular file, its link count is decremented,
// freeing its chain only once it reaches zero. wantDir, when non-nil,
// enforces that the entry matches the expected kind before anything is
// mutated.
func dirDelete(c *Container, a *Allocator, headOff uint32, name string, wantDir *bool) (childAddr uint32, err error) {
	var target dirEntry
	var targetBlock blockExtent
	found := false

	var prevBlockOff uint32
	havePrev := false

	err = iterateBlocks(c, headOff, true, func(ext blockExtent) (bool, error) {
		entries, _, err := scanBlock(c, ext)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			if e.Name == name {
				target = e
				targetBlock = ext
				found = true
				return false, nil
			}
		}
		prevBlockOff = ext.Offset
		havePrev = true
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, newErr("dirDelete", KindNoSuchEntry)
	}

	childHeader, err := readNodeHeader(c, target.ChildAddr)
	if err != nil {
		return 0, err
	}
	if wantDir != nil {
		if *wantDir && !childHeader.IsDir() {
			return 0, newErr("dirDelete", KindNotDir)
		}
		if !*wantDir && childHeader.IsDir() {
			return 0, newErr("dirDelete", KindIsDir)
		}
	}

	if childHeader.IsDir() {
		empty, err := dirIsEmpty(c, target.ChildAddr)
		if err != nil {
			return 0, err
		}
		if !empty {
			return 0, newErr("dirDelete", KindNotEmpty)
		}
		parentHeader, err := readNodeHeader(c, headOff)
		if err != nil {
			return 0, err
		}
		parentHeader.NLink--
		if err := writeNodeHeader(c, headOff, parentHeader); err != nil {
			return 0, err
		}
		if err := a.FreeChain(target.ChildAddr); err != nil {
			return 0, err
		}
	} else {
		childHeader.NLink--
		if childHeader.NLink == 0 {
			if err := a.FreeChain(target.ChildAddr); err != nil {
				return 0, err
			}
		} else if err := writeNodeHeader(c, target.ChildAddr, childHeader); err != nil {
			return 0, err
		}
	}

	if err := compactBlock(c, a, headOff, targetBlock, target, prevBlockOff, havePrev); err != nil {
		return 0, err
	}

	if err := touchMTime(c, headOff); err != nil {
		return 0, err
	}

	return target.ChildAddr, nil
}

// compactBlock removes the entry at target from the block ext by shifting
// every following entry left over it, then frees the block if it becomes
// empty and isn't the directory's head block.
func compactBlock(c *Container, a *Allocator, headOff uint32, ext blockExtent, target dirEntry, prevBlockOff uint32, havePrev bool) error {
	_, endOff, err := scanBlock(c, ext)
	if err != nil {
		return err
	}

	entrySize := uint32(dirEntryFixedSize + len(target.Name))
	entryEnd := target.Offset + entrySize

	if entryEnd < endOff {
		tail, err := c.ReadAt(int64(entryEnd), int(endOff-entryEnd))
		if err != nil {
			return err
		}
		if err := c.WriteAt(int64(target.Offset), tail); err != nil {
			return err
		}
	}
	newEnd := target.Offset + (endOff - entryEnd)
	if err := c.WriteU32(newEnd, 0); err != nil {
		return err
	}

	isHead := ext.Offset == headOff
	becameEmpty := newEnd == ext.Payload
	if becameEmpty && !isHead {
		if havePrev {
			if err := c.WriteU32(prevBlockOff+blockLinkOff, ext.Link); err != nil {
				return err
			}
		}
		if err := a.Free(ext.Offset); err != nil {
			return err
		}
	}

	return nil
}

// dirIsEmpty reports whether a directory contains only `.` and `..`.
func dirIsEmpty(c *Container, headOff uint32) (bool, error) {
	count := 0
	err := iterateBlocks(c, headOff, true, func(ext blockExtent) (bool, error) {
		entries, _, err := scanBlock(c, ext)
		if err != nil {
			return false, err
		}
		count += len(entries)
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return count <= 2, nil
}

// dirList returns every naming entry in a directory, in on-disk order.
func dirList(c *Container, headOff uint32) ([]dirEntry, error) {
	var all []dirEntry
	err := iterateBlocks(c, headOff, true, func(ext blockExtent) (bool, error) {
		entries, _, err := scanBlock(c, ext)
		if err != nil {
			return false, err
		}
		all = append(all, entries...)
		return true, nil
	})
	return all, err
}

// initEmptyDir writes the `.` and `..` entries a freshly allocated
// directory head block starts with, plus the terminator that follows them.
func initEmptyDir(c *Container, headOff, parentAddr uint32) error {
	off := payloadStart(headOff, true)
	if err := writeDirEntry(c, off, headOff, "."); err != nil {
		return err
	}
	off += dirEntryFixedSize + 1
	if err := writeDirEntry(c, off, parentAddr, ".."); err != nil {
		return err
	}
	off += dirEntryFixedSize + 2
	return c.WriteU32(off, 0)
}

func touchMTime(c *Container, headOff uint32) error {
	h, err := readNodeHeader(c, headOff)
	if err != nil {
		return err
	}
	h.MTime = nowFn()
	return writeNodeHeader(c, headOff, h)
}
