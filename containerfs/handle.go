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

// HandleFlag is a bitset of the open-mode and dirty state carried by a
// handle.
type HandleFlag uint8

const (
	FlagRead HandleFlag = 1 << iota
	FlagWrite
	FlagNoAtime
	FlagModified
)

func (f HandleFlag) has(bit HandleFlag) bool { return f&bit != 0 }

// Cursor is the per-handle state walking a node's block chain: the current
// block, its capacity, the link to the next block, the logical offset of
// the current block's first payload byte (its "base offset"), the absolute
// container position the next read/write lands at, and bookkeeping shared
// by file and directory handles.
type Cursor struct {
	NodeHead   uint32
	IsRegular  bool
	BlockOff   uint32
	BlockLen   uint32
	NextLink   uint32
	BaseOffset uint32
	Pos        uint32
	FileLength uint32
	Flags      HandleFlag
}

// HandleTable is an append-and-reuse array of open handles, indexed by
// small integers. A slot is free when its entry is nil.
type HandleTable struct {
	slots []*Cursor
}

// NewHandleTable returns an empty handle table.
func NewHandleTable() *HandleTable { return &HandleTable{} }

// Open installs cur in the lowest-numbered free slot and returns its id. It
// fails with KindNoSpace once MaxOpenFiles handles are live, mirroring the
// container's own NoSpace vocabulary for "no room left to track this".
func (t *HandleTable) Open(cur *Cursor) (int, error) {
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = cur
			return i, nil
		}
	}
	if len(t.slots) >= MaxOpenFiles {
		return 0, newErr("HandleTable.Open", KindNoSpace)
	}
	t.slots = append(t.slots, cur)
	return len(t.slots) - 1, nil
}

// Get returns the handle at id, or KindBadHandle if the slot is free or out
// of range.
func (t *HandleTable) Get(id int) (*Cursor, error) {
	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		return nil, newErr("HandleTable.Get", KindBadHandle)
	}
	return t.slots[id], nil
}

// Release frees the slot at id, trimming trailing free slots so the
// backing array doesn't grow unboundedly.
func (t *HandleTable) Release(id int) error {
	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		return newErr("HandleTable.Release", KindBadHandle)
	}
	t.slots[id] = nil
	n := len(t.slots)
	for n > 0 && t.slots[n-1] == nil {
		n--
	}
	t.slots = t.slots[:n]
	return nil
}

// Len returns the number of live handles, for the open-handle gauge.
func (t *HandleTable) Len() int {
	n := 0
	for _, s := range t.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// ForEachOpenOn invokes fn for every live handle whose NodeHead matches
// headOff. Used by Truncate to keep open cursors consistent with a
// mutated chain, and by RmFile to detect a busy regular file.
func (t *HandleTable) ForEachOpenOn(headOff uint32, fn func(*Cursor)) {
	for _, s := range t.slots {
		if s != nil && s.NodeHead == headOff {
			fn(s)
		}
	}
}

// AnyOpenOn reports whether any live handle refers to headOff.
func (t *HandleTable) AnyOpenOn(headOff uint32) bool {
	found := false
	t.ForEachOpenOn(headOff, func(*Cursor) { found = true })
	return found
}

// setPosition repositions cur so that its absolute container position
// corresponds to logical byte newOffset within its node. If newOffset lies
// before the cursor's current block, it resets to the head and walks
// forward; it never walks backward block-by-block.
func setPosition(c *Container, cur *Cursor, newOffset uint32) error {
	if newOffset < cur.BaseOffset {
		size, link, err := readBlockHeader(c, cur.NodeHead)
		if err != nil {
			return err
		}
		cur.BlockOff = cur.NodeHead
		cur.BlockLen = size
		cur.NextLink = link
		cur.BaseOffset = 0
	}

	for {
		pStart := blockPayloadStart(cur)
		capacity := cur.BlockLen - (pStart - cur.BlockOff)

		if newOffset < cur.BaseOffset+capacity || cur.NextLink == 0 {
			cur.Pos = pStart + (newOffset - cur.BaseOffset)
			return nil
		}

		cur.BaseOffset += capacity
		next := cur.NextLink
		size, link, err := readBlockHeader(c, next)
		if err != nil {
			return err
		}
		cur.BlockOff = next
		cur.BlockLen = size
		cur.NextLink = link
	}
}

func blockPayloadStart(cur *Cursor) uint32 {
	if cur.BlockOff == cur.NodeHead {
		return payloadStart(cur.NodeHead, !cur.IsRegular)
	}
	return contPayloadStart(cur.BlockOff)
}

// newCursorAt builds a Cursor for a node whose head is headOff, positioned
// at the head block (logical offset 0).
func newCursorAt(c *Container, headOff uint32, isRegular bool, fileLength uint32, flags HandleFlag) (*Cursor, error) {
	size, link, err := readBlockHeader(c, headOff)
	if err != nil {
		return nil, err
	}
	cur := &Cursor{
		NodeHead:   headOff,
		IsRegular:  isRegular,
		BlockOff:   headOff,
		BlockLen:   size,
		NextLink:   link,
		BaseOffset: 0,
		FileLength: fileLength,
		Flags:      flags,
	}
	cur.Pos = blockPayloadStart(cur)
	return cur, nil
}
