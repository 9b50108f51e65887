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

// Type bits live in the high half of the 16-bit mode word; the low 9 bits
// are rwxrwxrwx permission bits.
const (
	TypeDirectory uint16 = 0x4000
	TypeRegular   uint16 = 0x8000
	typeMask      uint16 = TypeDirectory | TypeRegular
	permMask      uint16 = 0o777
)

// Block header field offsets, relative to the start of any block (head or
// continuation).
const (
	blockSizeOff = 0
	blockLinkOff = 4
	blockHdrSize = 8
)

// Node header field offsets, relative to the start of the head block.
const (
	nodeMTimeOff = blockHdrSize + 0  // u32
	nodeNLinkOff = blockHdrSize + 4  // u16
	nodeModeOff  = blockHdrSize + 6  // u16
	nodeSizeOff  = blockHdrSize + 8  // u32, regular files only
	dirHdrSize   = blockHdrSize + 8  // directory payload starts here
	regHdrSize   = blockHdrSize + 12 // regular file payload starts here
)

// NodeHeader is the decoded fixed header carried by every node's head
// block.
type NodeHeader struct {
	MTime uint32
	NLink uint16
	Mode  uint16
}

func (h NodeHeader) IsDir() bool      { return h.Mode&TypeDirectory != 0 }
func (h NodeHeader) IsRegular() bool  { return h.Mode&TypeRegular != 0 }
func (h NodeHeader) Perm() uint16     { return h.Mode & permMask }
func (h NodeHeader) TypeBits() uint16 { return h.Mode & typeMask }

// readBlockHeader reads the 8-byte block header at blockOff.
func readBlockHeader(c *Container, blockOff uint32) (size, link uint32, err error) {
	size, err = c.ReadU32(blockOff + blockSizeOff)
	if err != nil {
		return 0, 0, err
	}
	link, err = c.ReadU32(blockOff + blockLinkOff)
	if err != nil {
		return 0, 0, err
	}
	return size, link, nil
}

// writeBlockHeader writes the 8-byte block header at blockOff.
func writeBlockHeader(c *Container, blockOff, size, link uint32) error {
	if err := c.WriteU32(blockOff+blockSizeOff, size); err != nil {
		return err
	}
	return c.WriteU32(blockOff+blockLinkOff, link)
}

// readNodeHeader reads the node header carried by the head block at
// headOff.
func readNodeHeader(c *Container, headOff uint32) (NodeHeader, error) {
	var h NodeHeader
	var err error
	if h.MTime, err = c.ReadU32(headOff + nodeMTimeOff); err != nil {
		return h, err
	}
	if h.NLink, err = c.ReadU16(headOff + nodeNLinkOff); err != nil {
		return h, err
	}
	if h.Mode, err = c.ReadU16(headOff + nodeModeOff); err != nil {
		return h, err
	}
	return h, nil
}

// writeNodeHeader writes the node header carried by the head block at
// headOff.
func writeNodeHeader(c *Container, headOff uint32, h NodeHeader) error {
	if err := c.WriteU32(headOff+nodeMTimeOff, h.MTime); err != nil {
		return err
	}
	if err := c.WriteU16(headOff+nodeNLinkOff, h.NLink); err != nil {
		return err
	}
	return c.WriteU16(headOff+nodeModeOff, h.Mode)
}

// readFileSize reads the payload-size field present only in regular-file
// head blocks.
func readFileSize(c *Container, headOff uint32) (uint32, error) {
	return c.ReadU32(headOff + nodeSizeOff)
}

func writeFileSize(c *Container, headOff uint32, size uint32) error {
	return c.WriteU32(headOff+nodeSizeOff, size)
}

// payloadStart returns the first payload byte of the head block: +16 for
// directories (no size field), +20 for regular files.
func payloadStart(headOff uint32, isDir bool) uint32 {
	if isDir {
		return headOff + dirHdrSize
	}
	return headOff + regHdrSize
}

// contPayloadStart returns the first payload byte of a continuation block.
func contPayloadStart(blockOff uint32) uint32 {
	return blockOff + blockHdrSize
}

// blockExtent describes one block in a node's chain: its offset, where its
// payload begins, and how many payload bytes it can hold.
type blockExtent struct {
	Offset   uint32
	Payload  uint32
	Capacity uint32
	Link     uint32
}

// iterateBlocks walks the chain of blocks belonging to a node from the head
// through its continuations, invoking fn for each. Iteration stops early if
// fn returns false.
func iterateBlocks(c *Container, headOff uint32, isDir bool, fn func(blockExtent) (bool, error)) error {
	blockOff := headOff
	first := true
	for {
		size, link, err := readBlockHeader(c, blockOff)
		if err != nil {
			return err
		}

		var pStart uint32
		if first {
			pStart = payloadStart(headOff, isDir)
			first = false
		} else {
			pStart = contPayloadStart(blockOff)
		}

		ext := blockExtent{
			Offset:   blockOff,
			Payload:  pStart,
			Capacity: size - (pStart - blockOff),
			Link:     link,
		}

		cont, err := fn(ext)
		if err != nil {
			return err
		}
		if !cont || link == 0 {
			return nil
		}
		blockOff = link
	}
}

// locateOffset finds the block of a regular file's chain containing logical
// byte fileOffset, returning that block's extent and the in-block byte
// position (relative to the block's payload start) that fileOffset maps to.
func locateOffset(c *Container, headOff uint32, fileOffset uint32) (ext blockExtent, inBlockPos uint32, err error) {
	base := uint32(0)
	found := false
	err = iterateBlocks(c, headOff, false, func(e blockExtent) (bool, error) {
		if fileOffset < base+e.Capacity || e.Link == 0 {
			ext = e
			inBlockPos = fileOffset - base
			found = true
			return false, nil
		}
		base += e.Capacity
		return true, nil
	})
	if err != nil {
		return blockExtent{}, 0, err
	}
	if !found {
		return blockExtent{}, 0, newErr("locateOffset", KindOverflow)
	}
	return ext, inBlockPos, nil
}
