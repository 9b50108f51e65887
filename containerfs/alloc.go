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

// Allocator implements first-fit allocation and adjacent-coalescing free
// over a sorted singly-linked free list rooted at a superblock slot.
type Allocator struct {
	c        *Container
	freeHead uint32

	// largestFreeSeen is set by the most recent failed Allocate call, so
	// that the Truncate grow path can retry with a partial extent.
	largestFreeSeen uint32
}

// NewAllocator wraps a Container with the free list rooted at freeHead (the
// superblock's free_head field).
func NewAllocator(c *Container, freeHead uint32) *Allocator {
	return &Allocator{c: c, freeHead: freeHead}
}

// FreeHead returns the current head of the free list, for persisting back
// into the superblock.
func (a *Allocator) FreeHead() uint32 { return a.freeHead }

// LargestFreeSeen returns the size of the largest free block observed
// during the most recent failed Allocate call.
func (a *Allocator) LargestFreeSeen() uint32 { return a.largestFreeSeen }

// Allocate carves out a block of at least requestedSize bytes (header
// included): exactly requestedSize when it splits a larger free block, or
// the whole free block on the exact-fit path, which leaves the found
// block's size field as it was. It returns KindNoSpace if no free block is large enough; on
// that path LargestFreeSeen reports the biggest free extent observed, so
// that a caller growing a file can retry with whatever is actually
// available.
func (a *Allocator) Allocate(requestedSize uint32) (addr uint32, err error) {
	a.largestFreeSeen = 0

	var predSlotOff uint32 // offset of the u32 slot holding the link to `cur`
	predIsHead := true
	cur := a.freeHead

	for cur != 0 {
		size, link, err := readBlockHeader(a.c, cur)
		if err != nil {
			return 0, err
		}
		if size > a.largestFreeSeen {
			a.largestFreeSeen = size
		}

		if size >= requestedSize {
			if size >= requestedSize+MinBlockSize {
				// Split: shrink the found block in place, carve the new
				// block out of its tail.
				newFreeSize := size - requestedSize
				if err := a.c.WriteU32(cur+blockSizeOff, newFreeSize); err != nil {
					return 0, err
				}
				allocOff := cur + newFreeSize
				if err := writeBlockHeader(a.c, allocOff, requestedSize, 0); err != nil {
					return 0, err
				}
				return allocOff, nil
			}

			// Exact-fit: splice the entire block out of the free list.
			if predIsHead {
				a.freeHead = link
			} else if err := a.c.WriteU32(predSlotOff, link); err != nil {
				return 0, err
			}
			if err := a.c.WriteU32(cur+blockLinkOff, 0); err != nil {
				return 0, err
			}
			return cur, nil
		}

		predSlotOff = cur + blockLinkOff
		predIsHead = false
		cur = link
	}

	return 0, newErr("Allocate", KindNoSpace)
}

// Free returns the block at address to the free list, coalescing with
// either or both neighbors so invariant (1) (strictly sorted, no adjacent
// free blocks) is preserved.
func (a *Allocator) Free(address uint32) error {
	size, _, err := readBlockHeader(a.c, address)
	if err != nil {
		return err
	}

	// Find the insertion point: the free list is sorted by ascending
	// offset, so scan forward until we find the first entry past address.
	var predSlotOff uint32
	predIsHead := true
	predOff := uint32(0)
	cur := a.freeHead

	for cur != 0 && cur < address {
		predSlotOff = cur + blockLinkOff
		predIsHead = false
		predOff = cur

		_, link, err := readBlockHeader(a.c, cur)
		if err != nil {
			return err
		}
		cur = link
	}

	// Try to merge with the predecessor.
	if !predIsHead {
		predSize, _, err := readBlockHeader(a.c, predOff)
		if err != nil {
			return err
		}
		if predOff+predSize == address {
			// Merge into predecessor: it absorbs `address`'s extent and
			// (possibly) its successor link, decided below.
			mergedSize := predSize + size
			mergedLink := cur

			// Check whether the successor also abuts, so we fold all three.
			if cur != 0 && address+size == cur {
				succSize, succLink, err := readBlockHeader(a.c, cur)
				if err != nil {
					return err
				}
				mergedSize += succSize
				mergedLink = succLink
			}

			if err := writeBlockHeader(a.c, predOff, mergedSize, mergedLink); err != nil {
				return err
			}
			return nil
		}
	}

	// No predecessor merge. Check for a successor merge.
	link := cur
	if cur != 0 && address+size == cur {
		succSize, succLink, err := readBlockHeader(a.c, cur)
		if err != nil {
			return err
		}
		size += succSize
		link = succLink
	}

	if err := writeBlockHeader(a.c, address, size, link); err != nil {
		return err
	}

	if predIsHead {
		a.freeHead = address
	} else if err := a.c.WriteU32(predSlotOff, address); err != nil {
		return err
	}

	return nil
}

// FreeChain frees every block in a node's chain, starting from its head,
// following `link` forward.
func (a *Allocator) FreeChain(headOff uint32) error {
	cur := headOff
	for cur != 0 {
		_, link, err := readBlockHeader(a.c, cur)
		if err != nil {
			return err
		}
		if err := a.Free(cur); err != nil {
			return err
		}
		cur = link
	}
	return nil
}

// FreeBytes sums the size of every block currently on the free list. Used
// by GetFSSize and the free-bytes metric.
func (a *Allocator) FreeBytes() (uint64, error) {
	var total uint64
	cur := a.freeHead
	for cur != 0 {
		size, link, err := readBlockHeader(a.c, cur)
		if err != nil {
			return 0, err
		}
		total += uint64(size)
		cur = link
	}
	return total, nil
}
