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

import (
	"io"
	"strings"

	"golang.org/x/sys/unix"
)

// Attr is the subset of node-header state GetAttr exposes to callers: mode,
// link count, mtime (also reported as atime, since atime is not tracked
// independently), and size (regular files only).
type Attr struct {
	Mode  uint16
	NLink uint16
	MTime uint32
	Size  uint32
}

// OpenMode is the read/write mode a regular file is opened under.
type OpenMode uint8

const (
	ModeReadOnly OpenMode = iota
	ModeWriteOnly
	ModeReadWrite
)

// AccessMask mirrors the R_OK/W_OK/X_OK/F_OK bits Access checks, expressed
// directly in terms of golang.org/x/sys/unix's constants.
type AccessMask uint32

func splitPath(path string) (parent, final string) {
	norm := normalize(path)
	idx := strings.LastIndexByte(norm, '/')
	parent = norm[:idx]
	if parent == "" {
		parent = "/"
	}
	final = norm[idx+1:]
	return parent, final
}

// GetAttr resolves path and returns its node attributes.
func (fs *FS) GetAttr(path string) (Attr, error) {
	_, attr, err := fs.Stat(path)
	return attr, err
}

// Stat resolves path and returns both its node address (stable for the
// node's lifetime, suitable for use as a FUSE inode ID) and its
// attributes.
func (fs *FS) Stat(path string) (uint32, Attr, error) {
	addr, err := fs.resolver.Resolve(fs.container, fs.rootAddr, path)
	if err != nil {
		return 0, Attr{}, err
	}
	attr, err := fs.getAttrAt(addr)
	return addr, attr, err
}

// AttrAt returns the attributes of the node whose head block is at addr,
// for callers (the FUSE bridge) that already hold the address and want to
// skip a path resolve.
func (fs *FS) AttrAt(addr uint32) (Attr, error) {
	return fs.getAttrAt(addr)
}

func (fs *FS) getAttrAt(addr uint32) (Attr, error) {
	h, err := readNodeHeader(fs.container, addr)
	if err != nil {
		return Attr{}, err
	}
	attr := Attr{Mode: h.Mode, NLink: h.NLink, MTime: h.MTime}
	if h.IsRegular() {
		sz, err := readFileSize(fs.container, addr)
		if err != nil {
			return Attr{}, err
		}
		attr.Size = sz
	}
	return attr, nil
}

// MkFile creates a new node named by path with the given mode (type bits
// plus permission bits), inserting it into its parent directory. The
// parent must exist, be a directory, and have the write bit set.
func (fs *FS) MkFile(path string, mode uint16) (addr uint32, err error) {
	defer func() { fs.metrics.observe("MkFile", err); fs.refreshGauges() }()

	parentPath, final := splitPath(path)

	parentAddr, err := fs.resolver.Resolve(fs.container, fs.rootAddr, parentPath)
	if err != nil {
		return 0, err
	}
	parentHeader, err := readNodeHeader(fs.container, parentAddr)
	if err != nil {
		return 0, err
	}
	if !parentHeader.IsDir() {
		return 0, newErr("MkFile", KindNotDir)
	}
	if parentHeader.Perm()&0o200 == 0 {
		return 0, newErr("MkFile", KindPermissionDenied)
	}

	isDir := mode&TypeDirectory != 0
	isReg := mode&TypeRegular != 0
	if isDir == isReg {
		return 0, newErr("MkFile", KindInvalid)
	}

	blockSize := uint32(RegBlockSize)
	nlink := uint16(1)
	if isDir {
		blockSize = DirBlockSize
		nlink = 2
	}

	childAddr, err := fs.alloc.Allocate(blockSize)
	if err != nil {
		return 0, err
	}

	cleanMode := (mode & (permMask | typeMask))
	header := NodeHeader{MTime: nowFn(), NLink: nlink, Mode: cleanMode}

	if err := writeBlockHeader(fs.container, childAddr, blockSize, 0); err != nil {
		fs.alloc.Free(childAddr)
		return 0, err
	}
	if err := writeNodeHeader(fs.container, childAddr, header); err != nil {
		fs.alloc.Free(childAddr)
		return 0, err
	}
	if isDir {
		if err := initEmptyDir(fs.container, childAddr, parentAddr); err != nil {
			fs.alloc.Free(childAddr)
			return 0, err
		}
	} else if err := writeFileSize(fs.container, childAddr, 0); err != nil {
		fs.alloc.Free(childAddr)
		return 0, err
	}

	if err := dirInsert(fs.container, fs.alloc, parentAddr, final, childAddr); err != nil {
		fs.alloc.Free(childAddr)
		return 0, err
	}

	if isDir {
		if parentHeader.NLink == 0xFFFF {
			// Undo: the entry is already in place, but we can't record the
			// new subdirectory in the parent's link count.
			dirDelete(fs.container, fs.alloc, parentAddr, final, &isDir)
			return 0, newErr("MkFile", KindMaxLinks)
		}
		parentHeader.NLink++
		if err := writeNodeHeader(fs.container, parentAddr, parentHeader); err != nil {
			return 0, err
		}
	}

	return childAddr, nil
}

// RmFile removes the naming entry at path, enforcing that it names a
// directory iff isDir is set. Removing a non-empty directory fails with
// KindNotEmpty; removing a regular file that has an open handle fails with
// KindBusy.
func (fs *FS) RmFile(path string, isDir bool) (err error) {
	defer func() { fs.metrics.observe("RmFile", err); fs.refreshGauges() }()

	parentPath, final := splitPath(path)

	parentAddr, err := fs.resolver.Resolve(fs.container, fs.rootAddr, parentPath)
	if err != nil {
		return err
	}

	childAddr, err := dirScan(fs.container, parentAddr, final)
	if err != nil {
		return err
	}

	childHeader, err := readNodeHeader(fs.container, childAddr)
	if err != nil {
		return err
	}
	if isDir && !childHeader.IsDir() {
		return newErr("RmFile", KindNotDir)
	}
	if !isDir && childHeader.IsDir() {
		return newErr("RmFile", KindIsDir)
	}
	if !isDir && fs.handles.AnyOpenOn(childAddr) {
		return newErr("RmFile", KindBusy)
	}

	if _, err := dirDelete(fs.container, fs.alloc, parentAddr, final, &isDir); err != nil {
		return err
	}

	fs.resolver.Invalidate(normalize(path))
	return nil
}

// ChMod replaces the low 9 permission bits of path's mode, leaving the
// type bits untouched.
func (fs *FS) ChMod(path string, mode uint16) error {
	addr, err := fs.resolver.Resolve(fs.container, fs.rootAddr, path)
	if err != nil {
		return err
	}
	h, err := readNodeHeader(fs.container, addr)
	if err != nil {
		return err
	}
	h.Mode = h.TypeBits() | (mode & permMask)
	return writeNodeHeader(fs.container, addr, h)
}

// UTime sets path's mtime. atime is accepted but not persisted separately;
// the on-disk node header has no atime slot.
func (fs *FS) UTime(path string, atime, mtime uint32) error {
	_ = atime
	addr, err := fs.resolver.Resolve(fs.container, fs.rootAddr, path)
	if err != nil {
		return err
	}
	h, err := readNodeHeader(fs.container, addr)
	if err != nil {
		return err
	}
	h.MTime = mtime
	return writeNodeHeader(fs.container, addr, h)
}

// Access checks path against mask's R_OK/W_OK/X_OK/F_OK bits (owner bits
// only; this system does not enforce multi-user permissions).
func (fs *FS) Access(path string, mask AccessMask) error {
	addr, err := fs.resolver.Resolve(fs.container, fs.rootAddr, path)
	if err != nil {
		return err
	}
	if mask == 0 {
		return nil
	}
	h, err := readNodeHeader(fs.container, addr)
	if err != nil {
		return err
	}
	perm := h.Perm()
	if mask&unix.R_OK != 0 && perm&0o400 == 0 {
		return newErr("Access", KindPermissionDenied)
	}
	if mask&unix.W_OK != 0 && perm&0o200 == 0 {
		return newErr("Access", KindPermissionDenied)
	}
	if mask&unix.X_OK != 0 && perm&0o100 == 0 {
		return newErr("Access", KindPermissionDenied)
	}
	return nil
}

// OpenFile opens the regular file at path for reading and/or writing, per
// mode, optionally truncating it to zero length first (the O_TRUNC open
// flag).
func (fs *FS) OpenFile(path string, mode OpenMode, trunc bool) (int, error) {
	addr, err := fs.resolver.Resolve(fs.container, fs.rootAddr, path)
	if err != nil {
		return 0, err
	}
	header, err := readNodeHeader(fs.container, addr)
	if err != nil {
		return 0, err
	}
	if header.IsDir() {
		return 0, newErr("OpenFile", KindIsDir)
	}

	if trunc {
		if err := fs.Truncate(addr, 0); err != nil {
			return 0, err
		}
	}

	size, err := readFileSize(fs.container, addr)
	if err != nil {
		return 0, err
	}

	var flags HandleFlag
	switch mode {
	case ModeReadOnly:
		flags = FlagRead
	case ModeWriteOnly:
		flags = FlagWrite
	case ModeReadWrite:
		flags = FlagRead | FlagWrite
	}

	cur, err := newCursorAt(fs.container, addr, true, size, flags)
	if err != nil {
		return 0, err
	}
	return fs.handles.Open(cur)
}

// OpenDir opens the directory at path for ReadDir.
func (fs *FS) OpenDir(path string) (int, error) {
	addr, err := fs.resolver.Resolve(fs.container, fs.rootAddr, path)
	if err != nil {
		return 0, err
	}
	header, err := readNodeHeader(fs.container, addr)
	if err != nil {
		return 0, err
	}
	if !header.IsDir() {
		return 0, newErr("OpenDir", KindNotDir)
	}
	cur, err := newCursorAt(fs.container, addr, false, 0, FlagRead)
	if err != nil {
		return 0, err
	}
	return fs.handles.Open(cur)
}

// CloseHandle releases a handle opened by OpenFile or OpenDir, stamping
// mtime first if the handle was written to.
func (fs *FS) CloseHandle(id int) error {
	cur, err := fs.handles.Get(id)
	if err != nil {
		return err
	}
	if cur.Flags.has(FlagModified) {
		if err := touchMTime(fs.container, cur.NodeHead); err != nil {
			return err
		}
	}
	return fs.handles.Release(id)
}

// Read fills buf from handle id starting at the logical file offset,
// clamping the read to the file's length. It requires the handle to have
// been opened for reading.
func (fs *FS) Read(id int, buf []byte, offset uint32) (n int, err error) {
	defer func() { fs.metrics.observe("Read", err) }()

	cur, err := fs.handles.Get(id)
	if err != nil {
		return 0, err
	}
	if !cur.Flags.has(FlagRead) {
		return 0, newErr("Read", KindBadHandle)
	}
	if offset > cur.FileLength {
		return 0, newErr("Read", KindOverflow)
	}

	count := len(buf)
	if offset+uint32(count) > cur.FileLength {
		count = int(cur.FileLength - offset)
	}
	if count == 0 {
		return 0, nil
	}

	if err := setPosition(fs.container, cur, offset); err != nil {
		return 0, err
	}

	n = 0
	remaining := count
	for remaining > 0 {
		pStart := blockPayloadStart(cur)
		capInBlock := cur.BlockLen - (pStart - cur.BlockOff)
		avail := int(capInBlock - (cur.Pos - pStart))
		take := remaining
		if take > avail {
			take = avail
		}

		got, err := fs.container.CopyOut(buf[n:n+take], cur.Pos, take)
		if err != nil {
			return n, err
		}
		n += got
		cur.Pos += uint32(got)
		remaining -= got

		if remaining > 0 {
			if cur.NextLink == 0 {
				return n, nil
			}
			cur.BaseOffset += capInBlock
			next := cur.NextLink
			size, link, err := readBlockHeader(fs.container, next)
			if err != nil {
				return n, err
			}
			cur.BlockOff = next
			cur.BlockLen = size
			cur.NextLink = link
			cur.Pos = contPayloadStart(next)
		}
	}
	return n, nil
}

// Write writes data to handle id at the logical file offset, growing the
// file first via Truncate if the write extends past the current length.
// If growth runs out of space partway through, Write still commits
// whatever fits and returns that count alongside the KindNoSpace error.
func (fs *FS) Write(id int, data []byte, offset uint32) (n int, err error) {
	defer func() { fs.metrics.observe("Write", err) }()

	cur, err := fs.handles.Get(id)
	if err != nil {
		return 0, err
	}
	if !cur.Flags.has(FlagWrite) {
		return 0, newErr("Write", KindBadHandle)
	}

	end := offset + uint32(len(data))
	var growErr error
	if end > cur.FileLength {
		growErr = fs.Truncate(cur.NodeHead, end)
		newLen, ferr := readFileSize(fs.container, cur.NodeHead)
		if ferr != nil {
			return 0, ferr
		}
		cur.FileLength = newLen
		if growErr != nil {
			end = newLen
		}
	}

	if offset >= end {
		return 0, growErr
	}
	count := int(end - offset)

	if err := setPosition(fs.container, cur, offset); err != nil {
		return 0, err
	}

	n = 0
	remaining := count
	for remaining > 0 {
		pStart := blockPayloadStart(cur)
		capInBlock := cur.BlockLen - (pStart - cur.BlockOff)
		avail := int(capInBlock - (cur.Pos - pStart))
		take := remaining
		if take > avail {
			take = avail
		}

		if err := fs.container.WriteAt(int64(cur.Pos), data[n:n+take]); err != nil {
			return n, err
		}
		n += take
		cur.Pos += uint32(take)
		remaining -= take

		if remaining > 0 {
			if cur.NextLink == 0 {
				break
			}
			cur.BaseOffset += capInBlock
			next := cur.NextLink
			size, link, err := readBlockHeader(fs.container, next)
			if err != nil {
				return n, err
			}
			cur.BlockOff = next
			cur.BlockLen = size
			cur.NextLink = link
			cur.Pos = contPayloadStart(next)
		}
	}

	cur.Flags |= FlagModified
	return n, growErr
}

// FTruncate resizes the file underlying handle id through Truncate, which
// refreshes the cached FileLength of every handle open on the node, and
// marks the acting handle modified. The handle must be open for writing.
func (fs *FS) FTruncate(id int, newSize uint32) error {
	cur, err := fs.handles.Get(id)
	if err != nil {
		return err
	}
	if !cur.Flags.has(FlagWrite) {
		return newErr("FTruncate", KindBadHandle)
	}
	if err := fs.Truncate(cur.NodeHead, newSize); err != nil {
		return err
	}
	newLen, err := readFileSize(fs.container, cur.NodeHead)
	if err != nil {
		return err
	}
	cur.FileLength = newLen
	cur.Flags |= FlagModified
	return nil
}

// ReadDirEntry returns the next entry name from the directory handle id,
// or io.EOF once the chain is exhausted.
func (fs *FS) ReadDirEntry(id int) (string, error) {
	cur, err := fs.handles.Get(id)
	if err != nil {
		return "", err
	}

	for {
		addr, err := fs.container.ReadU32(cur.Pos)
		if err != nil {
			return "", err
		}
		if addr == 0 {
			if cur.NextLink == 0 {
				return "", io.EOF
			}
			next := cur.NextLink
			size, link, err := readBlockHeader(fs.container, next)
			if err != nil {
				return "", err
			}
			cur.BaseOffset += cur.BlockLen - (blockPayloadStart(cur) - cur.BlockOff)
			cur.BlockOff = next
			cur.BlockLen = size
			cur.NextLink = link
			cur.Pos = contPayloadStart(next)
			continue
		}

		nameLen, err := readU8(fs.container, cur.Pos+4)
		if err != nil {
			return "", err
		}
		nameBytes, err := fs.container.ReadAt(int64(cur.Pos+dirEntryFixedSize), int(nameLen))
		if err != nil {
			return "", err
		}
		cur.Pos += uint32(dirEntryFixedSize) + uint32(nameLen)
		return string(nameBytes), nil
	}
}

// Truncate grows or shrinks the regular file whose head block is headOff
// to exactly newSize bytes: zero-filling newly grown regions and freeing
// the tail chain on shrink, while keeping every open handle on the same
// node consistent with the mutated chain and its new length. If growth
// runs out of space, the size field records how far the file grew.
func (fs *FS) Truncate(headOff, newSize uint32) error {
	curSize, err := readFileSize(fs.container, headOff)
	if err != nil {
		return err
	}
	if newSize == curSize {
		return touchMTime(fs.container, headOff)
	}
	if err := writeFileSize(fs.container, headOff, newSize); err != nil {
		return err
	}

	var opErr error
	if newSize > curSize {
		opErr = fs.growFile(headOff, curSize, newSize)
	} else {
		opErr = fs.shrinkFile(headOff, newSize)
	}

	size, err := readFileSize(fs.container, headOff)
	if err != nil {
		return err
	}
	fs.handles.ForEachOpenOn(headOff, func(cur *Cursor) { cur.FileLength = size })

	if err := touchMTime(fs.container, headOff); err != nil {
		return err
	}
	return opErr
}

// lastExtentBefore returns the block extent that contains logical byte
// size (or the chain's last extent, if the chain ends before it), and that
// extent's base logical offset. When size falls exactly on a block
// boundary and a further block exists, that further block is returned.
func lastExtentBefore(c *Container, headOff uint32, size uint32) (ext blockExtent, base uint32, err error) {
	curBase := uint32(0)
	err = iterateBlocks(c, headOff, false, func(e blockExtent) (bool, error) {
		ext = e
		base = curBase
		if curBase+e.Capacity > size || e.Link == 0 {
			return false, nil
		}
		curBase += e.Capacity
		return true, nil
	})
	return ext, base, err
}

func (fs *FS) growFile(headOff, curSize, newSize uint32) (err error) {
	lastExt, lastBase, err := lastExtentBefore(fs.container, headOff, curSize)
	if err != nil {
		return err
	}

	remaining := newSize - curSize
	// If growth stops early, record the size actually reached so the size
	// field never covers bytes the chain does not hold.
	defer func() {
		if err != nil && remaining > 0 {
			writeFileSize(fs.container, headOff, newSize-remaining)
		}
	}()
	used := curSize - lastBase
	spare := lastExt.Capacity - used
	if spare > 0 {
		fill := spare
		if fill > remaining {
			fill = remaining
		}
		if err := fs.container.Zero(lastExt.Payload+used, fill); err != nil {
			return err
		}
		remaining -= fill
	}

	for remaining > 0 {
		reqSize := remaining + blockHdrSize
		blockAddr, err := fs.alloc.Allocate(reqSize)
		if err != nil {
			if !Is(err, KindNoSpace) {
				return err
			}
			largest := fs.alloc.LargestFreeSeen()
			if largest < MinBlockSize {
				return err
			}
			blockAddr, err = fs.alloc.Allocate(largest)
			if err != nil {
				return newErr("Truncate", KindNoSpace)
			}
			reqSize = largest
		}

		if err := writeBlockHeader(fs.container, blockAddr, reqSize, 0); err != nil {
			return err
		}
		oldLastOff := lastExt.Offset
		if err := fs.container.WriteU32(oldLastOff+blockLinkOff, blockAddr); err != nil {
			return err
		}
		fs.handles.ForEachOpenOn(headOff, func(cur *Cursor) {
			if cur.BlockOff == oldLastOff && cur.NextLink == 0 {
				cur.NextLink = blockAddr
			}
		})

		capacity := reqSize - blockHdrSize
		fill := capacity
		if fill > remaining {
			fill = remaining
		}
		if err := fs.container.Zero(contPayloadStart(blockAddr), fill); err != nil {
			return err
		}
		remaining -= fill

		lastExt = blockExtent{Offset: blockAddr, Payload: contPayloadStart(blockAddr), Capacity: capacity, Link: 0}
	}

	return nil
}

func (fs *FS) shrinkFile(headOff, newSize uint32) error {
	keepExt, _, err := lastExtentBefore(fs.container, headOff, newSize)
	if err != nil {
		return err
	}

	tail := keepExt.Link
	if err := fs.container.WriteU32(keepExt.Offset+blockLinkOff, 0); err != nil {
		return err
	}
	if tail != 0 {
		if err := fs.alloc.FreeChain(tail); err != nil {
			return err
		}
	}

	fs.handles.ForEachOpenOn(headOff, func(cur *Cursor) {
		if cur.BaseOffset > newSize {
			size, link, err := readBlockHeader(fs.container, headOff)
			if err != nil {
				return
			}
			cur.BlockOff = headOff
			cur.BlockLen = size
			cur.NextLink = link
			cur.BaseOffset = 0
			cur.Pos = blockPayloadStart(cur)
		} else if cur.BlockOff == keepExt.Offset {
			cur.NextLink = 0
		}
	})

	return nil
}

// ListDir returns every naming entry (including `.` and `..`) for path, for
// callers (tests, GetFSSize-adjacent tooling) that want a snapshot rather
// than a streaming handle.
func (fs *FS) ListDir(path string) ([]string, error) {
	addr, err := fs.resolver.Resolve(fs.container, fs.rootAddr, path)
	if err != nil {
		return nil, err
	}
	header, err := readNodeHeader(fs.container, addr)
	if err != nil {
		return nil, err
	}
	if !header.IsDir() {
		return nil, newErr("ListDir", KindNotDir)
	}
	entries, err := dirList(fs.container, addr)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}
