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
	"encoding/binary"
	"io"
	"os"
)

const (
	// SuperblockSize is the fixed region at the front of the container that
	// holds root_addr and free_head.
	SuperblockSize = 8

	// MinBlockSize is the smallest free remainder Allocate leaves behind
	// when it splits a block, and the smallest partial extent the Truncate
	// grow path retries with after KindNoSpace.
	MinBlockSize = 1024

	// DirBlockSize is the block size used when allocating directory nodes
	// and directory continuation blocks.
	DirBlockSize = 1024

	// RegBlockSize is the block size used when allocating the head block of
	// a regular file and its continuation blocks.
	RegBlockSize = 4096

	// DefaultCapacity is the size of a freshly created container.
	DefaultCapacity = 1 << 20 // 1 MiB

	// MaxOpenFiles bounds the handle table.
	MaxOpenFiles = 1000
)

// Container is positioned byte-level I/O over the backing host file plus
// big-endian integer codecs. Every other component operates on absolute
// offsets into the container; there is no seek-current discipline exposed.
type Container struct {
	f *os.File
}

// OpenContainer opens an existing backing file for positioned I/O.
func OpenContainer(path string) (*Container, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, wrapErr("OpenContainer", KindIO, err)
	}
	return &Container{f: f}, nil
}

// Close releases the backing file handle.
func (c *Container) Close() error {
	if err := c.f.Close(); err != nil {
		return wrapErr("Container.Close", KindIO, err)
	}
	return nil
}

// Size returns the total capacity of the container in bytes.
func (c *Container) Size() (int64, error) {
	fi, err := c.f.Stat()
	if err != nil {
		return 0, wrapErr("Container.Size", KindIO, err)
	}
	return fi.Size(), nil
}

// ReadAt reads exactly n bytes starting at off. A short read is an I/O
// failure: the container's length is fixed and every offset this package
// computes is expected to land inside it.
func (c *Container) ReadAt(off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := c.f.ReadAt(buf, off); err != nil {
		if err == io.EOF {
			return nil, wrapErr("Container.ReadAt", KindIO, io.ErrUnexpectedEOF)
		}
		return nil, wrapErr("Container.ReadAt", KindIO, err)
	}
	return buf, nil
}

// WriteAt writes all of b starting at off.
func (c *Container) WriteAt(off int64, b []byte) error {
	if _, err := c.f.WriteAt(b, off); err != nil {
		return wrapErr("Container.WriteAt", KindIO, err)
	}
	return nil
}

// ReadU32 reads a big-endian uint32 at off.
func (c *Container) ReadU32(off uint32) (uint32, error) {
	b, err := c.ReadAt(int64(off), 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// WriteU32 writes a big-endian uint32 at off.
func (c *Container) WriteU32(off uint32, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return c.WriteAt(int64(off), b[:])
}

// ReadU16 reads a big-endian uint16 at off.
func (c *Container) ReadU16(off uint32) (uint16, error) {
	b, err := c.ReadAt(int64(off), 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// WriteU16 writes a big-endian uint16 at off.
func (c *Container) WriteU16(off uint32, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return c.WriteAt(int64(off), b[:])
}

// Zero writes n zero bytes starting at off. Used to zero-fill newly grown
// file regions.
func (c *Container) Zero(off uint32, n uint32) error {
	if n == 0 {
		return nil
	}
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	remaining := n
	cur := off
	for remaining > 0 {
		w := remaining
		if w > chunk {
			w = chunk
		}
		if err := c.WriteAt(int64(cur), buf[:w]); err != nil {
			return err
		}
		cur += w
		remaining -= w
	}
	return nil
}

// CopyOut reads n bytes at off into dst (which must have length >= n),
// returning the number of bytes copied.
func (c *Container) CopyOut(dst []byte, off uint32, n int) (int, error) {
	b, err := c.ReadAt(int64(off), n)
	if err != nil {
		return 0, err
	}
	return copy(dst, b), nil
}
