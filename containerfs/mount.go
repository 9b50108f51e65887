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
	"log/slog"
	"os"
)

const (
	rootAddrOff  = 0
	freeHeadOff  = 4
	rootHeadAddr = SuperblockSize
)

// FS ties the container, allocator, path cache and handle table together
// into the single object the FUSE bridge (package fs) drives. It has no
// internal locking: the core is single-threaded and cooperative, so the
// bridge is responsible for serializing calls.
type FS struct {
	path      string
	container *Container
	alloc     *Allocator
	resolver  *Resolver
	handles   *HandleTable
	rootAddr  uint32
	mounted   bool
	log       *slog.Logger
	metrics   *Metrics
}

// CreateContainer writes a brand-new container to path: a superblock whose
// root points at an empty root directory, and one free block covering the
// remainder of capacity bytes.
func CreateContainer(path string, capacity int64) error {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return wrapErr("CreateContainer", KindIO, err)
	}
	defer f.Close()

	if err := f.Truncate(capacity); err != nil {
		return wrapErr("CreateContainer", KindIO, err)
	}

	c := &Container{f: f}

	rootAddr := uint32(rootHeadAddr)
	freeHead := rootAddr + DirBlockSize

	if err := c.WriteU32(rootAddrOff, rootAddr); err != nil {
		return err
	}
	if err := c.WriteU32(freeHeadOff, freeHead); err != nil {
		return err
	}

	rootHeader := NodeHeader{
		MTime: nowFn(),
		NLink: 2,
		Mode:  TypeDirectory | 0o777,
	}
	if err := writeBlockHeader(c, rootAddr, DirBlockSize, 0); err != nil {
		return err
	}
	if err := writeNodeHeader(c, rootAddr, rootHeader); err != nil {
		return err
	}
	if err := initEmptyDir(c, rootAddr, rootAddr); err != nil {
		return err
	}

	freeSize := uint32(capacity) - freeHead
	if err := writeBlockHeader(c, freeHead, freeSize, 0); err != nil {
		return err
	}

	return nil
}

// Mount opens an existing container and reads its superblock. A failed
// read leaves no FS behind; every subsequent call against a nil *FS would
// panic, which is intentional: a mount failure should be surfaced once,
// at the call site, rather than letting later operations silently fail
// with I/O errors against a half-open file.
func Mount(path string) (*FS, error) {
	c, err := OpenContainer(path)
	if err != nil {
		return nil, err
	}

	rootAddr, err := c.ReadU32(rootAddrOff)
	if err != nil {
		c.Close()
		return nil, err
	}
	freeHead, err := c.ReadU32(freeHeadOff)
	if err != nil {
		c.Close()
		return nil, err
	}

	fs := &FS{
		path:      path,
		container: c,
		alloc:     NewAllocator(c, freeHead),
		resolver:  NewResolver(),
		handles:   NewHandleTable(),
		rootAddr:  rootAddr,
		mounted:   true,
		log:       slog.Default().With("container", path),
	}
	fs.log.Info("mounted container", "root_addr", rootAddr, "free_head", freeHead)
	return fs, nil
}

// Unmount persists the free list head, closes the backing file and drops
// every in-memory cache.
func (fs *FS) Unmount() error {
	if !fs.mounted {
		return nil
	}
	freeBytes, _ := fs.alloc.FreeBytes()
	if err := fs.container.WriteU32(freeHeadOff, fs.alloc.FreeHead()); err != nil {
		fs.container.Close()
		return err
	}
	fs.resolver.Forget()
	fs.mounted = false
	fs.log.Info("unmounting container", "free_bytes", freeBytes)
	return fs.container.Close()
}

// GetFSSize reports the container's total capacity and the bytes currently
// on the free list.
func (fs *FS) GetFSSize() (total, free uint64, err error) {
	sz, err := fs.container.Size()
	if err != nil {
		return 0, 0, err
	}
	free, err = fs.alloc.FreeBytes()
	if err != nil {
		return 0, 0, err
	}
	return uint64(sz), free, nil
}

// RootAddr returns the head offset of the root directory.
func (fs *FS) RootAddr() uint32 { return fs.rootAddr }
