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

// Package fs bridges a mounted containerfs.FS to the kernel via
// jacobsa/fuse's fuseutil.FileSystem interface. containerfs itself is
// path-addressed and carries no locking of its own; this package is what
// supplies both the inode-ID view the kernel expects and the single
// mutex that serializes every call into the core.
package fs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/go-cfuse/containerfuse/containerfs"
)

// fileSystem adapts a single mounted container to fuseutil.FileSystem.
// Every method takes fs.mu: the kernel dispatches FUSE requests
// concurrently, but the (intentionally lock-free) core expects calls
// serialized, so the bridge supplies that discipline with a single mutex.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	mu sync.Mutex

	core *containerfs.FS
	log  *slog.Logger
	uid  uint32
	gid  uint32
	clock timeutil.Clock

	// paths caches the absolute path backing each inode ID the kernel
	// currently holds a reference to. Node addresses (see addrToInode)
	// are stable for a node's lifetime, so the inode ID alone identifies
	// the node; this map exists only because the core's Resolve/MkFile/
	// RmFile surface is path-addressed, not address-addressed.
	paths map[fuseops.InodeID]string

	dirHandles  map[fuseops.HandleID]*dirHandle
	fileHandles map[fuseops.HandleID]int
	nextHandle  fuseops.HandleID
}

type dirHandle struct {
	entries []fuseutil.Dirent
}

// New wraps core as a fuseutil.FileSystem, reporting every inode as owned
// by uid/gid (this filesystem has no multi-user permission model beyond
// the owner-rwx bits stored in each node's mode word).
func New(core *containerfs.FS, uid, gid uint32, log *slog.Logger) fuseutil.FileSystem {
	return &fileSystem{
		core:        core,
		log:         log,
		uid:         uid,
		gid:         gid,
		clock:       timeutil.RealClock(),
		paths:       map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
		dirHandles:  make(map[fuseops.HandleID]*dirHandle),
		fileHandles: make(map[fuseops.HandleID]int),
	}
}

func addrToInode(core *containerfs.FS, addr uint32) fuseops.InodeID {
	if addr == core.RootAddr() {
		return fuseops.RootInodeID
	}
	return fuseops.InodeID(addr)
}

func inodeToAddr(core *containerfs.FS, id fuseops.InodeID) uint32 {
	if id == fuseops.RootInodeID {
		return core.RootAddr()
	}
	return uint32(id)
}

func (fs *fileSystem) pathOf(id fuseops.InodeID) string {
	if p, ok := fs.paths[id]; ok {
		return p
	}
	// Fell out of the cache (e.g. after a remount); the address is still
	// good, but we have no name to hand the core. Every real caller looks
	// a child up before operating on it, so this should not happen in
	// practice.
	return ""
}

func childPath(parent string, name string) string {
	return path.Join(parent, name)
}

func toAttr(a containerfs.Attr) fuseops.InodeAttributes {
	mode := os.FileMode(a.Mode & 0o777)
	if a.Mode&containerfs.TypeDirectory != 0 {
		mode |= os.ModeDir
	}
	mt := time.Unix(int64(a.MTime), 0)
	return fuseops.InodeAttributes{
		Size:   uint64(a.Size),
		Nlink:  uint32(a.NLink),
		Mode:   mode,
		Atime:  mt,
		Mtime:  mt,
		Ctime:  mt,
		Crtime: mt,
	}
}

func (fs *fileSystem) fillOwner(attr *fuseops.InodeAttributes) {
	attr.Uid = fs.uid
	attr.Gid = fs.gid
}

// toErrno maps the containerfs error taxonomy onto the POSIX errno values
// the kernel expects back from a FUSE daemon.
func toErrno(err error) error {
	if err == nil {
		return nil
	}
	switch containerfs.KindOf(err) {
	case containerfs.KindNoSuchEntry:
		return syscall.ENOENT
	case containerfs.KindNotDir:
		return syscall.ENOTDIR
	case containerfs.KindIsDir:
		return syscall.EISDIR
	case containerfs.KindExists:
		return syscall.EEXIST
	case containerfs.KindNotEmpty:
		return syscall.ENOTEMPTY
	case containerfs.KindNoSpace:
		return syscall.ENOSPC
	case containerfs.KindPermissionDenied:
		return syscall.EACCES
	case containerfs.KindNameTooLong:
		return syscall.ENAMETOOLONG
	case containerfs.KindMaxLinks:
		return syscall.EMLINK
	case containerfs.KindBusy:
		return syscall.EBUSY
	case containerfs.KindBadHandle:
		return syscall.EBADF
	case containerfs.KindReadOnly:
		return syscall.EROFS
	case containerfs.KindNotSupported:
		return syscall.ENOSYS
	case containerfs.KindOverflow:
		return syscall.EINVAL
	case containerfs.KindInvalid:
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	const blockSize = 4096
	total, free, err := fs.core.GetFSSize()
	if err != nil {
		return toErrno(err)
	}

	op.BlockSize = blockSize
	op.Blocks = total / blockSize
	op.BlocksFree = free / blockSize
	op.BlocksAvailable = op.BlocksFree
	op.IoSize = blockSize
	return nil
}

func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parentPath := fs.pathOf(op.Parent)
	cp := childPath(parentPath, op.Name)

	addr, attr, err := fs.core.Stat(cp)
	if err != nil {
		return toErrno(err)
	}

	id := addrToInode(fs.core, addr)
	fs.paths[id] = cp

	op.Entry.Child = id
	op.Entry.Attributes = toAttr(attr)
	fs.fillOwner(&op.Entry.Attributes)
	return nil
}

func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	addr := inodeToAddr(fs.core, op.Inode)
	attr, err := fs.core.AttrAt(addr)
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = toAttr(attr)
	fs.fillOwner(&op.Attributes)
	return nil
}

func (fs *fileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p := fs.pathOf(op.Inode)
	addr := inodeToAddr(fs.core, op.Inode)

	if op.Mode != nil {
		if err := fs.core.ChMod(p, uint16(*op.Mode&0o777)); err != nil {
			return toErrno(err)
		}
	}
	if op.Mtime != nil {
		atime := uint32(fs.clock.Now().Unix())
		if op.Atime != nil {
			atime = uint32(op.Atime.Unix())
		}
		if err := fs.core.UTime(p, atime, uint32(op.Mtime.Unix())); err != nil {
			return toErrno(err)
		}
	}
	if op.Size != nil {
		if err := fs.core.Truncate(addr, uint32(*op.Size)); err != nil {
			return toErrno(err)
		}
	}

	attr, err := fs.core.AttrAt(addr)
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = toAttr(attr)
	fs.fillOwner(&op.Attributes)
	return nil
}

func (fs *fileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.paths, op.Inode)
	return nil
}

func (fs *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cp := childPath(fs.pathOf(op.Parent), op.Name)
	mode := containerfs.TypeDirectory | uint16(op.Mode&0o777)
	addr, err := fs.core.MkFile(cp, mode)
	if err != nil {
		return toErrno(err)
	}

	id := addrToInode(fs.core, addr)
	fs.paths[id] = cp
	attr, err := fs.core.AttrAt(addr)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = id
	op.Entry.Attributes = toAttr(attr)
	fs.fillOwner(&op.Entry.Attributes)
	return nil
}

func (fs *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cp := childPath(fs.pathOf(op.Parent), op.Name)
	mode := containerfs.TypeRegular | uint16(op.Mode&0o777)
	addr, err := fs.core.MkFile(cp, mode)
	if err != nil {
		return toErrno(err)
	}

	id := addrToInode(fs.core, addr)
	fs.paths[id] = cp
	attr, err := fs.core.AttrAt(addr)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = id
	op.Entry.Attributes = toAttr(attr)
	fs.fillOwner(&op.Entry.Attributes)
	return nil
}

func (fs *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cp := childPath(fs.pathOf(op.Parent), op.Name)
	if err := fs.core.RmFile(cp, true); err != nil {
		return toErrno(err)
	}
	fs.forgetPrefix(cp)
	return nil
}

func (fs *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cp := childPath(fs.pathOf(op.Parent), op.Name)
	if err := fs.core.RmFile(cp, false); err != nil {
		return toErrno(err)
	}
	fs.forgetPrefix(cp)
	return nil
}

// forgetPrefix drops every cached inode path at or under p, mirroring the
// core resolver's own Invalidate behavior so the two caches can't diverge.
func (fs *fileSystem) forgetPrefix(p string) {
	prefix := p + "/"
	for id, cached := range fs.paths {
		if cached == p || len(cached) > len(prefix) && cached[:len(prefix)] == prefix {
			delete(fs.paths, id)
		}
	}
}

// Rename is out of scope: the directory engine has no primitive for
// moving an entry between directories or splicing block chains across
// nodes, so the bridge reports it as unsupported rather than faking it
// with a remove-and-recreate that would silently renumber the inode.
func (fs *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	return fuse.ENOSYS
}

func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p := fs.pathOf(op.Inode)
	names, err := fs.core.ListDir(p)
	if err != nil {
		return toErrno(err)
	}

	entries := make([]fuseutil.Dirent, 0, len(names))
	for i, name := range names {
		var childAddr uint32
		var isDir bool
		switch name {
		case ".":
			childAddr = inodeToAddr(fs.core, op.Inode)
			isDir = true
		case "..":
			childAddr = inodeToAddr(fs.core, op.Inode) // best effort: parent tracked separately by the kernel
			isDir = true
		default:
			addr, attr, err := fs.core.Stat(childPath(p, name))
			if err != nil {
				continue
			}
			childAddr = addr
			isDir = attr.Mode&containerfs.TypeDirectory != 0
		}

		typ := fuseutil.DT_File
		if isDir {
			typ = fuseutil.DT_Dir
		}
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  addrToInode(fs.core, childAddr),
			Name:   name,
			Type:   typ,
		})
	}

	fs.nextHandle++
	op.Handle = fs.nextHandle
	fs.dirHandles[op.Handle] = &dirHandle{entries: entries}
	return nil
}

func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dh, ok := fs.dirHandles[op.Handle]
	if !ok {
		return syscall.EBADF
	}

	idx := int(op.Offset)
	n := 0
	for idx < len(dh.entries) {
		written := fuseutil.WriteDirent(op.Dst[n:], dh.entries[idx])
		if written == 0 {
			break
		}
		n += written
		idx++
	}
	op.BytesRead = n
	return nil
}

func (fs *fileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.dirHandles, op.Handle)
	return nil
}

func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p := fs.pathOf(op.Inode)

	flags := op.OpenFlags
	mode := containerfs.ModeReadOnly
	switch {
	case flags&unix.O_RDWR != 0:
		mode = containerfs.ModeReadWrite
	case flags&unix.O_WRONLY != 0:
		mode = containerfs.ModeWriteOnly
	}
	trunc := flags&unix.O_TRUNC != 0

	id, err := fs.core.OpenFile(p, mode, trunc)
	if err != nil {
		return toErrno(err)
	}

	fs.nextHandle++
	op.Handle = fs.nextHandle
	fs.fileHandles[op.Handle] = id
	return nil
}

func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	id, ok := fs.fileHandles[op.Handle]
	if !ok {
		return syscall.EBADF
	}

	n, err := fs.core.Read(id, op.Dst, uint32(op.Offset))
	op.BytesRead = n
	if err == io.EOF {
		return nil
	}
	return toErrno(err)
}

func (fs *fileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	id, ok := fs.fileHandles[op.Handle]
	if !ok {
		return syscall.EBADF
	}

	_, err := fs.core.Write(id, op.Data, uint32(op.Offset))
	return toErrno(err)
}

func (fs *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *fileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	id, ok := fs.fileHandles[op.Handle]
	if !ok {
		return nil
	}
	delete(fs.fileHandles, op.Handle)
	return toErrno(fs.core.CloseHandle(id))
}

func (fs *fileSystem) Destroy() {
	fs.log.Info("fuse destroy")
}
