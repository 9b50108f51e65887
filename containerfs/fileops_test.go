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

package containerfs_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-cfuse/containerfuse/containerfs"
)

func TestMkFile_CreatesRegularFileAndDirectory(t *testing.T) {
	fs := newMountedFS(t, 64*1024)

	fileAddr, err := fs.MkFile("/a.txt", containerfs.TypeRegular|0o644)
	require.NoError(t, err)
	attr, err := fs.AttrAt(fileAddr)
	require.NoError(t, err)
	require.Equal(t, uint32(0), attr.Size)
	require.Equal(t, uint16(1), attr.NLink)

	_, err = fs.MkFile("/sub", containerfs.TypeDirectory|0o755)
	require.NoError(t, err)

	rootAttr, err := fs.GetAttr("/")
	require.NoError(t, err)
	require.Equal(t, uint16(3), rootAttr.NLink, "root nlink should grow for a new subdirectory, not for a plain file")

	names, err := fs.ListDir("/")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{".", "..", "a.txt", "sub"}, names)
}

func TestMkFile_RejectsDuplicateAndBadParent(t *testing.T) {
	fs := newMountedFS(t, 64*1024)

	_, err := fs.MkFile("/a", containerfs.TypeRegular|0o644)
	require.NoError(t, err)
	_, err = fs.MkFile("/a", containerfs.TypeRegular|0o644)
	require.True(t, containerfs.Is(err, containerfs.KindExists))

	_, err = fs.MkFile("/missing-parent/child", containerfs.TypeRegular|0o644)
	require.Error(t, err)

	_, err = fs.MkFile("/a/child", containerfs.TypeRegular|0o644)
	require.True(t, containerfs.Is(err, containerfs.KindNotDir))
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := newMountedFS(t, 256*1024)

	_, err := fs.MkFile("/f", containerfs.TypeRegular|0o644)
	require.NoError(t, err)

	h, err := fs.OpenFile("/f", containerfs.ModeReadWrite, false)
	require.NoError(t, err)

	data := bytes.Repeat([]byte("containerfs"), 1000)
	n, err := fs.Write(h, data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	buf := make([]byte, len(data))
	n, err = fs.Read(h, buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.True(t, bytes.Equal(data, buf))

	require.NoError(t, fs.CloseHandle(h))

	attr, err := fs.GetAttr("/f")
	require.NoError(t, err)
	require.Equal(t, uint32(len(data)), attr.Size)
}

func TestWrite_PastEOFGrowsFile(t *testing.T) {
	fs := newMountedFS(t, 256*1024)

	_, err := fs.MkFile("/f", containerfs.TypeRegular|0o644)
	require.NoError(t, err)
	h, err := fs.OpenFile("/f", containerfs.ModeReadWrite, false)
	require.NoError(t, err)

	n, err := fs.Write(h, []byte("tail"), 5000)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	buf := make([]byte, 10)
	n, err = fs.Read(h, buf, 5000)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "tail", string(buf[:4]))

	// The region between the old EOF and the write offset must read as
	// zero, per the zero-fill-on-grow guarantee.
	gap := make([]byte, 100)
	n, err = fs.Read(h, gap, 10)
	require.NoError(t, err)
	for _, b := range gap[:n] {
		require.Zero(t, b)
	}
}

func TestTruncate_ShrinkFreesTailAndResetsHandles(t *testing.T) {
	fs := newMountedFS(t, 256*1024)

	_, err := fs.MkFile("/f", containerfs.TypeRegular|0o644)
	require.NoError(t, err)
	h, err := fs.OpenFile("/f", containerfs.ModeReadWrite, false)
	require.NoError(t, err)

	data := bytes.Repeat([]byte("x"), 10000)
	_, err = fs.Write(h, data, 0)
	require.NoError(t, err)

	require.NoError(t, fs.FTruncate(h, 50))

	attr, err := fs.GetAttr("/f")
	require.NoError(t, err)
	require.Equal(t, uint32(50), attr.Size)

	buf := make([]byte, 50)
	n, err := fs.Read(h, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 50, n)
	require.Equal(t, bytes.Repeat([]byte("x"), 50), buf)

	// Reading past the new EOF returns nothing, not an error.
	n, err = fs.Read(h, buf, 50)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTruncate_GrowThenShrinkToZeroIsIdempotent(t *testing.T) {
	fs := newMountedFS(t, 256*1024)

	addr, err := fs.MkFile("/f", containerfs.TypeRegular|0o644)
	require.NoError(t, err)

	require.NoError(t, fs.Truncate(addr, 9000))
	attr, err := fs.AttrAt(addr)
	require.NoError(t, err)
	require.Equal(t, uint32(9000), attr.Size)

	require.NoError(t, fs.Truncate(addr, 0))
	attr, err = fs.AttrAt(addr)
	require.NoError(t, err)
	require.Equal(t, uint32(0), attr.Size)

	// Truncating to the same size is a no-op that still succeeds.
	require.NoError(t, fs.Truncate(addr, 0))
}

func TestRmFile_BusyWhileOpen(t *testing.T) {
	fs := newMountedFS(t, 64*1024)

	_, err := fs.MkFile("/f", containerfs.TypeRegular|0o644)
	require.NoError(t, err)
	h, err := fs.OpenFile("/f", containerfs.ModeReadOnly, false)
	require.NoError(t, err)

	err = fs.RmFile("/f", false)
	require.True(t, containerfs.Is(err, containerfs.KindBusy))

	require.NoError(t, fs.CloseHandle(h))
	require.NoError(t, fs.RmFile("/f", false))

	_, err = fs.GetAttr("/f")
	require.True(t, containerfs.Is(err, containerfs.KindNoSuchEntry))
}

func TestRmFile_DirectoryMustBeEmpty(t *testing.T) {
	fs := newMountedFS(t, 64*1024)

	_, err := fs.MkFile("/d", containerfs.TypeDirectory|0o755)
	require.NoError(t, err)
	_, err = fs.MkFile("/d/child", containerfs.TypeRegular|0o644)
	require.NoError(t, err)

	err = fs.RmFile("/d", true)
	require.True(t, containerfs.Is(err, containerfs.KindNotEmpty))

	require.NoError(t, fs.RmFile("/d/child", false))
	require.NoError(t, fs.RmFile("/d", true))
}

func TestReadDirEntry_StreamsThenEOF(t *testing.T) {
	fs := newMountedFS(t, 64*1024)

	_, err := fs.MkFile("/a", containerfs.TypeRegular|0o644)
	require.NoError(t, err)
	_, err = fs.MkFile("/b", containerfs.TypeRegular|0o644)
	require.NoError(t, err)

	h, err := fs.OpenDir("/")
	require.NoError(t, err)

	var names []string
	for {
		name, err := fs.ReadDirEntry(h)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, name)
	}
	require.NoError(t, fs.CloseHandle(h))
	require.ElementsMatch(t, []string{".", "..", "a", "b"}, names)
}

func TestAccess_ChecksPermissionBits(t *testing.T) {
	fs := newMountedFS(t, 64*1024)

	_, err := fs.MkFile("/f", containerfs.TypeRegular|0o400)
	require.NoError(t, err)

	require.NoError(t, fs.Access("/f", containerfs.AccessMask(4)))
	err = fs.Access("/f", containerfs.AccessMask(2))
	require.True(t, containerfs.Is(err, containerfs.KindPermissionDenied))

	require.NoError(t, fs.ChMod("/f", 0o600))
	require.NoError(t, fs.Access("/f", containerfs.AccessMask(2)))
}

func TestUTime_UpdatesMTime(t *testing.T) {
	fs := newMountedFS(t, 64*1024)

	_, err := fs.MkFile("/f", containerfs.TypeRegular|0o644)
	require.NoError(t, err)

	require.NoError(t, fs.UTime("/f", 0, 424242))
	attr, err := fs.GetAttr("/f")
	require.NoError(t, err)
	require.Equal(t, uint32(424242), attr.MTime)
}

func TestHandles_AreIsolatedPerOpen(t *testing.T) {
	fs := newMountedFS(t, 64*1024)

	_, err := fs.MkFile("/f", containerfs.TypeRegular|0o644)
	require.NoError(t, err)

	h1, err := fs.OpenFile("/f", containerfs.ModeReadWrite, false)
	require.NoError(t, err)
	h2, err := fs.OpenFile("/f", containerfs.ModeReadWrite, false)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	_, err = fs.Write(h1, []byte("hello"), 0)
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := fs.Read(h2, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	require.NoError(t, fs.CloseHandle(h1))
	require.NoError(t, fs.CloseHandle(h2))
}
