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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func mkRegChild(t *testing.T, c *Container, a *Allocator) uint32 {
	t.Helper()
	addr, err := a.Allocate(RegBlockSize)
	require.NoError(t, err)
	require.NoError(t, writeBlockHeader(c, addr, RegBlockSize, 0))
	require.NoError(t, writeNodeHeader(c, addr, NodeHeader{MTime: 1, NLink: 1, Mode: TypeRegular | 0o644}))
	require.NoError(t, writeFileSize(c, addr, 0))
	return addr
}

func TestDir_InsertScanRoundTrip(t *testing.T) {
	c, a, root := newTestContainer(t, 64*1024)

	child := mkRegChild(t, c, a)
	require.NoError(t, dirInsert(c, a, root, "a.txt", child))

	got, err := dirScan(c, root, "a.txt")
	require.NoError(t, err)
	require.Equal(t, child, got)

	_, err = dirScan(c, root, "missing")
	require.Error(t, err)
	require.True(t, Is(err, KindNoSuchEntry))
}

func TestDir_InsertRejectsDuplicateName(t *testing.T) {
	c, a, root := newTestContainer(t, 64*1024)

	child := mkRegChild(t, c, a)
	require.NoError(t, dirInsert(c, a, root, "dup", child))

	other := mkRegChild(t, c, a)
	err := dirInsert(c, a, root, "dup", other)
	require.Error(t, err)
	require.True(t, Is(err, KindExists))
}

func TestDir_InsertGrowsContinuationBlock(t *testing.T) {
	c, a, root := newTestContainer(t, 256*1024)

	// DirBlockSize is 1024 bytes; names long enough to force the head block
	// to fill up and a continuation block to be allocated.
	n := 0
	for {
		child := mkRegChild(t, c, a)
		name := fmt.Sprintf("entry-with-a-fairly-long-name-%04d", n)
		require.NoError(t, dirInsert(c, a, root, name, child))
		n++

		rootHeader, err := readNodeHeader(c, root)
		require.NoError(t, err)
		_, link, err := readBlockHeader(c, root)
		require.NoError(t, err)
		_ = rootHeader
		if link != 0 {
			break
		}
		require.Less(t, n, 200, "never grew a continuation block")
	}

	entries, err := dirList(c, root)
	require.NoError(t, err)
	// "." and ".." plus every inserted child.
	require.Equal(t, n+2, len(entries))
}

func TestDir_DeleteCompactsBlock(t *testing.T) {
	c, a, root := newTestContainer(t, 64*1024)

	first := mkRegChild(t, c, a)
	second := mkRegChild(t, c, a)
	require.NoError(t, dirInsert(c, a, root, "first", first))
	require.NoError(t, dirInsert(c, a, root, "second", second))

	isDir := false
	removed, err := dirDelete(c, a, root, "first", &isDir)
	require.NoError(t, err)
	require.Equal(t, first, removed)

	_, err = dirScan(c, root, "first")
	require.True(t, Is(err, KindNoSuchEntry))

	stillThere, err := dirScan(c, root, "second")
	require.NoError(t, err)
	require.Equal(t, second, stillThere)
}

func TestDir_DeleteFreesRegularFileAtZeroLinks(t *testing.T) {
	c, a, root := newTestContainer(t, 64*1024)

	child := mkRegChild(t, c, a)
	require.NoError(t, dirInsert(c, a, root, "f", child))

	before, err := a.FreeBytes()
	require.NoError(t, err)

	isDir := false
	_, err = dirDelete(c, a, root, "f", &isDir)
	require.NoError(t, err)

	after, err := a.FreeBytes()
	require.NoError(t, err)
	require.Equal(t, before+RegBlockSize, after)
}

func TestDir_DeleteRejectsNonEmptyDirectory(t *testing.T) {
	c, a, root := newTestContainer(t, 64*1024)

	sub, err := a.Allocate(DirBlockSize)
	require.NoError(t, err)
	require.NoError(t, writeBlockHeader(c, sub, DirBlockSize, 0))
	require.NoError(t, writeNodeHeader(c, sub, NodeHeader{MTime: 1, NLink: 2, Mode: TypeDirectory | 0o755}))
	require.NoError(t, initEmptyDir(c, sub, root))
	require.NoError(t, dirInsert(c, a, root, "sub", sub))

	grandchild := mkRegChild(t, c, a)
	require.NoError(t, dirInsert(c, a, sub, "nested", grandchild))

	isDir := true
	_, err = dirDelete(c, a, root, "sub", &isDir)
	require.Error(t, err)
	require.True(t, Is(err, KindNotEmpty))
}

func TestDir_WantDirMismatch(t *testing.T) {
	c, a, root := newTestContainer(t, 64*1024)

	child := mkRegChild(t, c, a)
	require.NoError(t, dirInsert(c, a, root, "plain", child))

	wantDir := true
	_, err := dirDelete(c, a, root, "plain", &wantDir)
	require.True(t, Is(err, KindNotDir))
}

func TestDir_IsEmptyCountsOnlyDotEntries(t *testing.T) {
	c, a, root := newTestContainer(t, 64*1024)

	empty, err := dirIsEmpty(c, root)
	require.NoError(t, err)
	require.True(t, empty)

	child := mkRegChild(t, c, a)
	require.NoError(t, dirInsert(c, a, root, "x", child))

	empty, err = dirIsEmpty(c, root)
	require.NoError(t, err)
	require.False(t, empty)
}
