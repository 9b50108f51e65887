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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeHeader_RoundTrip(t *testing.T) {
	c, _, root := newTestContainer(t, 16*1024)

	want := NodeHeader{MTime: 12345, NLink: 3, Mode: TypeRegular | 0o640}
	require.NoError(t, writeNodeHeader(c, root, want))

	got, err := readNodeHeader(c, root)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.True(t, got.IsRegular())
	require.False(t, got.IsDir())
	require.Equal(t, uint16(0o640), got.Perm())
}

func TestFileSize_RoundTrip(t *testing.T) {
	c, a, _ := newTestContainer(t, 16*1024)

	addr, err := a.Allocate(RegBlockSize)
	require.NoError(t, err)
	require.NoError(t, writeFileSize(c, addr, 4096))

	got, err := readFileSize(c, addr)
	require.NoError(t, err)
	require.Equal(t, uint32(4096), got)
}

func TestIterateBlocks_WalksWholeChain(t *testing.T) {
	c, a, _ := newTestContainer(t, 32*1024)

	head, err := a.Allocate(RegBlockSize)
	require.NoError(t, err)
	cont1, err := a.Allocate(RegBlockSize)
	require.NoError(t, err)
	cont2, err := a.Allocate(RegBlockSize)
	require.NoError(t, err)

	require.NoError(t, writeBlockHeader(c, head, RegBlockSize, cont1))
	require.NoError(t, writeBlockHeader(c, cont1, RegBlockSize, cont2))
	require.NoError(t, writeBlockHeader(c, cont2, RegBlockSize, 0))

	var seen []uint32
	err = iterateBlocks(c, head, false, func(e blockExtent) (bool, error) {
		seen = append(seen, e.Offset)
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint32{head, cont1, cont2}, seen)
}

func TestIterateBlocks_StopsEarly(t *testing.T) {
	c, a, _ := newTestContainer(t, 32*1024)

	head, err := a.Allocate(RegBlockSize)
	require.NoError(t, err)
	cont, err := a.Allocate(RegBlockSize)
	require.NoError(t, err)
	require.NoError(t, writeBlockHeader(c, head, RegBlockSize, cont))
	require.NoError(t, writeBlockHeader(c, cont, RegBlockSize, 0))

	n := 0
	err = iterateBlocks(c, head, false, func(blockExtent) (bool, error) {
		n++
		return false, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLocateOffset_CrossesContinuationBoundary(t *testing.T) {
	c, a, _ := newTestContainer(t, 32*1024)

	head, err := a.Allocate(RegBlockSize)
	require.NoError(t, err)
	cont, err := a.Allocate(RegBlockSize)
	require.NoError(t, err)
	require.NoError(t, writeBlockHeader(c, head, RegBlockSize, cont))
	require.NoError(t, writeBlockHeader(c, cont, RegBlockSize, 0))

	headCap := RegBlockSize - (payloadStart(head, false) - head)

	ext, inBlockPos, err := locateOffset(c, head, headCap+10)
	require.NoError(t, err)
	require.Equal(t, cont, ext.Offset)
	require.Equal(t, uint32(10), inBlockPos)
}
