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

func TestHandleTable_OpenReleaseReusesLowestSlot(t *testing.T) {
	tbl := NewHandleTable()

	id0, err := tbl.Open(&Cursor{NodeHead: 1})
	require.NoError(t, err)
	id1, err := tbl.Open(&Cursor{NodeHead: 2})
	require.NoError(t, err)
	require.Equal(t, 0, id0)
	require.Equal(t, 1, id1)
	require.Equal(t, 2, tbl.Len())

	require.NoError(t, tbl.Release(id0))
	require.Equal(t, 1, tbl.Len())

	id2, err := tbl.Open(&Cursor{NodeHead: 3})
	require.NoError(t, err)
	require.Equal(t, 0, id2, "freed slot should be reused before growing")
}

func TestHandleTable_GetOnFreeSlotFails(t *testing.T) {
	tbl := NewHandleTable()
	id, err := tbl.Open(&Cursor{NodeHead: 1})
	require.NoError(t, err)
	require.NoError(t, tbl.Release(id))

	_, err = tbl.Get(id)
	require.True(t, Is(err, KindBadHandle))
}

func TestHandleTable_AnyOpenOnAndForEach(t *testing.T) {
	tbl := NewHandleTable()
	_, err := tbl.Open(&Cursor{NodeHead: 100})
	require.NoError(t, err)
	_, err = tbl.Open(&Cursor{NodeHead: 200})
	require.NoError(t, err)

	require.True(t, tbl.AnyOpenOn(100))
	require.False(t, tbl.AnyOpenOn(300))

	var seen []uint32
	tbl.ForEachOpenOn(100, func(c *Cursor) { seen = append(seen, c.NodeHead) })
	require.Equal(t, []uint32{100}, seen)
}

func TestSetPosition_WalksForwardAcrossBlocks(t *testing.T) {
	c, a, _ := newTestContainer(t, 32*1024)

	head, err := a.Allocate(RegBlockSize)
	require.NoError(t, err)
	cont, err := a.Allocate(RegBlockSize)
	require.NoError(t, err)
	require.NoError(t, writeBlockHeader(c, head, RegBlockSize, cont))
	require.NoError(t, writeBlockHeader(c, cont, RegBlockSize, 0))

	cur, err := newCursorAt(c, head, true, RegBlockSize*2, 0)
	require.NoError(t, err)

	headCap := RegBlockSize - (payloadStart(head, false) - head)
	require.NoError(t, setPosition(c, cur, headCap+5))
	require.Equal(t, cont, cur.BlockOff)
	require.Equal(t, contPayloadStart(cont)+5, cur.Pos)
}

func TestSetPosition_ResetsToHeadWhenSeekingBackward(t *testing.T) {
	c, a, _ := newTestContainer(t, 32*1024)

	head, err := a.Allocate(RegBlockSize)
	require.NoError(t, err)
	cont, err := a.Allocate(RegBlockSize)
	require.NoError(t, err)
	require.NoError(t, writeBlockHeader(c, head, RegBlockSize, cont))
	require.NoError(t, writeBlockHeader(c, cont, RegBlockSize, 0))

	cur, err := newCursorAt(c, head, true, RegBlockSize*2, 0)
	require.NoError(t, err)

	headCap := RegBlockSize - (payloadStart(head, false) - head)
	require.NoError(t, setPosition(c, cur, headCap+5))
	require.NoError(t, setPosition(c, cur, 3))
	require.Equal(t, head, cur.BlockOff)
}
