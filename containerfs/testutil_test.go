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
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newTestContainer creates a fresh on-disk container of the given capacity
// and opens it for direct access to the package-internal primitives, the
// way alloc_test.go and dir_test.go exercise the allocator and directory
// engine without going through the FUSE-facing FS type.
func newTestContainer(t *testing.T, capacity int64) (*Container, *Allocator, uint32) {
	t.Helper()

	path := filepath.Join(t.TempDir(), uuid.NewString()+".img")
	require.NoError(t, CreateContainer(path, capacity))

	c, err := OpenContainer(path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	rootAddr, err := c.ReadU32(rootAddrOff)
	require.NoError(t, err)
	freeHead, err := c.ReadU32(freeHeadOff)
	require.NoError(t, err)

	return c, NewAllocator(c, freeHead), rootAddr
}
