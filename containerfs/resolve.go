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

import "strings"

// Resolver maps absolute paths to node head addresses, caching every
// successful lookup. The cache is never evicted by time or size; the
// one invalidation this package performs is explicit: any mutation that
// removes a node drops every cache entry for that path and everything
// nested under it, so a later remove-then-recreate at the same path
// can't return a stale address.
type Resolver struct {
	cache map[string]uint32
}

// NewResolver returns an empty path resolver.
func NewResolver() *Resolver {
	return &Resolver{cache: make(map[string]uint32)}
}

func normalize(path string) string {
	if path == "/" {
		return "/"
	}
	return strings.TrimRight(path, "/")
}

// Resolve walks path from the root, consulting and populating the cache
// along the way. path must be absolute.
func (r *Resolver) Resolve(c *Container, rootAddr uint32, path string) (uint32, error) {
	if len(path) == 0 || path[0] != '/' {
		return 0, newErr("Resolve", KindInvalid)
	}

	norm := normalize(path)
	if norm == "/" || norm == "" {
		return rootAddr, nil
	}

	if addr, ok := r.cache[norm]; ok {
		return addr, nil
	}

	idx := strings.LastIndexByte(norm, '/')
	parentPath := norm[:idx]
	if parentPath == "" {
		parentPath = "/"
	}
	final := norm[idx+1:]

	parentAddr, err := r.Resolve(c, rootAddr, parentPath)
	if err != nil {
		return 0, err
	}

	parentHeader, err := readNodeHeader(c, parentAddr)
	if err != nil {
		return 0, err
	}
	if !parentHeader.IsDir() {
		return 0, newErr("Resolve", KindNotDir)
	}
	if parentHeader.Perm()&0o100 == 0 {
		return 0, newErr("Resolve", KindPermissionDenied)
	}

	childAddr, err := dirScan(c, parentAddr, final)
	if err != nil {
		return 0, err
	}

	r.cache[norm] = childAddr
	return childAddr, nil
}

// Invalidate drops the cache entry for path and every entry nested under
// it (i.e. every key equal to path or having path+"/" as a prefix). Call
// this after removing or overwriting a node at path.
func (r *Resolver) Invalidate(path string) {
	norm := normalize(path)
	prefix := norm
	if prefix != "/" {
		prefix += "/"
	}
	for k := range r.cache {
		if k == norm || strings.HasPrefix(k, prefix) {
			delete(r.cache, k)
		}
	}
}

// Forget drops every cache entry, used when remounting.
func (r *Resolver) Forget() {
	r.cache = make(map[string]uint32)
}
