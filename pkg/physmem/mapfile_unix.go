// Copyright 2026 The Mei Authors.
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

//go:build unix

package physmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"mei.dev/mei/pkg/memarch"
)

// MapFile maps the memory snapshot at path read-only and wraps it as an
// arena based at base. The returned cleanup unmaps it.
func MapFile(base memarch.PhysicalAddress, path string) (*Arena, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close() // The mapping keeps the pages alive.

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := info.Size()
	if size == 0 {
		return ArenaFromBytes(base, nil), func() error { return nil }, nil
	}
	if size > int64(^uint(0)>>1) {
		return nil, nil, fmt.Errorf("physmem: snapshot too large to map (%d bytes)", size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("physmem: mmap %s: %w", path, err)
	}
	cleanup := func() error {
		return unix.Munmap(data)
	}
	return ArenaFromBytes(base, data), cleanup, nil
}
