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

//go:build !unix

package physmem

import (
	"os"

	"mei.dev/mei/pkg/memarch"
)

// MapFile reads the memory snapshot at path into an arena based at
// base. On platforms without mmap the whole file is read into memory.
func MapFile(base memarch.PhysicalAddress, path string) (*Arena, func() error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return ArenaFromBytes(base, data), func() error { return nil }, nil
}
