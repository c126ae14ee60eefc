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

package main

import (
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"mei.dev/mei/pkg/memarch"
)

// layout describes a memory snapshot:
//
//	[memory]
//	snapshot = "ram.bin"      # raw dump of physical memory
//	base = 0x4000_0000        # physical address of its first byte
//
//	[translation]
//	root = 0x4008_0000        # level 0 table of the tree to walk
type layout struct {
	Memory struct {
		Snapshot string `toml:"snapshot"`
		Base     uint64 `toml:"base"`
	} `toml:"memory"`
	Translation struct {
		Root uint64 `toml:"root"`
	} `toml:"translation"`
}

// loadLayout parses a layout file. The snapshot path is taken relative
// to the layout file's directory.
func loadLayout(path string) (*layout, error) {
	var l layout
	if _, err := toml.DecodeFile(path, &l); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if l.Memory.Snapshot == "" {
		return nil, fmt.Errorf("%s: memory.snapshot is required", path)
	}
	if !filepath.IsAbs(l.Memory.Snapshot) {
		l.Memory.Snapshot = filepath.Join(filepath.Dir(path), l.Memory.Snapshot)
	}
	return &l, nil
}

func (l *layout) base() memarch.PhysicalAddress {
	return memarch.PhysicalAddress(l.Memory.Base)
}

func (l *layout) root() memarch.PhysicalAddress {
	return memarch.PhysicalAddress(l.Translation.Root)
}
