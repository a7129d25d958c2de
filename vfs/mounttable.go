/*
Copyright 2026 The Helenos VFS Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vfs

import (
	"sync"

	"github.com/dusxmt/helenos/vfserr"
)

// MountEntry is one row of the mount table (spec §3). The root mount,
// if present, has a zero MountPoint triplet and is referenced only by
// the broker's root pointer, not by this table.
type MountEntry struct {
	MountPoint     Triplet // in the parent FS; zero for the root mount
	MountedRoot    Triplet // in the child FS
	MountPointPath string  // display only
	Options        string  // display only
	FSName         string  // display only
	Instance       uint32
	ServiceID      ServiceID
}

// MountTable maps mount-point triplets to mounted-root triplets, and
// supports the reverse lookup by mounted-root needed when a resolve
// ascends past a mount point via "..".
type MountTable struct {
	mu          sync.Mutex
	byMountPt   map[Triplet]*MountEntry
	byMountedRt map[Triplet]*MountEntry
}

// NewMountTable constructs an empty mount table.
func NewMountTable() *MountTable {
	return &MountTable{
		byMountPt:   make(map[Triplet]*MountEntry),
		byMountedRt: make(map[Triplet]*MountEntry),
	}
}

// Add installs a new mount-table entry, failing with KindBusy if mp
// is already a mount point (spec §4.B).
func (t *MountTable) Add(e MountEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byMountPt[e.MountPoint]; ok {
		return vfserr.New("mount_add", vfserr.KindBusy)
	}
	entry := e
	t.byMountPt[e.MountPoint] = &entry
	t.byMountedRt[e.MountedRoot] = &entry
	return nil
}

// Remove drops the mount-table entry for mount point mp.
func (t *MountTable) Remove(mp Triplet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byMountPt[mp]; ok {
		delete(t.byMountPt, mp)
		delete(t.byMountedRt, e.MountedRoot)
	}
}

// Lookup returns the mounted-root triplet for mount-point triplet mp,
// consulted by the resolver after every path component (spec §4.B).
func (t *MountTable) Lookup(mp Triplet) (Triplet, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byMountPt[mp]
	if !ok {
		return Triplet{}, false
	}
	return e.MountedRoot, true
}

// ReverseLookup returns the mount-point entry whose mounted root is
// mr, used to ascend past a mount point at "..".
func (t *MountTable) ReverseLookup(mr Triplet) (*MountEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byMountedRt[mr]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Entries returns a snapshot of every mount-table row, ordered by
// insertion is not guaranteed; callers needing mtab ordering should
// sort on the fields they care about.
func (t *MountTable) Entries() []MountEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MountEntry, 0, len(t.byMountPt))
	for _, e := range t.byMountPt {
		out = append(out, *e)
	}
	return out
}
