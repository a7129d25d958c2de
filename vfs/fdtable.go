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

// FD is a per-client file descriptor, an index into that client's
// fdTable (spec §3/§4.D). It carries no meaning across clients.
type FD int32

// File is an open file: a Node plus the cursor and permission bits
// that survive for as long as the descriptor is open. Two FDs
// produced by Dup share the same *File (and therefore the same
// cursor), matching the "dup shares position" testable property of
// spec §8.
type File struct {
	mu sync.Mutex

	node *Node
	pos  uint64
	perm Permissions

	refcount int // number of FDs (across dup) referencing this File
}

func (f *File) Node() *Node { return f.node }

// Pos returns the current file position.
func (f *File) Pos() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

// SetPos sets the current file position, used by seek and after a
// successful read/write advances it.
func (f *File) SetPos(p uint64) {
	f.mu.Lock()
	f.pos = p
	f.mu.Unlock()
}

// Perm returns the permission bits granted at open/walk time.
func (f *File) Perm() Permissions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perm
}

// SetPerm updates the permission bits, used by Open2 to reopen an
// already-walked descriptor under a different mode.
func (f *File) SetPerm(p Permissions) {
	f.mu.Lock()
	f.perm = p
	f.mu.Unlock()
}

// fdTable is the per-client descriptor table (component D). Slot
// allocation always picks the lowest free index, matching the
// Unix/HelenOS convention the spec's fd_alloc is modeled on.
type fdTable struct {
	mu    sync.Mutex
	slots []*File // nil entry = free slot
}

func newFDTable() *fdTable {
	return &fdTable{}
}

// Alloc reserves the lowest free slot without binding a File to it
// yet, mirroring fd_alloc's separate allocate-then-assign protocol
// (used by walk's multi-step open sequence, spec §4.D).
func (t *fdTable) Alloc() FD {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			return FD(i)
		}
	}
	t.slots = append(t.slots, nil)
	return FD(len(t.slots) - 1)
}

// Assign binds fd to f. fd must have come from Alloc and not yet be
// bound.
func (t *fdTable) Assign(fd FD, f *File) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(fd) < 0 || int(fd) >= len(t.slots) {
		return vfserr.New("fd_assign", vfserr.KindInvalidArgument)
	}
	t.slots[fd] = f
	return nil
}

// Free releases fd, returning the File that was bound to it (nil if
// it was never assigned). The caller is responsible for dropping the
// File's own refcount and, at zero, putting its Node back.
func (t *fdTable) Free(fd FD) *File {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(fd) < 0 || int(fd) >= len(t.slots) {
		return nil
	}
	f := t.slots[fd]
	t.slots[fd] = nil
	for len(t.slots) > 0 && t.slots[len(t.slots)-1] == nil {
		t.slots = t.slots[:len(t.slots)-1]
	}
	return f
}

// Get returns the File bound to fd.
func (t *fdTable) Get(fd FD) (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(fd) < 0 || int(fd) >= len(t.slots) || t.slots[fd] == nil {
		return nil, vfserr.New("fd_get", vfserr.KindInvalidArgument)
	}
	return t.slots[fd], nil
}

// Dup binds newFD to the same File as oldFD, incrementing its
// refcount so both descriptors share one cursor, and returns the File
// that newFD was previously bound to (nil if it was free), which the
// caller (Client.Dup) is responsible for releasing exactly like a
// close (spec §4.F dup: "fd_free(newfd) (ignore result),
// fd_assign(old, newfd)"). If newFD is negative, a fresh lowest-free
// slot is allocated instead (the VFS_IN_DUP caller passes newfd = -1
// to mean "pick one for me").
func (t *fdTable) Dup(oldFD, newFD FD) (FD, *File, error) {
	t.mu.Lock()
	if int(oldFD) < 0 || int(oldFD) >= len(t.slots) || t.slots[oldFD] == nil {
		t.mu.Unlock()
		return -1, nil, vfserr.New("dup", vfserr.KindInvalidArgument)
	}
	f := t.slots[oldFD]
	f.mu.Lock()
	f.refcount++
	f.mu.Unlock()
	t.mu.Unlock()

	var displaced *File
	if newFD < 0 {
		newFD = t.Alloc()
	} else {
		displaced = t.Free(newFD)
		for int(newFD) >= len(t.slots) {
			t.mu.Lock()
			t.slots = append(t.slots, nil)
			t.mu.Unlock()
		}
	}
	if err := t.Assign(newFD, f); err != nil {
		return -1, nil, err
	}
	return newFD, displaced, nil
}
