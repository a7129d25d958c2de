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

// Package memfs is an in-memory file-system server: a tmpfs-like
// vfs.FSServer implementation used by the vfsd demo binary and by the
// vfs package's own tests, standing in for an out-of-scope real
// server such as ext4 or FAT.
package memfs

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"go4.org/syncutil"

	"github.com/dusxmt/helenos/vfs"
	"github.com/dusxmt/helenos/vfserr"
)

type inode struct {
	mu       sync.Mutex
	index    vfs.Index
	typ      vfs.NodeType
	data     []byte
	children map[string]vfs.Index // valid for directories only
	mounted  bool                 // true while something is grafted here
}

func (n *inode) size() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ == vfs.TypeDirectory {
		return uint64(len(n.children))
	}
	return uint64(len(n.data))
}

// FS is one instance of the in-memory server, hosting a single
// serviceID. A process may register several FS values under distinct
// service IDs with the same vfs.Registry.
type FS struct {
	mu       sync.Mutex
	nodes    map[vfs.Index]*inode
	nextIdx  vfs.Index
	rootIdx  vfs.Index
	service  vfs.ServiceID
	mountOps int // not updated by Mount or Unmount, and not read anywhere
}

// New creates an empty in-memory file system (just a root directory)
// bound to serviceID.
func New(serviceID vfs.ServiceID) *FS {
	fs := &FS{
		nodes:   make(map[vfs.Index]*inode),
		nextIdx: 1,
		service: serviceID,
	}
	root := fs.alloc(vfs.TypeDirectory)
	fs.rootIdx = root.index
	return fs
}

func (fs *FS) alloc(typ vfs.NodeType) *inode {
	idx := fs.nextIdx
	fs.nextIdx++
	n := &inode{index: idx, typ: typ}
	if typ == vfs.TypeDirectory {
		n.children = make(map[string]vfs.Index)
	}
	fs.nodes[idx] = n
	return n
}

func (fs *FS) get(idx vfs.Index) (*inode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[idx]
	if !ok {
		return nil, vfserr.New("memfs", vfserr.KindNotFound)
	}
	return n, nil
}

func (fs *FS) checkService(serviceID vfs.ServiceID) error {
	if serviceID != fs.service {
		return vfserr.New("memfs", vfserr.KindInvalidArgument)
	}
	return nil
}

// Lookup implements vfs.FSServer.
func (fs *FS) Lookup(ctx context.Context, serviceID vfs.ServiceID, parentIndex vfs.Index, name string, flags vfs.LookupFlags) (vfs.LookupResult, error) {
	if err := fs.checkService(serviceID); err != nil {
		return vfs.LookupResult{}, err
	}
	parent, err := fs.get(parentIndex)
	if err != nil {
		return vfs.LookupResult{}, err
	}

	if name == ".." {
		// A standalone in-memory tree has no parent above its own
		// root; ".." at any directory is a no-op that returns the
		// directory itself, matching a single-FS in-process server
		// with no notion of its own ancestry.
		return vfs.LookupResult{
			Triplet: vfs.Triplet{ServiceID: serviceID, Index: parent.index},
			Size:    parent.size(),
			Type:    parent.typ,
		}, nil
	}

	parent.mu.Lock()
	if parent.typ != vfs.TypeDirectory {
		parent.mu.Unlock()
		return vfs.LookupResult{}, vfserr.New("lookup", vfserr.KindInvalidArgument)
	}
	childIdx, exists := parent.children[name]
	parent.mu.Unlock()

	if !exists {
		if flags&vfs.LCreate == 0 {
			return vfs.LookupResult{}, vfserr.New("lookup", vfserr.KindNotFound)
		}
		typ := vfs.TypeRegular
		if flags&vfs.LDirectory != 0 {
			typ = vfs.TypeDirectory
		}
		fs.mu.Lock()
		child := fs.alloc(typ)
		fs.mu.Unlock()

		parent.mu.Lock()
		parent.children[name] = child.index
		parent.mu.Unlock()

		return vfs.LookupResult{
			Triplet: vfs.Triplet{ServiceID: serviceID, Index: child.index},
			Size:    child.size(),
			Type:    child.typ,
		}, nil
	}

	if exists && flags&vfs.LCreate != 0 && flags&vfs.LExclusive != 0 {
		return vfs.LookupResult{}, vfserr.New("lookup", vfserr.KindInvalidArgument)
	}

	child, err := fs.get(childIdx)
	if err != nil {
		return vfs.LookupResult{}, err
	}
	if flags&vfs.LFile != 0 && child.typ != vfs.TypeRegular {
		return vfs.LookupResult{}, vfserr.New("lookup", vfserr.KindInvalidArgument)
	}
	if flags&vfs.LDirectory != 0 && child.typ != vfs.TypeDirectory {
		return vfs.LookupResult{}, vfserr.New("lookup", vfserr.KindInvalidArgument)
	}

	if flags&vfs.LUnlink != 0 {
		parent.mu.Lock()
		delete(parent.children, name)
		parent.mu.Unlock()
	}

	return vfs.LookupResult{
		Triplet: vfs.Triplet{ServiceID: serviceID, Index: child.index},
		Size:    child.size(),
		Type:    child.typ,
	}, nil
}

// OpenNode implements vfs.FSServer. The in-memory server has nothing
// to do on open beyond validating the target exists.
func (fs *FS) OpenNode(ctx context.Context, serviceID vfs.ServiceID, index vfs.Index, perm vfs.Permissions) error {
	if err := fs.checkService(serviceID); err != nil {
		return err
	}
	_, err := fs.get(index)
	return err
}

// Read implements vfs.FSServer. Reading a directory yields its
// encoded entry stream (one newline-terminated name per child, sorted
// for a stable listing across repeated reads at increasing offsets);
// the broker treats this, like any other file's bytes, as opaque, and
// front ends that need readdir semantics (e.g. the FUSE bridge) decode
// it themselves. The stream carries names only, not entry types.
func (fs *FS) Read(ctx context.Context, serviceID vfs.ServiceID, index vfs.Index, pos uint64, buf []byte) (int, error) {
	if err := fs.checkService(serviceID); err != nil {
		return 0, err
	}
	n, err := fs.get(index)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	var data []byte
	switch n.typ {
	case vfs.TypeRegular:
		data = n.data
	case vfs.TypeDirectory:
		data = encodeDirents(n.children)
	default:
		return 0, vfserr.New("read", vfserr.KindInvalidArgument)
	}
	if pos >= uint64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[pos:]), nil
}

func encodeDirents(children map[string]vfs.Index) []byte {
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)
	var b bytes.Buffer
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// Write implements vfs.FSServer.
func (fs *FS) Write(ctx context.Context, serviceID vfs.ServiceID, index vfs.Index, pos uint64, data []byte) (int, uint64, error) {
	if err := fs.checkService(serviceID); err != nil {
		return 0, 0, err
	}
	n, err := fs.get(index)
	if err != nil {
		return 0, 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ != vfs.TypeRegular {
		return 0, 0, vfserr.New("write", vfserr.KindInvalidArgument)
	}
	end := pos + uint64(len(data))
	if end > uint64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[pos:end], data)
	return len(data), uint64(len(n.data)), nil
}

// Truncate implements vfs.FSServer.
func (fs *FS) Truncate(ctx context.Context, serviceID vfs.ServiceID, index vfs.Index, size uint64) error {
	if err := fs.checkService(serviceID); err != nil {
		return err
	}
	n, err := fs.get(index)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ != vfs.TypeRegular {
		return vfserr.New("truncate", vfserr.KindInvalidArgument)
	}
	if size <= uint64(len(n.data)) {
		n.data = n.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, n.data)
	n.data = grown
	return nil
}

// Stat implements vfs.FSServer.
func (fs *FS) Stat(ctx context.Context, serviceID vfs.ServiceID, index vfs.Index) (vfs.NodeStat, error) {
	if err := fs.checkService(serviceID); err != nil {
		return vfs.NodeStat{}, err
	}
	n, err := fs.get(index)
	if err != nil {
		return vfs.NodeStat{}, err
	}
	return vfs.NodeStat{Size: n.size(), Type: n.typ}, nil
}

// StatMany fetches attributes for several indices concurrently,
// fanning the individual Stat calls out with syncutil.Group the way
// the teacher's root-listing refresh fans out its independent search
// queries. It is not part of vfs.FSServer, so the broker and the FUSE
// bridge do not call it.
func (fs *FS) StatMany(ctx context.Context, serviceID vfs.ServiceID, indices []vfs.Index) ([]vfs.NodeStat, error) {
	stats := make([]vfs.NodeStat, len(indices))
	var grp syncutil.Group
	for i, idx := range indices {
		i, idx := i, idx
		grp.Go(func() error {
			st, err := fs.Stat(ctx, serviceID, idx)
			if err != nil {
				return err
			}
			stats[i] = st
			return nil
		})
	}
	if err := grp.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

// Sync implements vfs.FSServer; the in-memory server has nothing to
// flush.
func (fs *FS) Sync(ctx context.Context, serviceID vfs.ServiceID, index vfs.Index) error {
	if err := fs.checkService(serviceID); err != nil {
		return err
	}
	_, err := fs.get(index)
	return err
}

// Close implements vfs.FSServer.
func (fs *FS) Close(ctx context.Context, serviceID vfs.ServiceID, index vfs.Index) error {
	if err := fs.checkService(serviceID); err != nil {
		return err
	}
	_, err := fs.get(index)
	return err
}

// Destroy implements vfs.FSServer, reclaiming an unlinked node's
// storage.
func (fs *FS) Destroy(ctx context.Context, serviceID vfs.ServiceID, index vfs.Index) error {
	if err := fs.checkService(serviceID); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.nodes[index]; !ok {
		return vfserr.New("destroy", vfserr.KindNotFound)
	}
	delete(fs.nodes, index)
	return nil
}

// Link implements vfs.FSServer.
func (fs *FS) Link(ctx context.Context, serviceID vfs.ServiceID, parentIndex vfs.Index, name string, target vfs.Index) error {
	if err := fs.checkService(serviceID); err != nil {
		return err
	}
	parent, err := fs.get(parentIndex)
	if err != nil {
		return err
	}
	if _, err := fs.get(target); err != nil {
		return err
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if parent.typ != vfs.TypeDirectory {
		return vfserr.New("link", vfserr.KindInvalidArgument)
	}
	if _, exists := parent.children[name]; exists {
		return vfserr.New("link", vfserr.KindBusy)
	}
	parent.children[name] = target
	return nil
}

// Mounted implements vfs.FSServer: this FS instance becomes the
// namespace root (or a freshly grafted subtree's root).
func (fs *FS) Mounted(ctx context.Context, serviceID vfs.ServiceID, opts string) (vfs.Index, uint64, error) {
	if err := fs.checkService(serviceID); err != nil {
		return 0, 0, err
	}
	root, err := fs.get(fs.rootIdx)
	if err != nil {
		return 0, 0, err
	}
	return root.index, root.size(), nil
}

// Mount implements vfs.FSServer: mark the target directory as a
// mount point and return that directory's own index and size. The
// mark is not consulted by Lookup; crossing into the grafted file
// system is done by the broker's mount table.
func (fs *FS) Mount(ctx context.Context, mpServiceID vfs.ServiceID, mpIndex vfs.Index, childHandle vfs.FSHandle, childServiceID vfs.ServiceID, opts string) (vfs.Index, uint64, error) {
	if err := fs.checkService(mpServiceID); err != nil {
		return 0, 0, err
	}
	n, err := fs.get(mpIndex)
	if err != nil {
		return 0, 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ != vfs.TypeDirectory {
		return 0, 0, vfserr.New("mount", vfserr.KindInvalidArgument)
	}
	n.mounted = true
	return n.index, uint64(len(n.children)), nil // n.mu is already held; size() would relock it
}

// Unmounted implements vfs.FSServer.
func (fs *FS) Unmounted(ctx context.Context, serviceID vfs.ServiceID) error {
	return fs.checkService(serviceID)
}

// Unmount implements vfs.FSServer.
func (fs *FS) Unmount(ctx context.Context, serviceID vfs.ServiceID, index vfs.Index) error {
	if err := fs.checkService(serviceID); err != nil {
		return err
	}
	n, err := fs.get(index)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mounted = false
	return nil
}

// RootIndex returns the index of this instance's root directory, for
// callers wiring the first Mount call.
func (fs *FS) RootIndex() vfs.Index { return fs.rootIdx }

// Capabilities describes the in-memory server's concurrency
// guarantees: it has no size-changing side channel besides Write, and
// tolerates overlapping read/write since every access takes the
// node's own mutex.
func Capabilities() vfs.Capabilities {
	return vfs.Capabilities{ConcurrentReadWrite: true, WriteRetainsSize: false}
}
