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

import "context"

// FSServer is the broker's view of a file-system server: a back-end
// actor answering the fixed set of VFS-OUT requests. Individual
// server implementations (ext4, FAT, tmpfs, ...) are out of scope for
// the broker (spec §1); this interface is the seam between them.
//
// Every method is a suspension point: the broker may be preempted
// (another fibril scheduled) while a call is outstanding, so handlers
// must never assume state is unchanged across one of these calls
// (spec §5).
type FSServer interface {
	// Lookup resolves one path component of name within the
	// directory (serviceID, parentIndex), honoring the create/
	// exclusive/unlink/directory semantics encoded in flags
	// (VFS_OUT_LOOKUP).
	Lookup(ctx context.Context, serviceID ServiceID, parentIndex Index, name string, flags LookupFlags) (LookupResult, error)

	// OpenNode notifies the server that a node is being opened for
	// the given mode (VFS_OUT_OPEN_NODE).
	OpenNode(ctx context.Context, serviceID ServiceID, index Index, perm Permissions) error

	// Read forwards a client bulk data-read to the server
	// (VFS_OUT_READ), returning bytes read.
	Read(ctx context.Context, serviceID ServiceID, index Index, pos uint64, buf []byte) (n int, err error)

	// Write forwards a client bulk data-write to the server
	// (VFS_OUT_WRITE), returning bytes written and the new size.
	Write(ctx context.Context, serviceID ServiceID, index Index, pos uint64, data []byte) (n int, newSize uint64, err error)

	// Truncate resizes the object (VFS_OUT_TRUNCATE).
	Truncate(ctx context.Context, serviceID ServiceID, index Index, size uint64) error

	// Stat fetches authoritative size/type for a node the broker
	// already knows the Triplet of but hasn't cached yet
	// (VFS_OUT_STAT, also used to populate a Node on cache miss).
	Stat(ctx context.Context, serviceID ServiceID, index Index) (NodeStat, error)

	// Sync flushes the object (VFS_OUT_SYNC).
	Sync(ctx context.Context, serviceID ServiceID, index Index) error

	// Close notifies the server a file handle is gone (VFS_OUT_CLOSE).
	Close(ctx context.Context, serviceID ServiceID, index Index) error

	// Destroy tells the server an unlinked, now-unreferenced object
	// may be reclaimed (VFS_OUT_DESTROY).
	Destroy(ctx context.Context, serviceID ServiceID, index Index) error

	// Link creates name in directory (serviceID, parentIndex) pointing
	// at targetIndex (VFS_OUT_LINK), used by rename.
	Link(ctx context.Context, serviceID ServiceID, parentIndex Index, name string, target Index) error

	// Mounted tells a server it is being mounted as the namespace
	// root (VFS_OUT_MOUNTED), returning the new root's identity.
	Mounted(ctx context.Context, serviceID ServiceID, opts string) (rootIndex Index, rootSize uint64, err error)

	// Mount tells a server that a child file system is being grafted
	// at (mpServiceID, mpIndex) within it (VFS_OUT_MOUNT), returning
	// the child root's identity as seen through the mount.
	Mount(ctx context.Context, mpServiceID ServiceID, mpIndex Index, childHandle FSHandle, childServiceID ServiceID, opts string) (rootIndex Index, rootSize uint64, err error)

	// Unmounted tells a server its root mount is being torn down
	// (VFS_OUT_UNMOUNTED).
	Unmounted(ctx context.Context, serviceID ServiceID) error

	// Unmount tells a server that a mount hanging off one of its
	// directories is being torn down (VFS_OUT_UNMOUNT).
	Unmount(ctx context.Context, serviceID ServiceID, index Index) error
}

// Capabilities are the plain capability bits a registered server
// advertises; handlers read them directly with no virtual dispatch
// (spec §9, "Dynamic dispatch on FS-server capabilities").
type Capabilities struct {
	// ConcurrentReadWrite: the server tolerates overlapping reads and
	// writes on the same object without external serialization.
	ConcurrentReadWrite bool
	// WriteRetainsSize: a write never changes the object's reported
	// size (e.g. fixed-size block devices); combined with
	// ConcurrentReadWrite this lets read/write share the node's
	// contents lock for read instead of exclusively (spec §4.F).
	WriteRetainsSize bool
}
