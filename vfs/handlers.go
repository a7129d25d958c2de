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
	"context"
	"strings"

	"github.com/dusxmt/helenos/vfserr"
)

// baseTriplet resolves the base a path is relative to: the root,
// when fd is negative, or the node currently bound to fd.
func (c *Client) baseTriplet(fd FD) (Triplet, error) {
	if fd < 0 {
		root, err := c.broker.requireRoot()
		if err != nil {
			return Triplet{}, err
		}
		return root.Triplet(), nil
	}
	f, err := c.fds.Get(fd)
	if err != nil {
		return Triplet{}, err
	}
	return f.Node().Triplet(), nil
}

// Walk resolves path relative to parentFD (or the root, for a
// negative parentFD), honoring the create/exclusive/kind flags of wf,
// and returns a freshly opened descriptor for the result (spec §4.C,
// §4.F walk/open2).
func (c *Client) Walk(ctx context.Context, parentFD FD, path string, wf WalkFlags) (FD, NodeStat, error) {
	lf, err := wf.toLookupFlags()
	if err != nil {
		return -1, NodeStat{}, err
	}

	base, err := c.baseTriplet(parentFD)
	if err != nil {
		return -1, NodeStat{}, err
	}

	perm := Permissions(RWAppend)
	if parentFD >= 0 {
		if pf, err := c.fds.Get(parentFD); err == nil {
			perm = pf.Perm()
		}
	}

	c.broker.NamespaceLock.RLock()
	lr, err := c.broker.Lookup(ctx, base, path, lf)
	c.broker.NamespaceLock.RUnlock()
	if err != nil {
		return -1, NodeStat{}, err
	}

	node, err := c.broker.Nodes.Get(ctx, lr)
	if err != nil {
		return -1, NodeStat{}, err
	}

	srv, err := c.broker.Registry.ServerByHandle(lr.Triplet.FSHandle)
	if err != nil {
		c.broker.Nodes.Put(ctx, node)
		return -1, NodeStat{}, err
	}
	if err := srv.OpenNode(ctx, lr.Triplet.ServiceID, lr.Triplet.Index, perm); err != nil {
		c.broker.Nodes.Put(ctx, node)
		return -1, NodeStat{}, err
	}

	fd := c.fds.Alloc()
	file := &File{node: node, perm: perm, refcount: 1}
	if err := c.fds.Assign(fd, file); err != nil {
		c.broker.Nodes.Put(ctx, node)
		return -1, NodeStat{}, err
	}
	return fd, NodeStat{Size: lr.Size, Type: lr.Type}, nil
}

// Open2 reopens an already-walked descriptor under a different
// permission mode, notifying the owning server again.
func (c *Client) Open2(ctx context.Context, fd FD, perm Permissions) error {
	f, err := c.fds.Get(fd)
	if err != nil {
		return err
	}
	node := f.Node()
	srv, err := c.broker.Registry.ServerByHandle(node.Triplet().FSHandle)
	if err != nil {
		return err
	}
	if err := srv.OpenNode(ctx, node.Triplet().ServiceID, node.Triplet().Index, perm); err != nil {
		return err
	}
	f.SetPerm(perm)
	return nil
}

// Read forwards a bulk read to the node's owning server, advancing
// fd's cursor by the number of bytes actually read.
func (c *Client) Read(ctx context.Context, fd FD, buf []byte) (int, error) {
	f, err := c.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	if f.Perm()&PermRead == 0 {
		return 0, vfserr.New("read", vfserr.KindPermissionDenied)
	}
	node := f.Node()
	caps, err := c.broker.Registry.Capabilities(node.Triplet().FSHandle)
	if err != nil {
		return 0, err
	}
	unlock := c.broker.ioLock(node, caps, false)
	defer unlock()

	srv, err := c.broker.Registry.ServerByHandle(node.Triplet().FSHandle)
	if err != nil {
		return 0, err
	}
	pos := f.Pos()
	n, err := srv.Read(ctx, node.Triplet().ServiceID, node.Triplet().Index, pos, buf)
	if n > 0 {
		f.SetPos(pos + uint64(n))
	}
	return n, err
}

// Write forwards a bulk write to the node's owning server, advancing
// fd's cursor (or writing at the current size, under PermAppend) and
// updating the node's cached size from the server's answer.
func (c *Client) Write(ctx context.Context, fd FD, data []byte) (int, error) {
	f, err := c.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	if f.Perm()&PermWrite == 0 {
		return 0, vfserr.New("write", vfserr.KindPermissionDenied)
	}
	node := f.Node()
	caps, err := c.broker.Registry.Capabilities(node.Triplet().FSHandle)
	if err != nil {
		return 0, err
	}
	unlock := c.broker.ioLock(node, caps, true)
	defer unlock()

	srv, err := c.broker.Registry.ServerByHandle(node.Triplet().FSHandle)
	if err != nil {
		return 0, err
	}

	pos := f.Pos()
	if f.Perm()&PermAppend != 0 {
		size, _ := node.Attr()
		pos = size
	}
	n, newSize, err := srv.Write(ctx, node.Triplet().ServiceID, node.Triplet().Index, pos, data)
	if n > 0 {
		f.SetPos(pos + uint64(n))
		node.SetSize(newSize)
	}
	return n, err
}

// Seek repositions fd's cursor, never past OffsetMax (spec §4.F). A
// negative SEEK_SET offset is KindInvalidArgument;
// SEEK_CUR/SEEK_END instead detect signed wrap -- in either direction,
// including ascending below zero -- and report KindOverflow, leaving
// the cursor untouched (spec §8 property #6, scenario S7).
func (c *Client) Seek(fd FD, offset int64, whence Whence) (uint64, error) {
	f, err := c.fds.Get(fd)
	if err != nil {
		return 0, err
	}

	if whence == SeekSet {
		if offset < 0 {
			return 0, vfserr.New("seek", vfserr.KindInvalidArgument)
		}
		np := uint64(offset)
		if np > OffsetMax {
			np = OffsetMax
		}
		f.SetPos(np)
		return np, nil
	}

	var base uint64
	switch whence {
	case SeekCur:
		base = f.Pos()
	case SeekEnd:
		size, _ := f.Node().Attr()
		base = size
	default:
		return 0, vfserr.New("seek", vfserr.KindInvalidArgument)
	}

	// Every successful seek leaves the cursor at or below OffsetMax
	// (== MaxInt64), so base always fits an int64 without truncation.
	baseSigned := int64(base)
	sum := baseSigned + offset
	overflow := (offset > 0 && sum < baseSigned) || // wrapped past MaxInt64
		(offset < 0 && sum > baseSigned) || // wrapped past MinInt64
		sum < 0 // ascended below zero
	if overflow {
		return 0, vfserr.New("seek", vfserr.KindOverflow)
	}

	np := uint64(sum)
	if np > OffsetMax {
		np = OffsetMax
	}
	f.SetPos(np)
	return np, nil
}

// Truncate resizes fd's node, requiring write permission.
func (c *Client) Truncate(ctx context.Context, fd FD, size uint64) error {
	f, err := c.fds.Get(fd)
	if err != nil {
		return err
	}
	if f.Perm()&PermWrite == 0 {
		return vfserr.New("truncate", vfserr.KindPermissionDenied)
	}
	node := f.Node()
	node.ContentsLock.Lock()
	defer node.ContentsLock.Unlock()
	srv, err := c.broker.Registry.ServerByHandle(node.Triplet().FSHandle)
	if err != nil {
		return err
	}
	if err := srv.Truncate(ctx, node.Triplet().ServiceID, node.Triplet().Index, size); err != nil {
		return err
	}
	node.SetSize(size)
	return nil
}

// Fstat returns fd's cached attributes.
func (c *Client) Fstat(fd FD) (NodeStat, error) {
	f, err := c.fds.Get(fd)
	if err != nil {
		return NodeStat{}, err
	}
	size, typ := f.Node().Attr()
	return NodeStat{Size: size, Type: typ}, nil
}

// Close releases fd. The last close of a File notifies the owning
// server and returns the Node to the cache, possibly destroying it
// if it was unlinked while open.
func (c *Client) Close(ctx context.Context, fd FD) error {
	f := c.fds.Free(fd)
	if f == nil {
		return vfserr.New("close", vfserr.KindInvalidArgument)
	}
	c.releaseFile(ctx, f)
	return nil
}

// releaseFile drops one reference to f, and on the last reference
// notifies f's owning server and returns its Node to the cache (spec
// §4.D: "Records live until their count reaches zero and no
// descriptor references them").
func (c *Client) releaseFile(ctx context.Context, f *File) {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.refcount--
	last := f.refcount <= 0
	f.mu.Unlock()
	if !last {
		return
	}

	node := f.Node()
	if srv, err := c.broker.Registry.ServerByHandle(node.Triplet().FSHandle); err == nil {
		if err := srv.Close(ctx, node.Triplet().ServiceID, node.Triplet().Index); err != nil {
			Logger.Printf("close: %v", err)
		}
	}
	c.broker.Nodes.Put(ctx, node)
}

// Dup binds newFD to the same open File as oldFD, sharing its cursor
// (spec §8, dup shares position). If oldFD equals newFD, it replies
// success without touching either descriptor (spec §4.F dup). If
// newFD was already bound, its prior File is released exactly as
// Close would release it. Passing a negative newFD allocates a fresh
// descriptor instead.
func (c *Client) Dup(ctx context.Context, oldFD, newFD FD) (FD, error) {
	if newFD >= 0 && oldFD == newFD {
		return newFD, nil
	}
	got, displaced, err := c.fds.Dup(oldFD, newFD)
	if err != nil {
		return -1, err
	}
	c.releaseFile(ctx, displaced)
	return got, nil
}

// Unlink2 removes the name at path relative to parentFD (or root),
// atomically at the owning server, then drops the broker's own
// reference so a currently-unopened object is destroyed immediately
// while one kept open by another descriptor survives until its last
// close (spec §4.A, §4.C L_UNLINK). If expectFD is non-negative, path
// is first resolved WITHOUT unlinking and the result must match the
// node already open on that descriptor -- guarding against a race
// between the caller's lookup and this call -- before any destructive
// lookup is attempted (spec §4.F unlink2, scenario S6). wf carries
// only WalkDirectory, requiring the terminal name to be a directory.
func (c *Client) Unlink2(ctx context.Context, parentFD FD, path string, expectFD FD, wf WalkFlags) error {
	base, err := c.baseTriplet(parentFD)
	if err != nil {
		return err
	}

	var dirFlag LookupFlags
	if wf&WalkDirectory != 0 {
		dirFlag = LDirectory
	}

	c.broker.NamespaceLock.Lock()
	defer c.broker.NamespaceLock.Unlock()

	if expectFD >= 0 {
		f, err := c.fds.Get(expectFD)
		if err != nil {
			return err
		}
		check, err := c.broker.Lookup(ctx, base, path, dirFlag)
		if err != nil || f.Node().Triplet() != check.Triplet {
			return vfserr.New("unlink2", vfserr.KindNotFound)
		}
	}

	lr, err := c.broker.Lookup(ctx, base, path, LUnlink|dirFlag)
	if err != nil {
		return err
	}

	n, err := c.broker.Nodes.GetByTriplet(ctx, lr.Triplet)
	if err != nil {
		return err
	}
	n.MarkUnlinked()
	c.broker.Nodes.Put(ctx, n)
	return nil
}

// Rename moves the object at oldPath (relative to oldParentFD) to
// newPath (relative to newParentFD), following the five-step sequence
// of spec §4.F with explicit undo closures rather than destructors
// (spec §9): any name already sitting at newPath is unlinked first,
// then the old name is unlinked, then the old object is linked at the
// new name. A failed step re-links what the earlier steps removed, and
// the displaced target is destroyed only once the swap has fully
// succeeded, so a failure at any step leaves both names referring to
// what they did before (spec §8 property #4). Mount points are never
// crossed while resolving either name (L_DISABLE_MOUNTS, spec §4.F).
func (c *Client) Rename(ctx context.Context, oldParentFD FD, oldPath string, newParentFD FD, newPath string) error {
	oldBase, err := c.baseTriplet(oldParentFD)
	if err != nil {
		return err
	}
	newBase, err := c.baseTriplet(newParentFD)
	if err != nil {
		return err
	}

	if oldBase == newBase {
		if isProperPathPrefix(oldPath, newPath) || isProperPathPrefix(newPath, oldPath) {
			return vfserr.New("rename", vfserr.KindInvalidArgument)
		}
	}

	c.broker.NamespaceLock.Lock()
	defer c.broker.NamespaceLock.Unlock()

	oldParentPath, oldName := splitParentName(oldPath)
	oldParentLR, err := c.broker.Lookup(ctx, oldBase, oldParentPath, LDirectory|LDisableMounts)
	if err != nil {
		return err
	}
	newParentPath, newName := splitParentName(newPath)
	newParentLR, err := c.broker.Lookup(ctx, newBase, newParentPath, LDirectory|LDisableMounts)
	if err != nil {
		return err
	}

	oldLR, err := c.broker.Lookup(ctx, oldBase, oldPath, LDisableMounts)
	if err != nil {
		return err
	}

	if newParentLR.Triplet.FSHandle != oldParentLR.Triplet.FSHandle || newParentLR.Triplet.ServiceID != oldParentLR.Triplet.ServiceID {
		return vfserr.New("rename", vfserr.KindUnsupported)
	}
	srv, err := c.broker.Registry.ServerByHandle(oldParentLR.Triplet.FSHandle)
	if err != nil {
		return err
	}

	// Step 2: unlink an existing occupant of the destination name, if
	// any, remembering its triplet so it can either be destroyed on
	// success or re-linked on rollback.
	var orig Triplet
	origUnlinked := false
	if dstLR, derr := c.broker.Lookup(ctx, newBase, newPath, LUnlink|LDisableMounts); derr == nil {
		orig = dstLR.Triplet
		origUnlinked = true
	} else if vfserr.KindOf(derr) != vfserr.KindNotFound {
		return derr
	}

	relinkOrig := func() {
		if origUnlinked {
			if err := srv.Link(ctx, newParentLR.Triplet.ServiceID, newParentLR.Triplet.Index, newName, orig.Index); err != nil {
				Logger.Printf("rename: rollback re-link of displaced target: %v", err)
			}
		}
	}

	// Step 3: unlink the old name.
	if _, err := c.broker.Lookup(ctx, oldBase, oldPath, LUnlink|LDisableMounts); err != nil {
		relinkOrig()
		return err
	}

	// Step 4: link the old object under the new name.
	if err := srv.Link(ctx, newParentLR.Triplet.ServiceID, newParentLR.Triplet.Index, newName, oldLR.Triplet.Index); err != nil {
		if rerr := srv.Link(ctx, oldParentLR.Triplet.ServiceID, oldParentLR.Triplet.Index, oldName, oldLR.Triplet.Index); rerr != nil {
			Logger.Printf("rename: rollback re-link of old name: %v", rerr)
		}
		relinkOrig()
		return err
	}

	// Step 5: the swap succeeded; let the displaced target's reference
	// drop to zero so its server may destroy it.
	if origUnlinked {
		n, err := c.broker.Nodes.GetByTriplet(ctx, orig)
		if err == nil {
			n.MarkUnlinked()
			c.broker.Nodes.Put(ctx, n)
		}
	}
	return nil
}

// isProperPathPrefix reports whether a names a proper, component-wise
// prefix of b (spec §4.F rename validation; scenario S5).
func isProperPathPrefix(a, b string) bool {
	a = strings.Trim(a, "/")
	b = strings.Trim(b, "/")
	if a == "" || a == b {
		return false
	}
	return strings.HasPrefix(b, a+"/")
}

// Sync flushes fd's node at its owning server.
func (c *Client) Sync(ctx context.Context, fd FD) error {
	f, err := c.fds.Get(fd)
	if err != nil {
		return err
	}
	node := f.Node()
	srv, err := c.broker.Registry.ServerByHandle(node.Triplet().FSHandle)
	if err != nil {
		return err
	}
	return srv.Sync(ctx, node.Triplet().ServiceID, node.Triplet().Index)
}

// Ping is a no-op liveness probe (VFS_IN_PING).
func (c *Client) Ping() {}

// GetMtab returns a snapshot of the current mount table rows in
// display form, all rows in one call; there is no per-row streaming.
func (b *Broker) GetMtab() []MtabEntry {
	b.mtabLock.Lock()
	defer b.mtabLock.Unlock()
	out := make([]MtabEntry, len(b.mtab))
	copy(out, b.mtab)
	return out
}

func (b *Broker) recordMtab(e MtabEntry) {
	b.mtabLock.Lock()
	b.mtab = append(b.mtab, e)
	b.mtabLock.Unlock()
}

func (b *Broker) removeMtabByServiceID(sid ServiceID) {
	b.mtabLock.Lock()
	defer b.mtabLock.Unlock()
	for i, e := range b.mtab {
		if e.ServiceID == sid {
			b.mtab = append(b.mtab[:i], b.mtab[i+1:]...)
			return
		}
	}
}

// splitParentName splits path into its parent directory path and
// final component name.
func splitParentName(path string) (string, string) {
	path = strings.TrimSuffix(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}
