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

	"github.com/dusxmt/helenos/vfserr"
)

// MountRequest describes a VFS_IN_MOUNT-equivalent call. Path is
// resolved relative to the current root; it is ignored for the very
// first mount in a broker's lifetime, which always grafts the new
// file system as the root itself.
type MountRequest struct {
	Path      string
	Instance  uint32
	FSName    string
	ServiceID ServiceID
	Options   string
	Blocking  bool
}

// Mount grafts a file system named FSName into the namespace. When
// Blocking is true the call waits for FSName to register before
// proceeding and returns the mounted root's identity directly. When
// false, Mount returns immediately with a Busy error and the caller
// must retrieve the outcome with WaitHandle -- the asynchronous path
// described for VFS_IN_WAIT_HANDLE.
func (c *Client) Mount(ctx context.Context, req MountRequest) (Triplet, error) {
	if len(req.FSName) > FSNameMaxLen {
		return Triplet{}, vfserr.New("mount", vfserr.KindOverflow)
	}
	if len(req.Options) > MaxMntOptsLen {
		return Triplet{}, vfserr.New("mount", vfserr.KindOverflow)
	}
	if len(req.Path) > MaxPathLen {
		return Triplet{}, vfserr.New("mount", vfserr.KindOverflow)
	}

	if req.Blocking {
		handle, err := c.broker.Registry.NameToHandleBlocking(ctx, req.Instance, req.FSName)
		if err != nil {
			return Triplet{}, err
		}
		return c.broker.doMount(ctx, req, handle)
	}

	ch := make(chan mountOutcome, 1)
	c.pendingMu.Lock()
	c.pending = ch
	c.pendingMu.Unlock()

	go func() {
		handle, err := c.broker.Registry.NameToHandleBlocking(context.Background(), req.Instance, req.FSName)
		if err != nil {
			ch <- mountOutcome{err: err}
			return
		}
		t, err := c.broker.doMount(context.Background(), req, handle)
		ch <- mountOutcome{triplet: t, err: err}
	}()
	return Triplet{}, vfserr.New("mount", vfserr.KindBusy)
}

// WaitHandle blocks until a pending non-blocking Mount completes,
// returning its outcome (the supplemented VFS_IN_WAIT_HANDLE
// operation).
func (c *Client) WaitHandle(ctx context.Context) (Triplet, error) {
	c.pendingMu.Lock()
	ch := c.pending
	c.pendingMu.Unlock()
	if ch == nil {
		return Triplet{}, vfserr.New("wait_handle", vfserr.KindInvalidArgument)
	}
	select {
	case out := <-ch:
		c.pendingMu.Lock()
		c.pending = nil
		c.pendingMu.Unlock()
		return out.triplet, out.err
	case <-ctx.Done():
		return Triplet{}, ctx.Err()
	}
}

// doMount performs the mount under the namespace write lock, with an
// explicit rollback sequence on any phase failure rather than
// destructor-based unwinding (spec §7).
func (b *Broker) doMount(ctx context.Context, req MountRequest, childHandle FSHandle) (Triplet, error) {
	b.NamespaceLock.Lock()
	defer b.NamespaceLock.Unlock()

	childSrv, err := b.Registry.ServerByHandle(childHandle)
	if err != nil {
		return Triplet{}, err
	}

	if b.Root() == nil {
		return b.mountRootLocked(ctx, req, childHandle, childSrv)
	}

	root := b.Root()
	mpResult, err := b.Lookup(ctx, root.Triplet(), req.Path, LMountPoint|LDirectory)
	if err != nil {
		return Triplet{}, err
	}
	mp := mpResult.Triplet

	if _, busy := b.Mounts.Lookup(mp); busy {
		return Triplet{}, vfserr.New("mount", vfserr.KindBusy)
	}

	rootIdx, rootSize, err := childSrv.Mounted(ctx, req.ServiceID, req.Options)
	if err != nil {
		return Triplet{}, err
	}
	childRoot := Triplet{FSHandle: childHandle, ServiceID: req.ServiceID, Index: rootIdx}
	childNode := b.Nodes.install(LookupResult{Triplet: childRoot, Size: rootSize, Type: TypeDirectory})

	parentSrv, err := b.Registry.ServerByHandle(mp.FSHandle)
	if err != nil {
		b.rollbackMount(ctx, childSrv, req.ServiceID, childNode)
		return Triplet{}, err
	}
	if _, _, err := parentSrv.Mount(ctx, mp.ServiceID, mp.Index, childHandle, req.ServiceID, req.Options); err != nil {
		b.rollbackMount(ctx, childSrv, req.ServiceID, childNode)
		return Triplet{}, err
	}

	if err := b.Mounts.Add(MountEntry{
		MountPoint:     mp,
		MountedRoot:    childRoot,
		MountPointPath: req.Path,
		Options:        req.Options,
		FSName:         req.FSName,
		Instance:       req.Instance,
		ServiceID:      req.ServiceID,
	}); err != nil {
		if uerr := parentSrv.Unmount(ctx, mp.ServiceID, mp.Index); uerr != nil {
			Logger.Printf("mount: rollback unmount: %v", uerr)
		}
		b.rollbackMount(ctx, childSrv, req.ServiceID, childNode)
		return Triplet{}, err
	}

	b.recordMtab(MtabEntry{
		MountPoint: req.Path,
		Options:    req.Options,
		FSName:     req.FSName,
		Instance:   req.Instance,
		ServiceID:  req.ServiceID,
	})
	return childRoot, nil
}

func (b *Broker) mountRootLocked(ctx context.Context, req MountRequest, childHandle FSHandle, childSrv FSServer) (Triplet, error) {
	rootIdx, rootSize, err := childSrv.Mounted(ctx, req.ServiceID, req.Options)
	if err != nil {
		return Triplet{}, err
	}
	rootTriplet := Triplet{FSHandle: childHandle, ServiceID: req.ServiceID, Index: rootIdx}
	node := b.Nodes.install(LookupResult{Triplet: rootTriplet, Size: rootSize, Type: TypeDirectory})
	b.setRoot(node)
	b.recordMtab(MtabEntry{
		MountPoint: "/",
		Options:    req.Options,
		FSName:     req.FSName,
		Instance:   req.Instance,
		ServiceID:  req.ServiceID,
	})
	return rootTriplet, nil
}

func (b *Broker) rollbackMount(ctx context.Context, childSrv FSServer, serviceID ServiceID, childNode *Node) {
	b.Nodes.Forget(childNode)
	if err := childSrv.Unmounted(ctx, serviceID); err != nil {
		Logger.Printf("mount: rollback unmounted: %v", err)
	}
}

// Unmount detaches the file system mounted at the directory named by
// path under base (the current root when base is the zero Triplet; or
// the global root itself when path resolves to it), failing with
// KindBusy if any reference into the subtree remains outstanding
// (spec §4.A invariant #3, §8).
func (b *Broker) Unmount(ctx context.Context, base Triplet, path string) error {
	b.NamespaceLock.Lock()
	defer b.NamespaceLock.Unlock()

	root, err := b.requireRoot()
	if err != nil {
		return err
	}
	if base.Zero() {
		base = root.Triplet()
	}

	target, err := b.Lookup(ctx, base, path, LMountPoint|LDirectory)
	if err != nil {
		return err
	}

	if target.Triplet == root.Triplet() {
		return b.unmountRootLocked(ctx, root)
	}

	mountedRoot, ok := b.Mounts.Lookup(target.Triplet)
	if !ok {
		return vfserr.New("unmount", vfserr.KindInvalidArgument)
	}

	if sum := b.Nodes.RefcountSum(mountedRoot.FSHandle, mountedRoot.ServiceID); sum > 1 {
		return vfserr.New("unmount", vfserr.KindBusy)
	}

	rootNode, ok := b.Nodes.Peek(mountedRoot)
	if !ok {
		return vfserr.New("unmount", vfserr.KindNotFound)
	}

	parentSrv, err := b.Registry.ServerByHandle(target.Triplet.FSHandle)
	if err != nil {
		return err
	}
	childSrv, err := b.Registry.ServerByHandle(mountedRoot.FSHandle)
	if err != nil {
		return err
	}

	if err := parentSrv.Unmount(ctx, target.Triplet.ServiceID, target.Triplet.Index); err != nil {
		return err
	}
	if err := childSrv.Unmounted(ctx, mountedRoot.ServiceID); err != nil {
		Logger.Printf("unmount: unmounted notify: %v", err)
	}

	b.Mounts.Remove(target.Triplet)
	b.Nodes.Forget(rootNode)
	b.removeMtabByServiceID(mountedRoot.ServiceID)
	return nil
}

func (b *Broker) unmountRootLocked(ctx context.Context, root *Node) error {
	if len(b.Mounts.Entries()) > 0 {
		return vfserr.New("unmount", vfserr.KindBusy)
	}
	if sum := b.Nodes.RefcountSum(root.Triplet().FSHandle, root.Triplet().ServiceID); sum > 1 {
		return vfserr.New("unmount", vfserr.KindBusy)
	}
	srv, err := b.Registry.ServerByHandle(root.Triplet().FSHandle)
	if err != nil {
		return err
	}
	if err := srv.Unmounted(ctx, root.Triplet().ServiceID); err != nil {
		return err
	}
	b.setRoot(nil)
	b.Nodes.Forget(root)
	b.removeMtabByServiceID(root.Triplet().ServiceID)
	return nil
}
