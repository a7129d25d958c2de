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

// resolved is the internal working result of one resolve step: a
// triplet plus the attributes the owning server (or the node cache,
// for a triplet substituted by a mount) returned for it.
type resolved struct {
	Triplet Triplet
	Size    uint64
	Type    NodeType
}

// Lookup walks path component by component starting at base,
// crossing mount points after every component unless flags disables
// that, and returns the identity and attributes of the final
// component (component C, spec §4.C).
//
// "." components are dropped by the resolver itself (splitComponents)
// and never reach a file-system server.
// ".." ascends one directory; when the current position is the
// mounted root of some file system, ascending first substitutes the
// corresponding mount-point triplet in the parent file system before
// asking that file system for ITS parent, so a walk can leave a
// mounted subtree the way spec §4.C requires.
//
// An empty path resolves to base itself without crossing a mount
// rooted at base, matching the "open directory fd by empty-path
// lookup" tie-break of spec §4.C.
func (b *Broker) Lookup(ctx context.Context, base Triplet, path string, flags LookupFlags) (LookupResult, error) {
	if len(path) > MaxPathLen {
		return LookupResult{}, vfserr.New("lookup", vfserr.KindOverflow)
	}

	trailingSlash := len(path) > 0 && path != "/" && strings.HasSuffix(path, "/")

	comps := splitComponents(path)
	cur, err := b.attrOf(ctx, base)
	if err != nil {
		return LookupResult{}, err
	}

	if len(comps) == 0 {
		// Empty path (or "/"-only, handled by caller passing base as
		// the root triplet already): return base as-is, no mount
		// crossing performed on the base itself.
		return LookupResult{Triplet: cur.Triplet, Size: cur.Size, Type: cur.Type}, nil
	}

	for i, name := range comps {
		isLast := i == len(comps)-1
		var err error
		cur, err = b.step(ctx, cur, name, flags, isLast)
		if err != nil {
			return LookupResult{}, err
		}
	}

	if trailingSlash && cur.Type != TypeDirectory {
		return LookupResult{}, vfserr.New("lookup", vfserr.KindInvalidArgument)
	}

	return LookupResult{Triplet: cur.Triplet, Size: cur.Size, Type: cur.Type}, nil
}

// step resolves one path component from cur, then applies mount
// substitution unless suppressed.
func (b *Broker) step(ctx context.Context, cur resolved, name string, flags LookupFlags, isLast bool) (resolved, error) {
	if name == ".." {
		return b.stepUp(ctx, cur, flags, isLast)
	}

	stepFlags := LookupFlags(0)
	if isLast {
		stepFlags = flags &^ LMountPoint // LMountPoint is applied after lookup, not inside it
	} else {
		stepFlags = LDirectory
	}

	srv, err := b.Registry.ServerByHandle(cur.Triplet.FSHandle)
	if err != nil {
		return resolved{}, err
	}
	lr, err := srv.Lookup(ctx, cur.Triplet.ServiceID, cur.Triplet.Index, name, stepFlags)
	if err != nil {
		return resolved{}, err
	}
	lr.Triplet.FSHandle = cur.Triplet.FSHandle // the answering server owns the result
	next := resolved{Triplet: lr.Triplet, Size: lr.Size, Type: lr.Type}

	if flags&LDisableMounts != 0 {
		return next, nil
	}
	if isLast && flags&LMountPoint != 0 {
		return next, nil
	}
	return b.crossMount(next), nil
}

// stepUp implements ".." including mount-point ascension.
func (b *Broker) stepUp(ctx context.Context, cur resolved, flags LookupFlags, isLast bool) (resolved, error) {
	if flags&LDisableMounts == 0 {
		if e, ok := b.Mounts.ReverseLookup(cur.Triplet); ok {
			if e.MountPoint.Zero() {
				// Ascending past the global root is a no-op.
				return cur, nil
			}
			mp, err := b.attrOf(ctx, e.MountPoint)
			if err != nil {
				return resolved{}, err
			}
			cur = mp
		}
	}

	srv, err := b.Registry.ServerByHandle(cur.Triplet.FSHandle)
	if err != nil {
		return resolved{}, err
	}
	lr, err := srv.Lookup(ctx, cur.Triplet.ServiceID, cur.Triplet.Index, "..", LDirectory)
	if err != nil {
		return resolved{}, err
	}
	lr.Triplet.FSHandle = cur.Triplet.FSHandle
	next := resolved{Triplet: lr.Triplet, Size: lr.Size, Type: lr.Type}
	if flags&LDisableMounts != 0 {
		return next, nil
	}
	return b.crossMount(next), nil
}

// crossMount substitutes t's mounted root if t is a mount point. The
// mount table keeps the mounted root's Node alive for as long as the
// mount exists, so its attributes are read from the cache instead of
// refetched from the child server.
func (b *Broker) crossMount(t resolved) resolved {
	mr, ok := b.Mounts.Lookup(t.Triplet)
	if !ok {
		return t
	}
	if n, ok := b.Nodes.Peek(mr); ok {
		size, typ := n.Attr()
		return resolved{Triplet: mr, Size: size, Type: typ}
	}
	return resolved{Triplet: mr, Size: t.Size, Type: t.Type}
}

// attrOf returns the current attributes of t, preferring the node
// cache (no round trip) and falling back to a direct stat.
func (b *Broker) attrOf(ctx context.Context, t Triplet) (resolved, error) {
	if n, ok := b.Nodes.Peek(t); ok {
		size, typ := n.Attr()
		return resolved{Triplet: t, Size: size, Type: typ}, nil
	}
	srv, err := b.Registry.ServerByHandle(t.FSHandle)
	if err != nil {
		return resolved{}, err
	}
	st, err := srv.Stat(ctx, t.ServiceID, t.Index)
	if err != nil {
		return resolved{}, err
	}
	return resolved{Triplet: t, Size: st.Size, Type: st.Type}, nil
}

// splitComponents splits path on "/", dropping empty segments and "."
// segments.
func splitComponents(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" || p == "." {
			continue
		}
		out = append(out, p)
	}
	return out
}
