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
	"sync"

	"golang.org/x/sync/singleflight"
)

// Node is the broker-side cached handle for one live Triplet. Exactly
// one Node exists per distinct live Triplet at any time (component A,
// spec §3/§4.A).
type Node struct {
	triplet Triplet

	mu       sync.Mutex
	size     uint64
	typ      NodeType
	refcount int
	unlinked bool // set by the resolver's LUnlink; destroy on evict

	// ContentsLock is the many-reader/one-writer guard on this
	// object's bytes (spec §3, lock hierarchy level 4).
	ContentsLock sync.RWMutex
}

// Triplet returns the node's identity.
func (n *Node) Triplet() Triplet { return n.triplet }

// Attr returns the node's cached size and type.
func (n *Node) Attr() (size uint64, typ NodeType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.size, n.typ
}

// SetSize updates the cached size, e.g. after a successful write or
// truncate reports a new size from the owning server.
func (n *Node) SetSize(size uint64) {
	n.mu.Lock()
	n.size = size
	n.mu.Unlock()
}

func (n *Node) refs() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.refcount
}

// NodeCache is the global hash of live triplets to their Node,
// indexed by Triplet (spec §4.A).
type NodeCache struct {
	registry *Registry

	mu    sync.Mutex
	nodes map[Triplet]*Node

	// fetch coalesces concurrent misses on the same triplet into one
	// outstanding VFS_OUT_STAT round trip to the owning
	// server, per spec §4.A ("Concurrent misses ... must coalesce").
	fetch singleflight.Group
}

// NewNodeCache constructs an empty cache bound to a server registry.
func NewNodeCache(reg *Registry) *NodeCache {
	return &NodeCache{registry: reg, nodes: make(map[Triplet]*Node)}
}

// Get returns the Node for lr.Triplet, incrementing its refcount. The
// first acquirer of a given triplet populates size/type from lr, the
// caller having already done the round trip to the owning server; Get
// itself never contacts a server.
func (c *NodeCache) Get(ctx context.Context, lr LookupResult) (*Node, error) {
	c.mu.Lock()
	if n, ok := c.nodes[lr.Triplet]; ok {
		n.mu.Lock()
		n.refcount++
		n.mu.Unlock()
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	// lr already carries authoritative size/type (the resolver always
	// supplies them from the server's lookup answer), so there is
	// nothing to fetch: install directly. GetByTriplet below is the path
	// used when only the triplet is known and attributes must be
	// fetched from the owning server.
	return c.install(lr), nil
}

// GetByTriplet returns the Node for t, incrementing its refcount and
// fetching size/type from the owning server on a miss. Concurrent
// misses for the same triplet share one fetch; each caller still takes
// its own reference.
func (c *NodeCache) GetByTriplet(ctx context.Context, t Triplet) (*Node, error) {
	c.mu.Lock()
	if n, ok := c.nodes[t]; ok {
		n.mu.Lock()
		n.refcount++
		n.mu.Unlock()
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	v, err, _ := c.fetch.Do(t.String(), func() (interface{}, error) {
		srv, err := c.registry.ServerByHandle(t.FSHandle)
		if err != nil {
			return nil, err
		}
		st, err := srv.Stat(ctx, t.ServiceID, t.Index)
		if err != nil {
			return nil, err
		}
		return LookupResult{Triplet: t, Size: st.Size, Type: st.Type}, nil
	})
	if err != nil {
		return nil, err
	}
	return c.install(v.(LookupResult)), nil
}

func (c *NodeCache) install(lr LookupResult) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[lr.Triplet]; ok {
		n.mu.Lock()
		n.refcount++
		n.mu.Unlock()
		return n
	}
	n := &Node{triplet: lr.Triplet, size: lr.Size, typ: lr.Type, refcount: 1}
	c.nodes[lr.Triplet] = n
	return n
}

// Put decrements n's refcount, evicting it from the cache at zero. If
// the node was unlinked, VFS_OUT_DESTROY is sent to the owning server
// before the node is freed (spec §4.A eviction policy).
func (c *NodeCache) Put(ctx context.Context, n *Node) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.refcount--
	if n.refcount > 0 {
		n.mu.Unlock()
		return
	}
	if n.refcount < 0 {
		Logger.Printf("node %s: refcount went negative, clamping", n.triplet)
		n.refcount = 0
	}
	unlinked := n.unlinked
	n.mu.Unlock()

	c.mu.Lock()
	if cur, ok := c.nodes[n.triplet]; ok && cur == n {
		delete(c.nodes, n.triplet)
	}
	c.mu.Unlock()

	if unlinked {
		if srv, err := c.registry.ServerByHandle(n.triplet.FSHandle); err == nil {
			if err := srv.Destroy(ctx, n.triplet.ServiceID, n.triplet.Index); err != nil {
				Logger.Printf("node %s: destroy on evict: %v", n.triplet, err)
			}
		}
	}
}

// Forget decrements n's refcount without any FS round trip, used when
// unmounting a root whose owning server is already gone.
func (c *NodeCache) Forget(n *Node) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.refcount--
	zero := n.refcount <= 0
	if n.refcount < 0 {
		n.refcount = 0
	}
	n.mu.Unlock()
	if zero {
		c.mu.Lock()
		if cur, ok := c.nodes[n.triplet]; ok && cur == n {
			delete(c.nodes, n.triplet)
		}
		c.mu.Unlock()
	}
}

// MarkUnlinked sets the node's "destroy on last reference" bit. Called
// by Unlink2 and Rename after a successful LUnlink lookup.
func (n *Node) MarkUnlinked() {
	n.mu.Lock()
	n.unlinked = true
	n.mu.Unlock()
}

// Peek returns the already-cached Node for t without incrementing its
// refcount or performing any FS round trip on a miss. Used by the
// resolver to read a mounted root's attributes: the mount table keeps
// a strong reference to that node for as long as the mount exists, so
// a miss here would indicate a bug rather than a legitimate fetch.
func (c *NodeCache) Peek(t Triplet) (*Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[t]
	return n, ok
}

// RefcountSum returns the sum of refcounts over every live node
// belonging to (fsHandle, serviceID), used by unmount to detect a
// busy mount (spec §4.A, invariant #3 of §8).
func (c *NodeCache) RefcountSum(fsHandle FSHandle, serviceID ServiceID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum := 0
	for t, n := range c.nodes {
		if t.FSHandle == fsHandle && t.ServiceID == serviceID {
			sum += n.refs()
		}
	}
	return sum
}
