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

// Broker is the VFS broker: the single process-wide object owning the
// mounted namespace, the node cache, the mount table, the FS-server
// registry and the namespace lock. One Broker typically serves many
// clients (one FDTable each).
//
// Lock hierarchy (must be acquired in this order; released in
// reverse; spec §5):
//  1. NamespaceLock (rw)        -- b.nsLock
//  2. mount table / registry    -- internal to MountTable/Registry
//  3. per-file file.mu
//  4. per-node node.ContentsLock
//  5. mtab list lock            -- b.mtabLock, may be taken last
type Broker struct {
	Nodes    *NodeCache
	Mounts   *MountTable
	Registry *Registry

	// NamespaceLock is the global namespace-mutation guard.
	// Namespace-mutating handlers (mount, unmount, unlink, rename)
	// take it write; lookup-only handlers (walk, the resolves
	// performed during open/read/write) take it read.
	NamespaceLock sync.RWMutex

	mu   sync.Mutex // guards root
	root *Node      // nil until the root file system is mounted

	mtabLock sync.Mutex // orthogonal; may be taken last
	mtab     []MtabEntry

	clientsMu sync.Mutex
	nextCID   uint64
}

// NewBroker constructs an empty broker with no root mounted.
func NewBroker(reg *Registry) *Broker {
	return &Broker{
		Nodes:    NewNodeCache(reg),
		Mounts:   NewMountTable(),
		Registry: reg,
	}
}

// Root returns the current root node, or nil if nothing is mounted
// yet.
func (b *Broker) Root() *Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.root
}

func (b *Broker) setRoot(n *Node) {
	b.mu.Lock()
	b.root = n
	b.mu.Unlock()
}

// requireRoot returns the current root or KindNotFound if the root
// file system isn't mounted yet. Every resolve-requiring handler must
// reject before root is set (SPEC_FULL.md §4).
func (b *Broker) requireRoot() (*Node, error) {
	n := b.Root()
	if n == nil {
		return nil, vfserr.New("broker", vfserr.KindNotFound)
	}
	return n, nil
}

// NewClient allocates a fresh per-client file-descriptor table
// (component D), analogous to a new connection arriving over the
// broker's transport.
func (b *Broker) NewClient() *Client {
	b.clientsMu.Lock()
	b.nextCID++
	id := b.nextCID
	b.clientsMu.Unlock()
	return &Client{id: id, broker: b, fds: newFDTable()}
}

// Client is a per-connection handle bundling the broker with one
// client's file-descriptor table. Its methods are the request
// handlers of spec §4.F / §6: the single reply-per-request contract
// is satisfied naturally by each method's (result, error) return.
type Client struct {
	id     uint64
	broker *Broker
	fds    *fdTable

	pendingMu sync.Mutex
	pending   chan mountOutcome // set by a non-blocking Mount; drained by WaitHandle
}

// ID returns the client's opaque identifier, used only for logging.
func (c *Client) ID() uint64 { return c.id }

// mountOutcome is the result delivered to a client's pending channel
// by a non-blocking Mount once the target server registers and the
// graft completes.
type mountOutcome struct {
	triplet Triplet
	err     error
}

// ioLock acquires the node's contents lock in the mode its owning
// server's capabilities allow: a read always takes the shared side; a
// write takes it too when the server tolerates concurrent read/write
// and a write never changes the reported size, and the exclusive side
// otherwise (spec §4.F, §5 "read/write I/O ... takes the read side so
// multiple bulk I/Os may proceed").
func (b *Broker) ioLock(node *Node, caps Capabilities, write bool) (unlock func()) {
	exclusive := write && (!caps.ConcurrentReadWrite || !caps.WriteRetainsSize)
	if exclusive {
		node.ContentsLock.Lock()
		return node.ContentsLock.Unlock
	}
	node.ContentsLock.RLock()
	return node.ContentsLock.RUnlock
}
