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

	"github.com/dusxmt/helenos/vfserr"
)

// serverKey is the registry's lookup key: (instance, name).
type serverKey struct {
	instance uint32
	name     string
}

type serverEntry struct {
	handle       FSHandle
	name         string
	instance     uint32
	capabilities Capabilities
	server       FSServer
}

// Registry is the dynamic list of known file-system servers, keyed by
// (instance, name), with a condition variable that wakes any mount
// calls blocked waiting for a server to appear (spec §4.G).
type Registry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	byKey   map[serverKey]*serverEntry
	byHand  map[FSHandle]*serverEntry
	nextHnd FSHandle
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		byKey:   make(map[serverKey]*serverEntry),
		byHand:  make(map[FSHandle]*serverEntry),
		nextHnd: 1,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Register adds a new server under (instance, name), returning its
// freshly allocated handle, and wakes any fibrils blocked in
// NameToHandleBlocking.
func (r *Registry) Register(instance uint32, name string, caps Capabilities, srv FSServer) FSHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.nextHnd
	r.nextHnd++
	e := &serverEntry{handle: h, name: name, instance: instance, capabilities: caps, server: srv}
	r.byKey[serverKey{instance, name}] = e
	r.byHand[h] = e
	r.cond.Broadcast()
	return h
}

// Unregister removes a server, e.g. when it disconnects.
func (r *Registry) Unregister(handle FSHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byHand[handle]
	if !ok {
		return
	}
	delete(r.byHand, handle)
	delete(r.byKey, serverKey{e.instance, e.name})
}

// NameToHandle returns the handle for (instance, name), or 0 if
// absent (spec §4.G).
func (r *Registry) NameToHandle(instance uint32, name string) FSHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byKey[serverKey{instance, name}]; ok {
		return e.handle
	}
	return 0
}

// NameToHandleBlocking waits for (instance, name) to be registered,
// honoring ctx cancellation. A waiter holds no namespace reference;
// on wake it must re-validate by re-looking-up the name, since
// another fibril could have raced it to the same server (spec §9).
func (r *Registry) NameToHandleBlocking(ctx context.Context, instance uint32, name string) (FSHandle, error) {
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				r.mu.Lock()
				r.cond.Broadcast()
				r.mu.Unlock()
			case <-done:
			}
		}()
		defer close(done)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if e, ok := r.byKey[serverKey{instance, name}]; ok {
			return e.handle, nil
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}
		}
		r.cond.Wait()
	}
}

// ServerByHandle returns the FSServer for handle.
func (r *Registry) ServerByHandle(handle FSHandle) (FSServer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byHand[handle]
	if !ok {
		return nil, vfserr.New("registry", vfserr.KindNotFound)
	}
	return e.server, nil
}

// Capabilities returns the capability bits registered for handle.
func (r *Registry) Capabilities(handle FSHandle) (Capabilities, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byHand[handle]
	if !ok {
		return Capabilities{}, vfserr.New("registry", vfserr.KindNotFound)
	}
	return e.capabilities, nil
}

// Name returns the registered name for handle, for mtab display.
func (r *Registry) Name(handle FSHandle) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byHand[handle]; ok {
		return e.name
	}
	return ""
}
