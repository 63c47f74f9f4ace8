// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry holds the maps the filesystem adapter uses to find
// inodes and handles by the ids the kernel hands back on every subsequent
// request.
package registry

import (
	"sync"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/catfs-project/catfs/internal/inode"
)

// Inodes is ino -> *inode.Inode plus the reverse path -> ino index, guarded
// by a single mutex covering both maps (per the locking discipline: the
// registry mutex sits above every inode lock, so it must never be held
// across a syscall).
type Inodes struct {
	mu     sync.Mutex
	byID   map[fuseops.InodeID]*inode.Inode
	byPath map[string]fuseops.InodeID
	nextID fuseops.InodeID
}

// New returns an empty registry whose id generator starts just past the
// root inode's fixed id.
func New() *Inodes {
	return &Inodes{
		byID:   make(map[fuseops.InodeID]*inode.Inode),
		byPath: make(map[string]fuseops.InodeID),
		nextID: fuseops.RootInodeID + 1,
	}
}

// NextID returns the next id to mint, advancing the generator.
func (r *Inodes) NextID() fuseops.InodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	return id
}

// Get returns the inode registered under ino, or nil.
func (r *Inodes) Get(ino fuseops.InodeID) *inode.Inode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[ino]
}

// GetByPath returns the inode registered under path, or nil.
func (r *Inodes) GetByPath(path string) *inode.Inode {
	r.mu.Lock()
	defer r.mu.Unlock()
	ino, ok := r.byPath[path]
	if !ok {
		return nil
	}
	return r.byID[ino]
}

// Insert registers in under both its id and its current path.
func (r *Inodes) Insert(in *inode.Inode, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[in.ID()] = in
	r.byPath[path] = in.ID()
}

// Remove drops ino from both maps; path is required since the inode lock
// must not be taken while the registry mutex is held, so the caller
// supplies the path it already knows rather than the registry calling
// back into the inode for it.
func (r *Inodes) Remove(ino fuseops.InodeID, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, ino)
	if r.byPath[path] == ino {
		delete(r.byPath, path)
	}
}

// ReplacePath updates the path index after a rename; ino's own Path()
// field is updated separately by the caller while holding ino's lock.
func (r *Inodes) ReplacePath(ino fuseops.InodeID, oldPath, newPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byPath[oldPath] == ino {
		delete(r.byPath, oldPath)
	}
	r.byPath[newPath] = ino
}

// Handles is ino_u64 -> T with a monotonic 1-origin id generator, used for
// both directory and file handles.
type Handles[T any] struct {
	mu     sync.Mutex
	byID   map[fuseops.HandleID]T
	nextID fuseops.HandleID
}

// NewHandles returns an empty handle registry.
func NewHandles[T any]() *Handles[T] {
	return &Handles[T]{
		byID:   make(map[fuseops.HandleID]T),
		nextID: 1,
	}
}

// Insert registers v under a freshly minted handle id and returns it.
func (h *Handles[T]) Insert(v T) fuseops.HandleID {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.byID[id] = v
	return id
}

// Get returns the value registered under id and whether it was found.
func (h *Handles[T]) Get(id fuseops.HandleID) (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.byID[id]
	return v, ok
}

// Remove drops id from the registry.
func (h *Handles[T]) Remove(id fuseops.HandleID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byID, id)
}
