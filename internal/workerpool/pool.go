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

// Package workerpool bounds the number of goroutines concurrently running
// long operations dispatched from the kernel filesystem-protocol receive
// loop, which otherwise spawns one goroutine per request with no limit of
// its own.
package workerpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool admits at most size concurrently-running tasks; callers beyond that
// block in Run until a slot frees up or their context is cancelled.
type Pool struct {
	sem *semaphore.Weighted
}

// New returns a Pool that admits up to size concurrent tasks.
func New(size int64) *Pool {
	return &Pool{sem: semaphore.NewWeighted(size)}
}

// Run blocks until a slot is available (or ctx is done), then runs fn
// synchronously, returning its error. This gives the caller — typically a
// fuseutil.FileSystem method already running on its own goroutine — a
// simple call-and-wait shape while still bounding total concurrency across
// all in-flight requests.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	return fn()
}
