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

package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestRunReturnsFnError(t *testing.T) {
	p := New(1)
	want := errors.New("boom")

	err := p.Run(context.Background(), func() error { return want })
	assert.Equal(t, want, err)
}

func TestRunBoundsConcurrency(t *testing.T) {
	p := New(2)

	var current, max int32
	var wg errgroup.Group

	const tasks = 8
	for i := 0; i < tasks; i++ {
		wg.Go(func() error {
			return p.Run(context.Background(), func() error {
				n := atomic.AddInt32(&current, 1)
				for {
					m := atomic.LoadInt32(&max)
					if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil
			})
		})
	}
	require.NoError(t, wg.Wait())

	assert.LessOrEqual(t, int(atomic.LoadInt32(&max)), 2)
}

func TestRunUnblocksOnContextCancel(t *testing.T) {
	p := New(1)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Run(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Run(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
}
