/*
 * Zof - An OpenFlow Controller Framework
 *
 * Copyright (C) 2019 William W. Fisher <william.w.fisher@gmail.com>
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

package network

import (
	"context"
	"sync"
	"time"
)

// TaskGroup manages a set of goroutines with a shared cancellation scope.
// There are exactly two scopes: the controller group, which lives for the
// duration of Run, and one group per datapath, which lives for the
// connection. Tasks observe cancellation through their context.
type TaskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	wg     sync.WaitGroup
	count  int
	closed bool
}

func newTaskGroup(parent context.Context) *TaskGroup {
	ctx, cancel := context.WithCancel(parent)

	return &TaskGroup{ctx: ctx, cancel: cancel}
}

// Go spawns fn as a member of the group. Tasks spawned after the group was
// cancelled are rejected.
func (r *TaskGroup) Go(fn func(ctx context.Context)) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		logger.Debugf("rejecting a task on a cancelled group")
		return
	}
	r.count++
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			r.count--
			r.mu.Unlock()
			r.wg.Done()
		}()
		fn(r.ctx)
	}()
}

// Cancel signals every member task. It does not wait for them.
func (r *TaskGroup) Cancel() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
}

// Wait blocks until all member tasks have finished, or until the timeout
// expires. A non-positive timeout makes Wait a non-blocking check. It
// returns false if tasks were still running when the deadline passed.
func (r *TaskGroup) Wait(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(c)
	}()

	if timeout <= 0 {
		select {
		case <-c:
			return true
		default:
			return false
		}
	}

	select {
	case <-c:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Len returns the number of live member tasks.
func (r *TaskGroup) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.count
}
