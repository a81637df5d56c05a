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
	"sync/atomic"
	"testing"
	"time"
)

func TestTaskGroupCancelJoin(t *testing.T) {
	group := newTaskGroup(context.Background())

	var finished int32
	for i := 0; i < 3; i++ {
		group.Go(func(ctx context.Context) {
			<-ctx.Done()
			atomic.AddInt32(&finished, 1)
		})
	}

	group.Cancel()
	if !group.Wait(2 * time.Second) {
		t.Fatal("tasks did not finish after cancellation")
	}
	if v := atomic.LoadInt32(&finished); v != 3 {
		t.Fatalf("unexpected finished count: expected=3, actual=%v", v)
	}
	if v := group.Len(); v != 0 {
		t.Fatalf("unexpected live count: expected=0, actual=%v", v)
	}
}

func TestTaskGroupWaitDeadline(t *testing.T) {
	group := newTaskGroup(context.Background())

	// This task ignores cancellation for a while.
	group.Go(func(ctx context.Context) {
		time.Sleep(300 * time.Millisecond)
	})

	group.Cancel()
	if group.Wait(20 * time.Millisecond) {
		t.Fatal("wait returned before the task finished")
	}
	if group.Len() != 1 {
		t.Fatalf("unexpected live count: expected=1, actual=%v", group.Len())
	}
	if !group.Wait(2 * time.Second) {
		t.Fatal("the task never finished")
	}
}

func TestTaskGroupRejectAfterCancel(t *testing.T) {
	group := newTaskGroup(context.Background())
	group.Cancel()

	started := make(chan struct{})
	group.Go(func(ctx context.Context) {
		close(started)
	})

	select {
	case <-started:
		t.Fatal("a task was spawned on a cancelled group")
	case <-time.After(50 * time.Millisecond):
	}
	if group.Len() != 0 {
		t.Fatalf("unexpected live count: expected=0, actual=%v", group.Len())
	}
}

func TestTaskGroupParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	group := newTaskGroup(parent)

	done := make(chan struct{})
	group.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("parent cancellation did not propagate")
	}
}
