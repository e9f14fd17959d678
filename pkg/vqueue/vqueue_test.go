/*
Copyright 2024 The VPNC Authors

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

package vqueue

import (
	"testing"
	"time"
)

func TestSlotLastWriterWins(t *testing.T) {
	t.Parallel()
	s := NewSlot[int]()
	s.Set(1)
	s.Set(2)
	s.Set(3)
	done := make(chan struct{})
	v, ok := s.Wait(done)
	if !ok || v != 3 {
		t.Fatalf("got (%v, %v), want (3, true)", v, ok)
	}
}

func TestSlotWaitUnblocksOnDone(t *testing.T) {
	t.Parallel()
	s := NewSlot[int]()
	done := make(chan struct{})
	close(done)
	if _, ok := s.Wait(done); ok {
		t.Fatal("expected Wait to report false once done is closed")
	}
}

func TestSlotGetIsIdempotent(t *testing.T) {
	t.Parallel()
	s := NewSlot[string]()
	s.Set("a")
	v1, ok1 := s.Get()
	v2, ok2 := s.Get()
	if !ok1 || !ok2 || v1 != v2 {
		t.Fatalf("Get should be repeatable between Sets, got %v/%v %v/%v", v1, ok1, v2, ok2)
	}
}

func TestAccumulatorCoalesces(t *testing.T) {
	t.Parallel()
	acc := NewAccumulator(func(existing, next map[string]bool) map[string]bool {
		for k := range next {
			existing[k] = true
		}
		return existing
	})
	acc.Push(map[string]bool{"a": true})
	acc.Push(map[string]bool{"b": true})
	acc.Push(map[string]bool{"a": true})

	v, ok := acc.Drain()
	if !ok || len(v) != 2 {
		t.Fatalf("got %v, want a set of 2 keys", v)
	}
	if _, ok := acc.Drain(); ok {
		t.Fatal("second Drain should find nothing pending")
	}
}

func TestAccumulatorWaitUnblocksOnDone(t *testing.T) {
	t.Parallel()
	acc := NewAccumulator(func(existing, next int) int { return existing + next })
	done := make(chan struct{})
	close(done)
	if acc.Wait(done) {
		t.Fatal("expected Wait to report false once done is closed")
	}
}

func TestAccumulatorWaitSignals(t *testing.T) {
	t.Parallel()
	acc := NewAccumulator(func(existing, next int) int { return existing + next })
	done := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		acc.Push(1)
	}()
	if !acc.Wait(done) {
		t.Fatal("expected Wait to report true once Push fires")
	}
	v, ok := acc.Drain()
	if !ok || v != 1 {
		t.Fatalf("got (%v, %v), want (1, true)", v, ok)
	}
}
