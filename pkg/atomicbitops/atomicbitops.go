// Copyright 2020 The gVisor Authors.
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

// Package atomicbitops gives named, typed wrappers around sync/atomic so
// that fields like subprocess.numContexts read as what they are instead of
// a bare int32 that happens to always be touched atomically.
package atomicbitops

import "sync/atomic"

// Int32 is an int32 that must only be accessed atomically.
type Int32 struct {
	v int32
}

// Load reads the value.
func (a *Int32) Load() int32 { return atomic.LoadInt32(&a.v) }

// Store writes the value.
func (a *Int32) Store(v int32) { atomic.StoreInt32(&a.v, v) }

// Add adds delta and returns the new value.
func (a *Int32) Add(delta int32) int32 { return atomic.AddInt32(&a.v, delta) }

// CompareAndSwap performs a CAS.
func (a *Int32) CompareAndSwap(old, new int32) bool {
	return atomic.CompareAndSwapInt32(&a.v, old, new)
}

// Uint32 is a uint32 that must only be accessed atomically.
type Uint32 struct {
	v uint32
}

// Load reads the value.
func (a *Uint32) Load() uint32 { return atomic.LoadUint32(&a.v) }

// Store writes the value.
func (a *Uint32) Store(v uint32) { atomic.StoreUint32(&a.v, v) }

// CompareAndSwap performs a CAS.
func (a *Uint32) CompareAndSwap(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&a.v, old, new)
}

// Bool is a boolean flag that must only be accessed atomically.
type Bool struct {
	v uint32
}

// Load reads the flag.
func (b *Bool) Load() bool { return atomic.LoadUint32(&b.v) != 0 }

// Store writes the flag.
func (b *Bool) Store(v bool) {
	if v {
		atomic.StoreUint32(&b.v, 1)
	} else {
		atomic.StoreUint32(&b.v, 0)
	}
}

// Uint64 is a uint64 that must only be accessed atomically.
type Uint64 struct {
	v uint64
}

// Load reads the value.
func (a *Uint64) Load() uint64 { return atomic.LoadUint64(&a.v) }

// Store writes the value.
func (a *Uint64) Store(v uint64) { atomic.StoreUint64(&a.v, v) }

// Add adds delta and returns the new value.
func (a *Uint64) Add(delta uint64) uint64 { return atomic.AddUint64(&a.v, delta) }
