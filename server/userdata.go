/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package server

// User-data encoding (SPEC_FULL.md §9 resolution #1, replacing
// spec.md §9's sentinel-pointer design note): a uint64 tagged variant.
// The top bit distinguishes the standing Accept completion from an I/O
// completion carrying a connection's stable slab index in the low 32
// bits. A slab index, not a raw pointer, means a stale completion
// against an already-closed slot is detected by checking the index's
// liveness in the connection pool instead of dereferencing freed memory.
// A slot already re-acquired by a new connection is live and is not told
// apart from it.
const acceptTag = uint64(1) << 63

func acceptUserData() uint64 {
	return acceptTag
}

func ioUserData(slabIndex uint32) uint64 {
	return uint64(slabIndex)
}

func isAcceptCompletion(userData uint64) bool {
	return userData&acceptTag != 0
}

func slabIndexOf(userData uint64) uint32 {
	return uint32(userData)
}
