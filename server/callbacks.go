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

import "net/netip"

// Callbacks is the three-function-pointer ABI from spec.md §4.6: set
// once before Run and not mutated thereafter (spec.md §9 "global state").
// Any field left nil is simply not invoked.
type Callbacks struct {
	// OnConnect fires once per accepted connection, after registration
	// in the connections array and before the first recv is submitted.
	OnConnect func(peer netip.AddrPort)

	// OnData fires once per successful read, synchronously inside
	// completion handling. data is only guaranteed valid for the duration
	// of the call; the loop passes a fresh copy of the bytes just read,
	// not a view of ring-buffer or fixed-buffer memory.
	OnData func(peer netip.AddrPort, data []byte)

	// OnDisconnect fires once per connection, after its fd is closed.
	OnDisconnect func(peer netip.AddrPort)
}
