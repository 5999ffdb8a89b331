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

package ringbuf

import "errors"

// errNotAllocated is returned when an operation requires backing storage
// that a prior allocation failure left unavailable (spec.md §4.1 init
// contract: a RingBuffer that failed to allocate degrades every subsequent
// operation to a no-op/error instead of panicking).
var errNotAllocated = errors.New("ringbuf: buffer not allocated")

// errGrowTooLarge is returned when the ×1.5 growth policy would need to
// exceed maxCapacity to satisfy a write, per spec.md §4.1's growth ceiling.
var errGrowTooLarge = errors.New("ringbuf: required capacity exceeds maximum")
