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

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jacoblai/RingMaster/ioerr"
)

func TestPeakTracksHighWaterMark(t *testing.T) {
	r := New()
	for i := 0; i < 5000; i++ {
		r.ConnectionAccepted()
	}
	for i := 0; i < 4000; i++ {
		r.ConnectionClosed()
	}
	snap := r.Snapshot()
	assert.Equal(t, int64(1000), snap.Live)
	assert.Equal(t, int64(5000), snap.Peak, "peak must equal the highest live count ever reached, matching S4")
	assert.Equal(t, int64(5000), snap.Accepted)
	assert.Equal(t, int64(4000), snap.Closed)
}

func TestErrorIncrementsLabeledCounter(t *testing.T) {
	r := New()
	r.Error(ioerr.ConnectionLimitReached)
	r.Error(ioerr.ConnectionLimitReached)
	r.Error(ioerr.URingQueueFull)

	families, err := r.Registry.Gather()
	assert.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() != "ringmaster_errors_total" {
			continue
		}
		found = true
		for _, m := range f.Metric {
			for _, l := range m.Label {
				if l.GetValue() == "CONNECTION_LIMIT_REACHED" {
					assert.Equal(t, float64(2), m.Counter.GetValue())
				}
			}
		}
	}
	assert.True(t, found, "ringmaster_errors_total must be registered")
}
