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

// Package config holds the resource manager's tunables and validates them
// with struct tags (AMBIENT addition: spec.md leaves configuration
// entirely out of scope beyond the single CLI port argument; every other
// constant from §6 — QUEUE_DEPTH, BUFFER_COUNT, BUFFER_SIZE, initial slab
// capacity — is promoted to a validated field here instead of staying a
// hardcoded literal).
package config

import (
	"github.com/go-playground/validator/v10"
)

// Defaults mirror the literal constants named in spec.md §4.4/§6.
const (
	DefaultQueueDepth          = 32768
	DefaultBufferCount         = 4096
	DefaultBufferSize          = 4096
	DefaultInitialSlabCapacity = 1000
	DefaultSlabAlignment       = 64
	DefaultRingBufferInitial   = 64
	// DefaultConnectionHeadroom is subtracted from rlim_cur when deriving
	// max_connections (spec.md §6).
	DefaultConnectionHeadroom = 1000
	// FallbackMaxConnections is used when getrlimit fails (spec.md §6).
	FallbackMaxConnections = 1000
)

// Config is the full set of tunables behind a running server, validated
// before the resource manager acts on any of them.
type Config struct {
	Port int `validate:"required,min=1,max=65535"`

	QueueDepth          uint32 `validate:"required,min=2"`
	BufferCount         int    `validate:"required,min=1"`
	BufferSize          int    `validate:"required,min=64"`
	InitialSlabCapacity int    `validate:"min=0"`
	SlabAlignment       int    `validate:"required,min=8"`
	RingBufferInitial   int    `validate:"required,min=64"`

	ConnectionHeadroom int `validate:"min=0"`
}

// Default returns a Config populated from the package defaults for the
// given port.
func Default(port int) *Config {
	return &Config{
		Port:                port,
		QueueDepth:          DefaultQueueDepth,
		BufferCount:         DefaultBufferCount,
		BufferSize:          DefaultBufferSize,
		InitialSlabCapacity: DefaultInitialSlabCapacity,
		SlabAlignment:       DefaultSlabAlignment,
		RingBufferInitial:   DefaultRingBufferInitial,
		ConnectionHeadroom:  DefaultConnectionHeadroom,
	}
}

var validate = validator.New()

// Validate checks every tag on Config and returns the first aggregated
// validation error, or nil if the config is acceptable.
func (c *Config) Validate() error {
	return validate.Struct(c)
}
