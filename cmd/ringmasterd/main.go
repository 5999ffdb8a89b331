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

// Command ringmasterd is the standalone echo-server binary described in
// spec.md §6: a single required CLI argument, a port number, and nothing
// else to parse.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/jacoblai/RingMaster/config"
	"github.com/jacoblai/RingMaster/ioerr"
	"github.com/jacoblai/RingMaster/resource"
	"github.com/jacoblai/RingMaster/server"
)

func main() {
	os.Exit(run())
}

// run contains everything main would otherwise do directly, so that
// os.Exit's bypass of deferred calls never reaches the cleanup paths.
func run() int {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <port>\n", os.Args[0])
		return 1
	}

	port, err := strconv.Atoi(os.Args[1])
	if err != nil || port < 1 || port > 65535 {
		fmt.Fprintln(os.Stderr, "Invalid port number")
		return 1
	}

	log := logrus.New()
	log.SetFormatter(ioerr.Formatter{})

	cfg := config.Default(port)
	if err := cfg.Validate(); err != nil {
		log.WithField("err", err).Error(ioerr.New(ioerr.InvalidArgument, "config validation failed").Line())
		return 1
	}

	res := resource.New(cfg, log)
	if err := res.Bootstrap(); err != nil {
		log.WithField(ioerr.ErrorField, err).Error(err)
		return 1
	}
	defer res.Cleanup()

	srv := server.New(res, server.Callbacks{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		srv.RequestShutdown()
	}()

	banner := color.New(color.FgCyan, color.Bold).SprintFunc()
	arena := humanize.IBytes(uint64(cfg.BufferCount) * uint64(cfg.BufferSize))

	fmt.Printf("Starting server on port %d\n", port)
	log.WithFields(logrus.Fields{
		"max_connections":   res.MaxConnections,
		"queue_depth":       cfg.QueueDepth,
		"fixed_buffer_pool": arena,
	}).Info(banner("ringmasterd bootstrapped"))
	fmt.Println("Server started. Press Ctrl+C to stop.")

	if err := srv.Run(); err != nil {
		log.WithField(ioerr.ErrorField, err).Error(err)
		return 1
	}
	return 0
}
