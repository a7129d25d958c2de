//go:build linux || darwin

/*
Copyright 2026 The Helenos VFS Authors

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

// Command vfsfuse mounts a broker, backed by one in-memory file
// system, onto a real directory via FUSE, the way cmd/pk-mount mounts
// a Perkeep tree.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"github.com/dusxmt/helenos/fusebridge"
	"github.com/dusxmt/helenos/memfs"
	"github.com/dusxmt/helenos/vfs"
)

var debug = flag.Bool("debug", false, "log FUSE protocol traffic")

func usage() {
	fmt.Fprint(os.Stderr, "usage: vfsfuse [opts] <mountpoint>\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
	}
	mountPoint := flag.Arg(0)

	if *debug {
		fuse.Debug = func(msg interface{}) { log.Print(msg) }
	}

	reg := vfs.NewRegistry()
	broker := vfs.NewBroker(reg)
	ctx := context.Background()

	backing := memfs.New(1)
	reg.Register(0, "memfs", memfs.Capabilities(), backing)

	client := broker.NewClient()
	if _, err := client.Mount(ctx, vfs.MountRequest{
		Instance:  0,
		FSName:    "memfs",
		ServiceID: 1,
		Blocking:  true,
	}); err != nil {
		log.Fatalf("mounting root file system: %v", err)
	}

	conn, err := fuse.Mount(mountPoint, fuse.VolumeName(filepath.Base(mountPoint)))
	if err != nil {
		log.Fatalf("Mount: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)

	doneServe := make(chan error, 1)
	go func() {
		doneServe <- fusefs.Serve(conn, fusebridge.New(client))
	}()

	select {
	case err := <-doneServe:
		log.Printf("conn.Serve returned %v", err)
		<-conn.Ready
		if err := conn.MountError; err != nil {
			log.Printf("conn.MountError: %v", err)
		}
	case sig := <-sigc:
		log.Printf("signal %s received, shutting down.", sig)
	}

	log.Printf("unmounting...")
	if err := fuse.Unmount(mountPoint); err != nil {
		log.Printf("unmount: %v", err)
	}
	log.Printf("vfsfuse process ending.")
}
