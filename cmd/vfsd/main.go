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

// Command vfsd is a standalone demonstration of the broker wired to
// in-memory file-system servers: it reads a small JSON config
// describing which memfs instances to register and where to mount
// them, performs the mounts, runs a sanity walk/write/read, and
// prints the resulting mount table. It has no network-facing
// transport of its own; cmd/vfsfuse is the front end that exposes a
// broker over a real kernel mount.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dusxmt/helenos/jsonconfig"
	"github.com/dusxmt/helenos/memfs"
	"github.com/dusxmt/helenos/vfs"
)

var configPath = flag.String("config", "", "path to a vfsd JSON config file")

func main() {
	flag.Parse()
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "vfsd: -config is required")
		os.Exit(2)
	}

	cfg, err := jsonconfig.ReadFile(*configPath)
	if err != nil {
		vfs.Logger.Fatalf("reading config: %v", err)
	}

	reg := vfs.NewRegistry()
	broker := vfs.NewBroker(reg)
	ctx := context.Background()

	e := jsonconfig.NewErrs()
	fsList := cfg.RequiredList(e, "filesystems")
	if err := e.Err(); err != nil {
		vfs.Logger.Fatalf("config: %v", err)
	}
	for _, fc := range fsList {
		fe := jsonconfig.NewErrs()
		name := fc.RequiredString(fe, "name")
		instance := fc.OptionalInt("instance", 0)
		serviceID := fc.OptionalInt("service_id", 0)
		if err := fe.Err(); err != nil {
			vfs.Logger.Fatalf("config: filesystem entry: %v", err)
		}
		srv := memfs.New(vfs.ServiceID(serviceID))
		reg.Register(uint32(instance), name, memfs.Capabilities(), srv)
		vfs.Logger.Printf("registered %q instance=%d service_id=%d", name, instance, serviceID)
	}

	rootCfg := cfg.RequiredList(e, "root")
	if err := e.Err(); err != nil || len(rootCfg) != 1 {
		vfs.Logger.Fatalf("config: \"root\" must be a single-element list")
	}
	client := broker.NewClient()
	mountFS(ctx, client, rootCfg[0], "/")

	for _, mc := range cfg.RequiredList(e, "mounts") {
		path := mc.OptionalString("path", "")
		mountFS(ctx, client, mc, path)
	}
	if err := cfg.Validate(); err != nil {
		vfs.Logger.Printf("config: %v", err)
	}

	runSanityCheck(ctx, client)

	for _, m := range broker.GetMtab() {
		fmt.Printf("%-20s %-10s opts=%q\n", m.MountPoint, m.FSName, m.Options)
	}
}

func mountFS(ctx context.Context, client *vfs.Client, mc jsonconfig.Obj, path string) {
	fe := jsonconfig.NewErrs()
	fsName := mc.RequiredString(fe, "fs")
	instance := mc.OptionalInt("instance", 0)
	serviceID := mc.OptionalInt("service_id", 0)
	opts := mc.OptionalString("options", "")
	if err := fe.Err(); err != nil {
		vfs.Logger.Fatalf("config: mount entry: %v", err)
	}
	req := vfs.MountRequest{
		Path:      path,
		Instance:  uint32(instance),
		FSName:    fsName,
		ServiceID: vfs.ServiceID(serviceID),
		Options:   opts,
		Blocking:  true,
	}
	if _, err := client.Mount(ctx, req); err != nil {
		vfs.Logger.Fatalf("mount %s: %v", path, err)
	}
}

// runSanityCheck exercises walk/write/read/close once so a smoke run
// of vfsd proves the wiring works end to end.
func runSanityCheck(ctx context.Context, client *vfs.Client) {
	fd, _, err := client.Walk(ctx, -1, "hello.txt", vfs.WalkMustCreate|vfs.WalkRegular)
	if err != nil {
		vfs.Logger.Fatalf("sanity walk: %v", err)
	}
	if _, err := client.Write(ctx, fd, []byte("hello from vfsd\n")); err != nil {
		vfs.Logger.Fatalf("sanity write: %v", err)
	}
	if _, err := client.Seek(fd, 0, vfs.SeekSet); err != nil {
		vfs.Logger.Fatalf("sanity seek: %v", err)
	}
	buf := make([]byte, 64)
	n, err := client.Read(ctx, fd, buf)
	if err != nil {
		vfs.Logger.Fatalf("sanity read: %v", err)
	}
	vfs.Logger.Printf("sanity check read back: %q", buf[:n])
	if err := client.Close(ctx, fd); err != nil {
		vfs.Logger.Fatalf("sanity close: %v", err)
	}
}
