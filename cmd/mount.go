// Copyright 2024 Google LLC
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

package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-cfuse/containerfuse/containerfs"
	fusebridge "github.com/go-cfuse/containerfuse/fs"
)

// daemonizeEnvVar marks a re-exec'd child as already past the
// daemonizing step.
const daemonizeEnvVar = "CONTAINERFUSE_FOREGROUND"

func runMount(ctx context.Context, containerPath, mountPoint string) error {
	if Config.Create {
		if _, err := os.Stat(containerPath); os.IsNotExist(err) {
			if err := containerfs.CreateContainer(containerPath, Config.Capacity); err != nil {
				return fmt.Errorf("create container: %w", err)
			}
			slog.Info("created container", "path", containerPath, "capacity", Config.Capacity)
		}
	}

	if !Config.Foreground && os.Getenv(daemonizeEnvVar) == "" {
		return daemonizeSelf()
	}
	return mountForeground(ctx, containerPath, mountPoint)
}

// daemonizeSelf re-execs the current process in the background via
// jacobsa/daemonize.
func daemonizeSelf() error {
	env := append(os.Environ(), daemonizeEnvVar+"=1")
	if err := daemonize.Run(os.Args[0], os.Args[1:], env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize: %w", err)
	}
	return nil
}

func mountForeground(ctx context.Context, containerPath, mountPoint string) error {
	core, err := containerfs.Mount(containerPath)
	if err != nil {
		return fmt.Errorf("mount container: %w", err)
	}

	if Config.MetricsAddr != "" {
		m := containerfs.NewMetrics(prometheus.DefaultRegisterer)
		core.EnableMetrics(m)
		go serveMetrics(Config.MetricsAddr)
	}

	uid, gid := resolveOwner()
	bridge := fusebridge.New(core, uid, gid, slog.Default())

	mountCfg := &fuse.MountConfig{
		FSName:      "containerfuse",
		Subtype:     "containerfuse",
		VolumeName:  filepath.Base(containerPath),
		ReadOnly:    Config.ReadOnly,
		ErrorLogger: log.New(os.Stderr, "fuse: ", 0),
	}

	mfs, err := fuse.Mount(mountPoint, fuseutil.NewFileSystemServer(bridge), mountCfg)
	if err != nil {
		core.Unmount()
		return fmt.Errorf("fuse.Mount: %w", err)
	}
	slog.Info("mounted container", "container", containerPath, "mount_point", mountPoint)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("received shutdown signal, unmounting", "mount_point", mountPoint)
		if err := fuse.Unmount(mountPoint); err != nil {
			slog.Error("unmount request failed", "error", err)
		}
	}()

	if err := mfs.Join(ctx); err != nil {
		return fmt.Errorf("waiting for unmount: %w", err)
	}
	return core.Unmount()
}

func resolveOwner() (uid, gid uint32) {
	u, g := os.Getuid(), os.Getgid()
	if Config.Uid >= 0 {
		u = Config.Uid
	}
	if Config.Gid >= 0 {
		g = Config.Gid
	}
	return uint32(u), uint32(g)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server exited", "error", err)
	}
}
