// Copyright 2015-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sandia-minimega/cncd/internal/catalog"
	"github.com/sandia-minimega/cncd/internal/connmgr"
	"github.com/sandia-minimega/cncd/internal/dispatcher"
	"github.com/sandia-minimega/cncd/internal/vfs"
	log "github.com/sandia-minimega/cncd/pkg/minilog"
)

const (
	defaultHost        = "127.0.0.1"
	defaultPort        = 2222
	defaultCatalogPath = "internal/catalog/testdata/commands.json"
	defaultVFSPath     = "internal/vfs/testdata/layout.json"

	// ringSize bounds the in-memory tail of recent log lines kept
	// alongside stderr output, for post-mortem inspection after a
	// crash without needing to have redirected stderr to a file.
	ringSize = 512
)

const banner = `cncd -- mock CNC controller server`

var (
	f_host    = flag.String("host", defaultHost, "listen address")
	f_port    = flag.Int("port", defaultPort, "listen port")
	f_verbose = flag.Bool("verbose", false, "enable debug logging")
	f_catalog = flag.String("catalog", defaultCatalogPath, "path to the command catalog JSON document")
	f_vfs     = flag.String("vfs-layout", defaultVFSPath, "path to the initial virtual filesystem layout JSON document")
)

func usage() {
	fmt.Println(banner)
	fmt.Println("usage: cncd [option]...")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	log.Init()
	if *f_verbose {
		log.SetLevelAll(log.DEBUG)
	}
	log.AddLogger("ring", log.NewRing(ringSize), log.DEBUG, false)
	log.SetTag("ring", "ring")

	cat, err := catalog.Load(*f_catalog)
	if err != nil {
		log.Fatal("loading command catalog: %v", err)
	}
	log.Info("loaded %d command descriptors from %v", cat.Len(), *f_catalog)

	fs := vfs.Load(*f_vfs)

	disp := dispatcher.New(cat, fs, dispatcher.NewClock())
	srv := connmgr.New(fmt.Sprintf("%s:%d", *f_host, *f_port), disp, cat)

	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("received shutdown signal")
		cancel()
	}()

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error("server exited: %v", err)
		os.Exit(1)
	}

	log.Info("clean shutdown")
}
