package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gops/agent"

	"github.com/coredb/pagestore/checkpoint"
	"github.com/coredb/pagestore/page"
	"github.com/coredb/pagestore/pagestorage"
)

func main() {
	startGops()
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "put":
		putCmd(os.Args[2:])
	case "get":
		getCmd(os.Args[2:])
	case "traverse":
		traverseCmd(os.Args[2:])
	case "checkpoint":
		checkpointCmd(os.Args[2:])
	case "gc":
		gcCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: pagestorectl <command> [options]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  put         Write a page's bytes")
	fmt.Fprintln(os.Stderr, "  get         Read a page's bytes as of the latest snapshot")
	fmt.Fprintln(os.Stderr, "  traverse    List page ids under a prefix")
	fmt.Fprintln(os.Stderr, "  checkpoint  Dump an incremental checkpoint to the object store")
	fmt.Fprintln(os.Stderr, "  gc          Run one garbage-collection pass")
}

func openEngine(dataDir, rootURL string) *pagestorage.Engine {
	e, err := pagestorage.Open(dataDir, rootURL)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	return e
}

func putCmd(args []string) {
	flags := flag.NewFlagSet("put", flag.ExitOnError)
	dataDir := flags.String("data", "", "local data directory (required)")
	rootURL := flags.String("root", "", "remote checkpoint root url (required)")
	id := flags.String("id", "", "page id (required)")
	value := flags.String("value", "", "page value")
	tag := flags.Uint64("tag", 0, "page tag")
	flags.Parse(args)

	if *dataDir == "" || *rootURL == "" || *id == "" {
		flags.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e := openEngine(*dataDir, *rootURL)
	defer func() { _ = e.Close() }()

	batch := (&page.WriteBatch{}).Put(page.ID(*id), []byte(*value), *tag)
	if _, err := e.Write(ctx, batch); err != nil {
		log.Fatalf("put: %v", err)
	}
}

func getCmd(args []string) {
	flags := flag.NewFlagSet("get", flag.ExitOnError)
	dataDir := flags.String("data", "", "local data directory (required)")
	rootURL := flags.String("root", "", "remote checkpoint root url (required)")
	id := flags.String("id", "", "page id (required)")
	throwOnNotExist := flags.Bool("throw", true, "return an error instead of an empty result when absent")
	flags.Parse(args)

	if *dataDir == "" || *rootURL == "" || *id == "" {
		flags.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e := openEngine(*dataDir, *rootURL)
	defer func() { _ = e.Close() }()

	snap := e.CreateSnapshot("pagestorectl-get")
	defer e.ReleaseSnapshot(snap)

	value, err := e.Read(ctx, page.ID(*id), snap, *throwOnNotExist)
	if err != nil {
		log.Fatalf("get: %v", err)
	}
	os.Stdout.Write(value)
}

func traverseCmd(args []string) {
	flags := flag.NewFlagSet("traverse", flag.ExitOnError)
	dataDir := flags.String("data", "", "local data directory (required)")
	rootURL := flags.String("root", "", "remote checkpoint root url (required)")
	prefix := flags.String("prefix", "", "page id prefix")
	flags.Parse(args)

	if *dataDir == "" || *rootURL == "" {
		flags.Usage()
		os.Exit(2)
	}

	e := openEngine(*dataDir, *rootURL)
	defer func() { _ = e.Close() }()

	snap := e.CreateSnapshot("pagestorectl-traverse")
	defer e.ReleaseSnapshot(snap)

	for _, id := range e.Traverse(page.ID(*prefix), snap) {
		fmt.Println(id)
	}
}

func checkpointCmd(args []string) {
	flags := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	dataDir := flags.String("data", "", "local data directory (required)")
	rootURL := flags.String("root", "", "remote checkpoint root url (required)")
	writerInfo := flags.String("writer", "", "writer_info recorded in the checkpoint's data file header")
	flags.Parse(args)

	if *dataDir == "" || *rootURL == "" {
		flags.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e := openEngine(*dataDir, *rootURL)
	defer func() { _ = e.Close() }()

	if e.CanSkipCheckpoint() {
		log.Printf("checkpoint: no changes since last checkpoint")
		return
	}

	stats, err := e.DumpIncrementalCheckpoint(ctx, checkpoint.DumpOptions{WriterInfo: *writerInfo})
	if err != nil {
		log.Fatalf("checkpoint: %v", err)
	}
	log.Printf("checkpoint: sequence=%d entries=%d bytes=%d data=%s manifest=%s",
		stats.Sequence, stats.EntriesCopied, stats.DataBytesWritten, stats.DataURL, stats.ManifestURL)
}

func gcCmd(args []string) {
	flags := flag.NewFlagSet("gc", flag.ExitOnError)
	dataDir := flags.String("data", "", "local data directory (required)")
	rootURL := flags.String("root", "", "remote checkpoint root url (required)")
	flags.Parse(args)

	if *dataDir == "" || *rootURL == "" {
		flags.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e := openEngine(*dataDir, *rootURL)
	defer func() { _ = e.Close() }()

	result, err := e.GC(ctx)
	if err != nil {
		log.Fatalf("gc: %v", err)
	}
	log.Printf("gc: freed_entries=%d rewritten_bytes=%d deleted_files=%d",
		result.FreedEntries, result.RewrittenBytes, len(result.DeletedFiles))
}

func startGops() {
	if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
		log.Printf("gops: %v", err)
	}
}
