// rskv is an admin CLI for a hybrid-log key-value store.
//
// Usage:
//
//	rskv open <dir>                  Open (or create) a store and run the shell
//	rskv stats <dir>                 Print one Stats snapshot and exit
//	rskv checkpoint <dir>            Take a checkpoint and exit
//	rskv gc <dir>                    Run one GC cycle and exit
//
// Options:
//
//	-m, --memory-size    In-memory log region size in bytes (default 1 GiB)
//	-p, --page-size      Page size in bytes, checked against the memory size
//	                     (default 32 MiB); the log always uses 32 MiB pages
//	    --mmap           Use a memory-mapped device instead of pread/pwrite
//
// Shell commands (see shell.go) are available under 'rskv open'.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	rskv "github.com/wayslog/rskv-go"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		printUsage()
		return fmt.Errorf("missing command")
	}

	cmd, rest := args[0], args[1:]

	switch cmd {
	case "open":
		return runOpen(rest)
	case "stats":
		return runStats(rest)
	case "checkpoint":
		return runCheckpoint(rest)
	case "gc":
		return runGC(rest)
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  rskv open <dir>         Open (or create) a store and run the shell\n")
	fmt.Fprintf(os.Stderr, "  rskv stats <dir>        Print one Stats snapshot and exit\n")
	fmt.Fprintf(os.Stderr, "  rskv checkpoint <dir>   Take a checkpoint and exit\n")
	fmt.Fprintf(os.Stderr, "  rskv gc <dir>           Run one GC cycle and exit\n")
}

// storeFlags is shared by every subcommand that opens a store.
type storeFlags struct {
	memorySize uint64
	pageSize   uint32
	useMmap    bool
}

func newStoreFlagSet(name string) (*pflag.FlagSet, *storeFlags) {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	sf := &storeFlags{}

	fs.Uint64VarP(&sf.memorySize, "memory-size", "m", 1<<30, "in-memory log region size in bytes")
	fs.Uint32VarP(&sf.pageSize, "page-size", "p", 32<<20, "page size in bytes, checked against memory size (the log always uses 32 MiB pages)")
	fs.BoolVar(&sf.useMmap, "mmap", false, "use a memory-mapped device instead of pread/pwrite")

	return fs, sf
}

func openStore(fs *pflag.FlagSet, sf *storeFlags) (*rskv.Store, error) {
	if fs.NArg() < 1 {
		fs.Usage()
		return nil, fmt.Errorf("missing store directory")
	}

	cfg := rskv.DefaultConfig()
	cfg.StorageDir = fs.Arg(0)
	cfg.MemorySize = sf.memorySize
	cfg.PageSize = sf.pageSize
	cfg.UseMmap = sf.useMmap

	return rskv.New(cfg)
}

func runOpen(args []string) error {
	fs, sf := newStoreFlagSet("open")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(fs, sf)
	if err != nil {
		return err
	}
	defer store.Close()

	shell := newShell(store, fs.Arg(0))
	return shell.run()
}

func runStats(args []string) error {
	fs, sf := newStoreFlagSet("stats")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(fs, sf)
	if err != nil {
		return err
	}
	defer store.Close()

	printStats(store.Stats())
	return nil
}

func runCheckpoint(args []string) error {
	fs, sf := newStoreFlagSet("checkpoint")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(fs, sf)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.Checkpoint()
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	fmt.Println(id)
	return nil
}

func runGC(args []string) error {
	fs, sf := newStoreFlagSet("gc")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(fs, sf)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.GarbageCollect(rskv.DefaultGCConfig())
	if err != nil {
		return fmt.Errorf("gc: %w", err)
	}

	fmt.Printf("reclaimed %d bytes (%d of %d entries removed) in %s\n",
		stats.BytesReclaimed, stats.EntriesRemoved, stats.EntriesProcessed, stats.Duration)
	return nil
}

func printStats(s rskv.Stats) {
	fmt.Printf("upserts:     %d\n", s.Upserts)
	fmt.Printf("reads:       %d (hits %d, misses %d)\n", s.Reads, s.ReadHits, s.ReadMisses)
	fmt.Printf("rmws:        %d\n", s.RMWs)
	fmt.Printf("deletes:     %d\n", s.Deletes)
	fmt.Printf("checkpoints: %d\n", s.Checkpoints)
	fmt.Printf("gc runs:     %d\n", s.GCRuns)
	fmt.Printf("begin:       %d\n", s.Begin)
	fmt.Printf("head:        %d\n", s.Head)
	fmt.Printf("read_only:   %d\n", s.ReadOnly)
	fmt.Printf("tail:        %d\n", s.Tail)
}
