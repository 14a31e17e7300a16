package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	rskv "github.com/wayslog/rskv-go"
)

// shell is the interactive command loop over an open store, grounded on
// cmd/sloty's liner-based REPL (history file, Ctrl-C abort, tab completion).
type shell struct {
	store *rskv.Store
	label string
	liner *liner.State
}

func newShell(store *rskv.Store, label string) *shell {
	return &shell{store: store, label: label}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".rskv_history")
}

var shellCommands = []string{
	"put", "get", "del", "scan", "prefix", "stats", "checkpoint", "gc", "help", "exit", "quit",
}

func (sh *shell) completer(line string) []string {
	var matches []string
	for _, c := range shellCommands {
		if strings.HasPrefix(c, line) {
			matches = append(matches, c)
		}
	}
	return matches
}

func (sh *shell) run() error {
	sh.liner = liner.NewLiner()
	defer sh.liner.Close()

	sh.liner.SetCtrlCAborts(true)
	sh.liner.SetCompleter(sh.completer)

	if f, err := os.Open(historyFile()); err == nil {
		sh.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("rskv - store shell (%s)\n", sh.label)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := sh.liner.Prompt("rskv> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		sh.liner.AppendHistory(line)

		if sh.dispatch(line) {
			break
		}
	}

	if f, err := os.Create(historyFile()); err == nil {
		sh.liner.WriteHistory(f)
		f.Close()
	}

	return nil
}

// dispatch runs one line, returning true when the shell should exit.
func (sh *shell) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "exit", "quit", "q":
		fmt.Println("Bye!")
		return true
	case "help":
		printShellHelp()
	case "put":
		sh.cmdPut(args)
	case "get":
		sh.cmdGet(args)
	case "del":
		sh.cmdDel(args)
	case "scan":
		sh.cmdScan(args)
	case "prefix":
		sh.cmdPrefix(args)
	case "stats":
		printStats(sh.store.Stats())
	case "checkpoint":
		sh.cmdCheckpoint()
	case "gc":
		sh.cmdGC()
	default:
		fmt.Printf("unknown command: %s (type 'help')\n", cmd)
	}

	return false
}

func printShellHelp() {
	fmt.Println(`Commands:
  put <key> <value>   Upsert a key/value pair
  get <key>            Read a key
  del <key>            Delete a key
  scan [limit]         List live entries (optionally capped)
  prefix <p> [limit]   List live entries whose key starts with p
  stats                Show operation counters and log geometry
  checkpoint           Take a checkpoint
  gc                   Run one garbage collection cycle
  help                 Show this help
  exit / quit / q      Exit`)
}

func (sh *shell) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: put <key> <value>")
		return
	}

	if err := sh.store.Upsert([]byte(args[0]), []byte(strings.Join(args[1:], " "))); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println("OK")
}

func (sh *shell) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: get <key>")
		return
	}

	value, err := sh.store.Read([]byte(args[0]))
	if err != nil {
		if errors.Is(err, rskv.ErrKeyNotFound) {
			fmt.Println("(not found)")
			return
		}
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println(string(value))
}

func (sh *shell) cmdDel(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: del <key>")
		return
	}

	if err := sh.store.Delete([]byte(args[0])); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println("OK")
}

func (sh *shell) cmdScan(args []string) {
	limit := -1
	if len(args) >= 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Println("usage: scan [limit]")
			return
		}
		limit = n
	}

	entries, err := sh.store.ScanAll()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	printEntries(entries, limit)
}

func (sh *shell) cmdPrefix(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: prefix <prefix> [limit]")
		return
	}

	limit := -1
	if len(args) >= 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Println("usage: prefix <prefix> [limit]")
			return
		}
		limit = n
	}

	entries, err := sh.store.ScanPrefix([]byte(args[0]))
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	printEntries(entries, limit)
}

func printEntries(entries []rskv.KV, limit int) {
	for i, kv := range entries {
		if limit >= 0 && i >= limit {
			fmt.Printf("... %d more\n", len(entries)-limit)
			break
		}
		fmt.Printf("%s = %s\n", kv.Key, kv.Value)
	}
	fmt.Printf("(%d entries)\n", len(entries))
}

func (sh *shell) cmdCheckpoint() {
	id, err := sh.store.Checkpoint()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("checkpoint %s\n", id)
}

func (sh *shell) cmdGC() {
	stats, err := sh.store.GarbageCollect(rskv.DefaultGCConfig())
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("reclaimed %d bytes (%d of %d entries removed) in %s\n",
		stats.BytesReclaimed, stats.EntriesRemoved, stats.EntriesProcessed, stats.Duration)
}
