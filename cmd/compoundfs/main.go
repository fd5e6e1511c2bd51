// Command compoundfs is an interactive shell over a compound file. It is
// the operational tool for inspecting and manipulating a store: open a
// file, read and write keys, scan ranges and commit transactions.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/demirole/compoundfs/config"
	"github.com/demirole/compoundfs/core/engine"
	"github.com/demirole/compoundfs/core/indexing/btree"
	"github.com/demirole/compoundfs/core/storage_engine/rawfile"
	"github.com/demirole/compoundfs/pkg/logger"
	"github.com/demirole/compoundfs/pkg/telemetry"
)

const helpText = `Commands:
  open <path>      Open an existing compound file (creates it when absent)
  create <path>    Create a fresh compound file, discarding existing content
  readonly <path>  Open a compound file for reading only
  put <key> <val>  Store a value under a key
  get <key>        Print the value stored under a key
  del <key>        Remove a key and print the removed value
  scan [start]     List entries in key order, optionally from a start key
  commit           Make all writes since the last commit durable
  stats            Print engine statistics
  close            Close the current file, discarding uncommitted writes
  help             Show this help
  exit             Close and quit`

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer shutdownTelemetry(context.Background())

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "compoundfs> ",
		HistoryFile:     os.TempDir() + "/compoundfs_history",
		InterruptPrompt: "^C",
	})
	if err != nil {
		log.Fatalf("Failed to initialize readline: %v", err)
	}
	defer rl.Close()

	sh := &shell{
		cfg:   cfg,
		log:   zlog,
		meter: tel.Meter,
		out:   rl.Stdout(),
	}
	defer sh.closeEngine()

	if args := flag.Args(); len(args) == 1 {
		sh.dispatch([]string{"open", args[0]})
	}

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			return
		}
		sh.dispatch(fields)
	}
}

type shell struct {
	cfg   config.Config
	log   *zap.Logger
	meter metric.Meter
	out   io.Writer

	eng *engine.Engine
}

func (s *shell) dispatch(fields []string) {
	cmd, args := fields[0], fields[1:]
	var err error
	switch cmd {
	case "open":
		err = s.open(args, rawfile.OpenModeOpen)
	case "create":
		err = s.open(args, rawfile.OpenModeCreate)
	case "readonly":
		err = s.open(args, rawfile.OpenModeReadOnly)
	case "put":
		err = s.put(args)
	case "get":
		err = s.get(args)
	case "del":
		err = s.del(args)
	case "scan":
		err = s.scan(args)
	case "commit":
		err = s.commit()
	case "stats":
		err = s.stats()
	case "close":
		s.closeEngine()
	case "help":
		fmt.Fprintln(s.out, helpText)
	default:
		err = fmt.Errorf("unknown command %q, try 'help'", cmd)
	}
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
}

func (s *shell) open(args []string, mode rawfile.OpenMode) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: open|create|readonly <path>")
	}
	s.closeEngine()

	eng, err := engine.Open(args[0], mode, engine.Options{
		MaxCachedPages: s.cfg.Storage.MaxCachedPages,
		Logger:         s.log,
		Meter:          s.meter,
	})
	if err != nil {
		return err
	}
	s.eng = eng
	fmt.Fprintf(s.out, "Opened %s\n", args[0])
	return nil
}

func (s *shell) put(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: put <key> <value>")
	}
	eng, err := s.current()
	if err != nil {
		return err
	}
	res, err := eng.Put([]byte(args[0]), []byte(args[1]))
	if err != nil {
		return err
	}
	switch r := res.(type) {
	case btree.Inserted:
		fmt.Fprintln(s.out, "Inserted")
	case btree.Replaced:
		fmt.Fprintf(s.out, "Replaced (was: %s)\n", r.BeforeValue)
	case btree.Unchanged:
		fmt.Fprintf(s.out, "Unchanged (current: %s)\n", r.CurrentValue)
	}
	return nil
}

func (s *shell) get(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: get <key>")
	}
	eng, err := s.current()
	if err != nil {
		return err
	}
	value, found, err := eng.Get([]byte(args[0]))
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintln(s.out, "(not found)")
		return nil
	}
	fmt.Fprintf(s.out, "%s\n", value)
	return nil
}

func (s *shell) del(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: del <key>")
	}
	eng, err := s.current()
	if err != nil {
		return err
	}
	value, found, err := eng.Delete([]byte(args[0]))
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintln(s.out, "(not found)")
		return nil
	}
	fmt.Fprintf(s.out, "Removed: %s\n", value)
	return nil
}

func (s *shell) scan(args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("usage: scan [start]")
	}
	eng, err := s.current()
	if err != nil {
		return err
	}
	start := []byte("")
	if len(args) == 1 {
		start = []byte(args[0])
	}
	count := 0
	err = eng.Visit(start, func(key, value []byte) bool {
		fmt.Fprintf(s.out, "%s = %s\n", key, value)
		count++
		return true
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "(%d entries)\n", count)
	return nil
}

func (s *shell) commit() error {
	eng, err := s.current()
	if err != nil {
		return err
	}
	if err := eng.Commit(); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "Committed")
	return nil
}

func (s *shell) stats() error {
	eng, err := s.current()
	if err != nil {
		return err
	}
	st, err := eng.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "File size:      %d pages\n", st.FileSizePages)
	fmt.Fprintf(s.out, "Cached pages:   %d\n", st.CachedPages)
	fmt.Fprintf(s.out, "Reusable pages: %d\n", st.ReusablePages)
	fmt.Fprintf(s.out, "Transaction:    %s\n", st.TransactionID)
	fmt.Fprintf(s.out, "Read-only:      %v\n", st.ReadOnly)
	return nil
}

func (s *shell) current() (*engine.Engine, error) {
	if s.eng == nil {
		return nil, fmt.Errorf("no file open, use 'open <path>' first")
	}
	return s.eng, nil
}

func (s *shell) closeEngine() {
	if s.eng != nil {
		if err := s.eng.Close(); err != nil {
			fmt.Fprintf(s.out, "Error closing: %v\n", err)
		}
		s.eng = nil
	}
}
