package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/brunobiangulo/goredact"
	"github.com/brunobiangulo/goredact/format"
	"github.com/brunobiangulo/goredact/strategy"
	"github.com/brunobiangulo/goredact/task"
)

// redactFlags are shared by the file and batch commands.
type redactFlags struct {
	config    string
	method    string
	color     string
	char      string
	key       string
	language  string
	outputDir string
	output    string
	columns   string
	sheets    string
	maskStyle string
	verbose   bool
}

func (f *redactFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.config, "config", "", "path to a YAML config file")
	fs.StringVar(&f.method, "method", "mask", "redaction method: "+methodNames())
	fs.StringVar(&f.color, "color", "", "fill color for --method color: "+strings.Join(strategy.ColorNames, ", "))
	fs.StringVar(&f.char, "char", "", "replacement character for --method char (default *)")
	fs.StringVar(&f.key, "encrypt", "", "6-digit PIN for --method encrypt")
	fs.StringVar(&f.key, "key", "", "alias of --encrypt")
	fs.StringVar(&f.language, "language", "", "document language: zh or en")
	fs.StringVar(&f.outputDir, "output-dir", "", "directory for redacted files")
	fs.StringVar(&f.maskStyle, "mask-style", "", "mask style: fixed or keep_prefix")
	fs.StringVar(&f.columns, "columns", "", "comma-separated Excel header names to redact")
	fs.StringVar(&f.sheets, "sheets", "", "comma-separated Excel sheet names to redact")
	fs.BoolVar(&f.verbose, "verbose", false, "debug logging")
}

func (f *redactFlags) options() task.Options {
	return task.Options{
		Options: strategy.Options{
			Color:     f.color,
			Char:      f.char,
			PIN:       f.key,
			Language:  f.language,
			MaskStyle: f.maskStyle,
		},
		Columns: splitList(f.columns),
		Sheets:  splitList(f.sheets),
		Output:  f.output,
	}
}

// engine loads the config, applies flag overrides and starts an engine.
func (f *redactFlags) engine(stderr io.Writer, queue int) (*goredact.Engine, error) {
	cfg, err := goredact.LoadConfig(f.config)
	if err != nil {
		return nil, err
	}
	if f.language != "" {
		cfg.Language = f.language
	}
	if f.outputDir != "" {
		cfg.OutputDir = f.outputDir
	}
	cfg.Verbose = cfg.Verbose || f.verbose
	if queue > cfg.QueueSize {
		cfg.QueueSize = queue
	}
	setupLogging(stderr, cfg.Verbose, false)
	return goredact.New(cfg)
}

func newFlagSet(name string, stderr io.Writer, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: goredact %s [flags] %s\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}

// parseInterleaved parses flags that may follow positional arguments and
// returns the positionals.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return pos, nil
		}
		if args[0] == "--" {
			return append(pos, args[1:]...), nil
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func closeEngine(e *goredact.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e.Close(ctx)
}

// --- file commands ---

func runFile(kind string, args []string, stdout, stderr io.Writer) int {
	var f redactFlags
	fs := newFlagSet(kind, stderr, "<input>")
	f.register(fs)
	fs.StringVar(&f.output, "output", "", "output file path (default: generated in --output-dir)")
	inputs, err := parseInterleaved(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(inputs) != 1 {
		fs.Usage()
		return exitUsage
	}

	e, err := f.engine(stderr, 0)
	if err != nil {
		fmt.Fprintf(stderr, "goredact: %v\n", err)
		return exitUsage
	}
	defer closeEngine(e)

	ctx, stop := signalContext()
	defer stop()
	t, err := e.Redact(ctx, task.Spec{InputPath: inputs[0], FileType: kind, Method: f.method, Options: f.options()})
	if err != nil {
		fmt.Fprintf(stderr, "goredact: %v\n", err)
		return exitFailed
	}
	printTask(stdout, t)
	if t.State != task.Succeeded {
		return exitFailed
	}
	return exitOK
}

func printTask(w io.Writer, t task.Task) {
	name := filepath.Base(t.InputPath)
	switch t.State {
	case task.Succeeded:
		fmt.Fprintf(w, "%-9s %s -> %s\n", t.State, name, strings.Join(t.OutputPaths, ", "))
	case task.Partial:
		fmt.Fprintf(w, "%-9s %s -> %s (%s: %s)\n", t.State, name, strings.Join(t.OutputPaths, ", "), t.ErrorKind, t.Error)
	default:
		fmt.Fprintf(w, "%-9s %s (%s: %s)\n", t.State, name, t.ErrorKind, t.Error)
	}
}

// --- batch ---

func runBatch(args []string, stdout, stderr io.Writer) int {
	var f redactFlags
	var kind string
	fs := newFlagSet("batch", stderr, "<dir|files...>")
	f.register(fs)
	fs.StringVar(&kind, "type", "", "only take files of this type from directories: pdf, word, excel, image, ppt")
	paths, err := parseInterleaved(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(paths) == 0 {
		fs.Usage()
		return exitUsage
	}
	var want format.Kind
	if kind != "" {
		if want, err = format.ParseKind(kind); err != nil {
			fmt.Fprintf(stderr, "goredact: %v\n", err)
			return exitUsage
		}
	}

	files, err := collectFiles(format.NewRegistry(), paths, want)
	if err != nil {
		fmt.Fprintf(stderr, "goredact: %v\n", err)
		return exitFailed
	}
	if len(files) == 0 {
		fmt.Fprintln(stderr, "goredact: no supported files found")
		return exitUsage
	}

	e, err := f.engine(stderr, len(files))
	if err != nil {
		fmt.Fprintf(stderr, "goredact: %v\n", err)
		return exitUsage
	}
	defer closeEngine(e)

	specs := make([]task.Spec, len(files))
	for i, p := range files {
		specs[i] = task.Spec{InputPath: p, Method: f.method, Options: f.options()}
	}
	ctx, stop := signalContext()
	defer stop()
	st, err := e.SubmitBatch(ctx, specs)
	if err != nil {
		fmt.Fprintf(stderr, "goredact: %v\n", err)
		return exitFailed
	}
	st, err = e.WaitBatch(ctx, st.ID)
	if err != nil {
		fmt.Fprintf(stderr, "goredact: %v\n", err)
		return exitFailed
	}

	for _, t := range st.Tasks {
		printTask(stdout, t)
	}
	c := st.Counts
	fmt.Fprintf(stdout, "batch %s: %s, %d files, %d succeeded, %d failed, %d partial\n",
		st.ID, st.State, c.Total, c.Succeeded, c.Failed, c.Partial)
	if st.State != task.Succeeded {
		return exitFailed
	}
	return exitOK
}

// collectFiles expands directories (one level) into the supported files
// they hold. Explicit file arguments are kept as given.
func collectFiles(reg *format.Registry, paths []string, kind format.Kind) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, de := range entries {
			name := de.Name()
			if de.IsDir() || strings.HasPrefix(name, ".") {
				continue
			}
			h, err := reg.ForPath(name)
			if err != nil || (kind != "" && h.Kind() != kind) {
				continue
			}
			files = append(files, filepath.Join(p, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// --- decrypt, types, version ---

func runDecrypt(args []string, stdout, stderr io.Writer) int {
	var key string
	fs := newFlagSet("decrypt", stderr, "<ciphertext>...")
	fs.StringVar(&key, "key", "", "6-digit PIN used for encryption")
	fs.StringVar(&key, "encrypt", "", "alias of --key")
	values, err := parseInterleaved(fs, args)
	if err != nil {
		return exitUsage
	}
	if key == "" || len(values) == 0 {
		fs.Usage()
		return exitUsage
	}
	if !strategy.ValidPIN(key) {
		fmt.Fprintln(stderr, "goredact:", strategy.ErrInvalidPIN)
		return exitUsage
	}
	code := exitOK
	for _, v := range values {
		plain, err := strategy.Decrypt(v, key)
		if err != nil {
			if errors.Is(err, strategy.ErrDecrypt) {
				fmt.Fprintf(stderr, "goredact: %s: wrong PIN or damaged value\n", v)
			} else {
				fmt.Fprintf(stderr, "goredact: %s: %v\n", v, err)
			}
			code = exitFailed
			continue
		}
		fmt.Fprintln(stdout, plain)
	}
	return code
}

func runTypes(stdout io.Writer) int {
	cfg := goredact.DefaultConfig()
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tEXTENSIONS\tMETHODS")
	reg := format.NewRegistry()
	for _, k := range format.Kinds {
		h, err := reg.Get(k)
		if err != nil {
			continue
		}
		var ms []string
		for _, m := range h.Methods() {
			ms = append(ms, string(m))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", k, strings.Join(reg.Extensions(k), " "), strings.Join(ms, ", "))
	}
	tw.Flush()
	fmt.Fprintf(stdout, "\ncolors: %s\nlanguages: zh, en (default %s)\n", strings.Join(strategy.ColorNames, ", "), cfg.Language)
	return exitOK
}

func runVersion(stdout io.Writer) int {
	fmt.Fprintf(stdout, "goredact %s\n", goredact.Version)
	return exitOK
}

func methodNames() string {
	s := make([]string, len(strategy.Methods))
	for i, m := range strategy.Methods {
		s[i] = string(m)
	}
	return strings.Join(s, ", ")
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
