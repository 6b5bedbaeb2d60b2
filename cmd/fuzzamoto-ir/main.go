package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tokatoka/fuzzamoto/internal/cli"
	"github.com/tokatoka/fuzzamoto/internal/compiler"
	"github.com/tokatoka/fuzzamoto/internal/corpus"
	"github.com/tokatoka/fuzzamoto/internal/ir"
	"github.com/tokatoka/fuzzamoto/internal/ir/generators"
)

const tool = "fuzzamoto-ir"

var commands = []cli.CommandInfo{
	{
		Name:        "generate",
		Usage:       tool + " generate [--context FILE] [--seed N] [--iterations N] --out FILE",
		Description: "Generate a random program",
		Examples:    []string{tool + " generate --seed 7 --out seed.fzp"},
		Flags: []cli.FlagInfo{
			{Name: "context", Usage: "context file", Default: "regtest chain"},
			{Name: "seed", Usage: "random seed (0=time)"},
			{Name: "iterations", Usage: "generator invocations", Default: "20"},
			{Name: "generators", Usage: "comma separated generator names"},
			{Name: "out", Short: "o", Usage: "output program file", Required: true},
		},
	},
	{
		Name:        "compile",
		Usage:       tool + " compile --in FILE [--context FILE] [--out FILE]",
		Description: "Compile a program to actions",
		Examples:    []string{tool + " compile --in crash.fzp --out crash.fza"},
		Flags: []cli.FlagInfo{
			{Name: "in", Short: "i", Usage: "program file", Required: true},
			{Name: "context", Usage: "context file", Default: "the program's context"},
			{Name: "out", Short: "o", Usage: "write the encoded action stream instead of printing"},
			{Name: "hex", Usage: "print message payloads as hex"},
		},
	},
	{
		Name:        "print",
		Usage:       tool + " print --in FILE [--json]",
		Description: "Print a program in text form",
		Flags: []cli.FlagInfo{
			{Name: "in", Short: "i", Usage: "program file", Required: true},
			{Name: "json", Usage: "print instructions as a JSON array"},
		},
	},
	{
		Name:        "analyze",
		Usage:       tool + " analyze --in FILE [--json]",
		Description: "Summarize the structure of a program",
		Flags: []cli.FlagInfo{
			{Name: "in", Short: "i", Usage: "program file", Required: true},
			{Name: "json", Usage: "JSON output"},
		},
	},
	{
		Name:        "corpus",
		Usage:       tool + " corpus --dir DIR [--json]",
		Description: "Summarize every program in a corpus directory",
		Examples:    []string{tool + " corpus --dir corpus"},
		Flags: []cli.FlagInfo{
			{Name: "dir", Short: "d", Usage: "corpus directory", Required: true},
			{Name: "json", Usage: "JSON output"},
		},
	},
	{
		Name:        "context",
		Usage:       tool + " context [--nodes N] [--conns N] [--blocks N] --out FILE | --in FILE",
		Description: "Create or inspect a context file",
		Examples:    []string{tool + " context --blocks 200 --out ctx.fzc", tool + " context --in ctx.fzc"},
		Flags: []cli.FlagInfo{
			{Name: "nodes", Usage: "number of nodes", Default: "1"},
			{Name: "conns", Usage: "number of connections", Default: "2"},
			{Name: "blocks", Usage: "blocks mined on top of genesis", Default: "120"},
			{Name: "out", Short: "o", Usage: "write a new context"},
			{Name: "in", Short: "i", Usage: "inspect an existing context"},
		},
	},
}

func main() {
	if len(os.Args) < 2 {
		cli.PrintUsage(tool, commands)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "-v", "version":
		cli.PrintVersion(tool, len(os.Args) > 2 && os.Args[2] == "--json")
		fmt.Printf("Program format: %s\n", ir.FormatVersion)

		return
	case "--help", "-h", "help":
		cli.PrintUsage(tool, commands)
		return
	}

	var err error

	switch os.Args[1] {
	case "generate":
		err = runGenerate(os.Args[2:])
	case "compile":
		err = runCompile(os.Args[2:])
	case "print":
		err = runPrint(os.Args[2:])
	case "analyze":
		err = runAnalyze(os.Args[2:])
	case "corpus":
		err = runCorpus(os.Args[2:])
	case "context":
		err = runContext(os.Args[2:])
	default:
		cli.PrintUsage(tool, commands)
		cli.ExitWithError("unknown command %q", os.Args[1])
	}

	if err != nil {
		cli.ExitWithError("%v", err)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		for _, c := range commands {
			if c.Name == name {
				cli.PrintCommandUsage(tool, c)
			}
		}
	}

	return fs
}

func runGenerate(args []string) error {
	fs := newFlagSet("generate")
	ctxPath := fs.String("context", "", "")
	seed := fs.Int64("seed", 0, "")
	iterations := fs.Int("iterations", 20, "")
	gens := fs.String("generators", "", "")
	out := fs.String("out", "", "")
	fs.StringVar(out, "o", "", "")
	_ = fs.Parse(args)

	if *out == "" {
		fs.Usage()
		return fmt.Errorf("--out is required")
	}

	ctx, err := cli.LoadContext(*ctxPath)
	if err != nil {
		return err
	}

	all := generators.DefaultGenerators(ctx)
	if *gens != "" {
		if all, err = generators.ByName(all, strings.Split(*gens, ",")); err != nil {
			return err
		}
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	p, err := generators.GenerateProgram(ctx, all, rand.New(rand.NewSource(*seed)), *iterations)
	if err != nil {
		return err
	}

	data, err := ir.MarshalProgram(p)
	if err != nil {
		return err
	}

	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return err
	}

	fmt.Printf("wrote %d instructions to %s (seed %d)\n", len(p.Instructions), *out, *seed)

	return nil
}

func runCompile(args []string) error {
	fs := newFlagSet("compile")
	in := fs.String("in", "", "")
	fs.StringVar(in, "i", "", "")
	ctxPath := fs.String("context", "", "")
	out := fs.String("out", "", "")
	fs.StringVar(out, "o", "", "")
	asHex := fs.Bool("hex", false, "")
	_ = fs.Parse(args)

	p, err := loadRequired(fs, *in)
	if err != nil {
		return err
	}

	ctx := p.Context
	if *ctxPath != "" {
		if ctx, err = cli.LoadContext(*ctxPath); err != nil {
			return err
		}
	}

	compiled, err := compiler.New().Compile(p, &ctx)
	if err != nil {
		return err
	}

	if *out != "" {
		var buf bytes.Buffer
		if err := compiler.EncodeActions(&buf, compiled.Actions); err != nil {
			return err
		}

		return os.WriteFile(*out, buf.Bytes(), 0o644)
	}

	for i, a := range compiled.Actions {
		fmt.Printf("%4d [instr %d] %s\n", i, compiled.Metadata.ActionIndices[i], a)

		if *asHex && a.Kind == compiler.ActionSendMessage {
			fmt.Printf("     %s\n", hex.EncodeToString(a.Payload))
		}
	}

	return nil
}

func runPrint(args []string) error {
	fs := newFlagSet("print")
	in := fs.String("in", "", "")
	fs.StringVar(in, "i", "", "")
	asJSON := fs.Bool("json", false, "")
	_ = fs.Parse(args)

	p, err := loadRequired(fs, *in)
	if err != nil {
		return err
	}

	if !*asJSON {
		fmt.Print(p.String())
		return nil
	}

	lines := strings.Split(strings.TrimRight(p.String(), "\n"), "\n")

	return printJSON(lines)
}

func runAnalyze(args []string) error {
	fs := newFlagSet("analyze")
	in := fs.String("in", "", "")
	fs.StringVar(in, "i", "", "")
	asJSON := fs.Bool("json", false, "")
	_ = fs.Parse(args)

	p, err := loadRequired(fs, *in)
	if err != nil {
		return err
	}

	s := ir.Summarize(p)
	if *asJSON {
		return printJSON(s)
	}

	fmt.Printf("instructions: %d\nvariables:    %d\nnops:         %d\nblocks:       %d (max depth %d)\nsends:        %d\n",
		s.Instructions, s.Variables, s.Nops, s.Blocks, s.MaxDepth, s.Sends)

	names := make([]string, 0, len(s.Ops))
	for n := range s.Ops {
		names = append(names, n)
	}

	sort.Strings(names)

	for _, n := range names {
		fmt.Printf("  %-28s %d\n", n, s.Ops[n])
	}

	return nil
}

type corpusEntry struct {
	Hash string `json:"hash"`
	ir.Summary
}

func runCorpus(args []string) error {
	fs := newFlagSet("corpus")
	dir := fs.String("dir", "", "")
	fs.StringVar(dir, "d", "", "")
	asJSON := fs.Bool("json", false, "")
	_ = fs.Parse(args)

	if *dir == "" {
		fs.Usage()
		return fmt.Errorf("--dir is required")
	}

	d, err := corpus.OpenDir(*dir)
	if errors.Is(err, corpus.ErrLocked) {
		return fmt.Errorf("corpus directory %s is used by a running campaign", *dir)
	}

	if err != nil {
		return err
	}
	defer d.Close()

	store := corpus.NewStore()

	_, loadErr := d.Load(store)
	if loadErr != nil {
		fmt.Fprintf(os.Stderr, "skipped files:\n%v\n", loadErr)
	}

	entries := store.Entries()
	out := make([]corpusEntry, 0, len(entries))

	for _, e := range entries {
		out = append(out, corpusEntry{Hash: e.Hash, Summary: ir.Summarize(e.Program)})
	}

	if *asJSON {
		return printJSON(out)
	}

	var instrs, sends int

	for _, e := range out {
		fmt.Printf("%s  instrs=%-4d sends=%-3d blocks=%-3d depth=%d\n", e.Hash[:16], e.Instructions, e.Sends, e.Blocks, e.MaxDepth)

		instrs += e.Instructions
		sends += e.Sends
	}

	fmt.Printf("%d programs, %d instructions, %d sends\n", len(out), instrs, sends)

	return nil
}

func runContext(args []string) error {
	fs := newFlagSet("context")
	nodes := fs.Int("nodes", cli.DefaultNodes, "")
	conns := fs.Int("conns", cli.DefaultConnections, "")
	blocks := fs.Int("blocks", cli.DefaultBlocks, "")
	out := fs.String("out", "", "")
	fs.StringVar(out, "o", "", "")
	in := fs.String("in", "", "")
	fs.StringVar(in, "i", "", "")
	_ = fs.Parse(args)

	if *in != "" {
		ctx, err := cli.LoadContext(*in)
		if err != nil {
			return err
		}

		fmt.Printf("nodes=%d connections=%d timestamp=%d headers=%d txos=%d\n",
			ctx.Nodes, ctx.Connections, ctx.Timestamp, len(ctx.Headers), len(ctx.Txos))

		for _, t := range ctx.Txos {
			fmt.Printf("  txo %s value=%d\n", t.Outpoint, t.Value)
		}

		return nil
	}

	if *out == "" {
		fs.Usage()
		return fmt.Errorf("one of --out or --in is required")
	}

	ctx, err := compiler.RegtestChain(*nodes, *conns, *blocks)
	if err != nil {
		return err
	}

	data, err := ir.MarshalContext(&ctx)
	if err != nil {
		return err
	}

	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return err
	}

	fmt.Printf("wrote context with %d headers and %d spendable outputs to %s\n", len(ctx.Headers), len(ctx.Txos), *out)

	return nil
}

func loadRequired(fs *flag.FlagSet, path string) (*ir.Program, error) {
	if path == "" {
		fs.Usage()
		return nil, fmt.Errorf("--in is required")
	}

	return cli.LoadProgram(path)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(data))

	return nil
}
