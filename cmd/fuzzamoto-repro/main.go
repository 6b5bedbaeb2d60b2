package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tokatoka/fuzzamoto/internal/cli"
	"github.com/tokatoka/fuzzamoto/internal/compiler"
	"github.com/tokatoka/fuzzamoto/internal/executor"
	"github.com/tokatoka/fuzzamoto/internal/ir"
	"github.com/tokatoka/fuzzamoto/internal/ir/minimizers"
)

func main() {
	var (
		in          string
		out         string
		ctxPath     string
		lang        string
		budget      time.Duration
		timeout     time.Duration
		backend     string
		agent       string
		agentCert   string
		covMode     string
		roundTrip   bool
		showActions bool
		keepNops    bool
		verbose     bool
		showVersion bool
		jsonOutput  bool
	)

	flag.StringVar(&in, "in", "", "program file to reproduce")
	flag.StringVar(&out, "out", "", "optional minimized output path")
	flag.StringVar(&ctxPath, "context", "", "context file (default=the program's own context)")
	flag.StringVar(&lang, "lang", "en", "message language (ja|en)")
	flag.DurationVar(&budget, "budget", 10*time.Second, "minimization time budget")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "execution timeout")
	flag.StringVar(&backend, "backend", "wire", "execution backend (wire|remote)")
	flag.StringVar(&agent, "agent", "", "agent address for the remote backend")
	flag.StringVar(&agentCert, "agent-cert", "", "certificate written by fuzzamoto-agent (-cert-out)")
	flag.StringVar(&covMode, "cov-mode", "weighted", "coverage mode (edge|weighted|trigram|both)")
	flag.BoolVar(&roundTrip, "roundtrip", false, "report messages whose re-encoding differs from the payload")
	flag.BoolVar(&showActions, "actions", false, "print the compiled actions")
	flag.BoolVar(&keepNops, "keep-nops", false, "keep Nop instructions in the minimized program")
	flag.BoolVar(&verbose, "v", false, "verbose output")
	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&jsonOutput, "json", false, "output version in JSON format")
	flag.Parse()

	if showVersion {
		cli.PrintVersion("fuzzamoto-repro", jsonOutput)
		return
	}

	L := getLocale(lang)
	if in == "" {
		fatal(L, "--in is required")
	}

	logger := cli.NewLogger(verbose, false)
	defer logger.Sync()

	p, err := cli.LoadProgram(in)
	if err != nil {
		fatal(L, "failed to read input: ", err)
	}

	target := p.Context
	if ctxPath != "" {
		if target, err = cli.LoadContext(ctxPath); err != nil {
			fatal(L, "failed to read context: ", err)
		}
	}

	factory, err := cli.NewBackendFactory(target, cli.BackendOptions{
		Kind:         backend,
		Agent:        agent,
		AgentCert:    agentCert,
		CoverageMode: covMode,
		RoundTrip:    roundTrip,
		Timeout:      timeout,
	})
	if err != nil {
		fatal(L, err)
	}

	be, err := factory(0)
	if err != nil {
		fatal(L, err)
	}
	defer be.Close()

	comp := compiler.New()

	run := func(c *ir.Program) (*executor.Result, error) {
		compiled, err := comp.Compile(c, &target)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		return be.Execute(ctx, compiled.Actions)
	}

	if showActions {
		compiled, err := comp.Compile(p, &target)
		if err != nil {
			fatal(L, err)
		}

		for i, a := range compiled.Actions {
			fmt.Printf("%4d [instr %d] %s\n", i, compiled.Metadata.ActionIndices[i], a)
		}
	}

	res, err := run(p)
	if err != nil {
		fatal(L, err)
	}

	logger.Info("executed %d actions, %d features", res.Executed, len(res.Features))

	if res.Verdict == executor.VerdictOk {
		fmt.Println(L.ok())
		return
	}

	fmt.Println(L.fail(res.Verdict.String() + ": " + res.Reason))

	if out == "" {
		return
	}

	oracle := func(c *ir.Program) bool {
		got, err := run(c)
		return err == nil && executor.Same(res, got)
	}

	small, st := minimizers.Minimize(p, oracle, minimizers.Options{Budget: budget, KeepNops: keepNops})
	logger.Info("minimized %d -> %d instructions in %d rounds, %d executions", len(p.Instructions), len(small.Instructions), st.Rounds, st.Executions)

	data, err := ir.MarshalProgram(small)
	if err != nil {
		fatal(L, err)
	}

	if err := os.WriteFile(out, data, 0o644); err != nil {
		fatal(L, "failed to write output: ", err)
	}

	fmt.Println(L.minDone(out))
}

type locale struct {
	ok      func() string
	fail    func(msg string) string
	minDone func(path string) string
}

func getLocale(lang string) locale {
	switch lang {
	case "ja", "jp", "japanese":
		return locale{
			ok:      func() string { return "再現に失敗（問題なし）" },
			fail:    func(msg string) string { return "再現成功: " + msg },
			minDone: func(p string) string { return "最小化完了: " + p },
		}
	default:
		return locale{
			ok:      func() string { return "Reproduction failed (no issue)" },
			fail:    func(msg string) string { return "Reproduced: " + msg },
			minDone: func(p string) string { return "Minimized written: " + p },
		}
	}
}

func fatal(_ locale, a ...any) {
	fmt.Fprintln(os.Stderr, a...)
	os.Exit(1)
}
