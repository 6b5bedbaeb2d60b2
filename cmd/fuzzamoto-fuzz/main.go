package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tokatoka/fuzzamoto/internal/cli"
	"github.com/tokatoka/fuzzamoto/internal/corpus"
	"github.com/tokatoka/fuzzamoto/internal/fuzz"
)

func main() {
	var (
		configPath  string
		seed        int64
		par         int
		dur         time.Duration
		maxExecs    uint64
		iterations  int
		gens        string
		ctxPath     string
		corpusDir   string
		crashDir    string
		backend     string
		agent       string
		agentCert   string
		covMode     string
		roundTrip   bool
		minBudget   time.Duration
		autotune    bool
		watch       bool
		printStats  bool
		jsonStats   string
		saveSeed    string
		statsEvery  time.Duration
		verbose     bool
		debug       bool
		showVersion bool
		jsonOutput  bool
	)

	flag.StringVar(&configPath, "config", "", "config file (.json, .yaml or .yml)")
	flag.Int64Var(&seed, "seed", 0, "random seed (0=time)")
	flag.IntVar(&par, "p", 1, "parallel workers")
	flag.DurationVar(&dur, "duration", time.Minute, "fuzzing duration (0=until interrupted)")
	flag.Uint64Var(&maxExecs, "max-execs", 0, "stop after this many executions (0=unlimited)")
	flag.IntVar(&iterations, "iterations", 20, "generator invocations per fresh program")
	flag.StringVar(&gens, "generators", "", "comma separated generator names (default=all)")
	flag.StringVar(&ctxPath, "context", "", "context file (default=mine a regtest chain)")
	flag.StringVar(&corpusDir, "corpus-dir", "corpus", "directory holding interesting programs")
	flag.StringVar(&crashDir, "crash-dir", "crashes", "directory to save minimized crashes")
	flag.StringVar(&backend, "backend", "wire", "execution backend (wire|remote)")
	flag.StringVar(&agent, "agent", "", "agent address for the remote backend")
	flag.StringVar(&agentCert, "agent-cert", "", "certificate written by fuzzamoto-agent (-cert-out)")
	flag.StringVar(&covMode, "cov-mode", "weighted", "coverage mode (edge|weighted|trigram|both)")
	flag.BoolVar(&roundTrip, "roundtrip", false, "report messages whose re-encoding differs from the payload")
	flag.DurationVar(&minBudget, "min-budget", 10*time.Second, "time budget for per-crash minimization")
	flag.BoolVar(&autotune, "autotune", false, "enable adaptive mutation intensity")
	flag.BoolVar(&watch, "watch", false, "import programs dropped into the corpus directory")
	flag.BoolVar(&printStats, "stats", false, "print execution/crash statistics at end")
	flag.StringVar(&jsonStats, "json-stats", "", "write execution/crash stats as JSON to file")
	flag.StringVar(&saveSeed, "save-seed", "", "optional path to write the used random seed")
	flag.DurationVar(&statsEvery, "stats-interval", 10*time.Second, "progress logging interval (0=off)")
	flag.BoolVar(&verbose, "v", false, "verbose output")
	flag.BoolVar(&debug, "debug", false, "debug output")
	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&jsonOutput, "json", false, "output version in JSON format")
	flag.Parse()

	if showVersion {
		cli.PrintVersion("fuzzamoto-fuzz", jsonOutput)
		return
	}

	cfg, err := cli.LoadConfig(configPath)
	if err != nil {
		cli.ExitWithError("%v", err)
	}

	// explicitly set flags override the config file
	fc := &cfg.Fuzz
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "seed":
			fc.Seed = seed
		case "p":
			fc.Workers = par
		case "duration":
			fc.Duration = cli.Duration(dur)
		case "max-execs":
			fc.MaxExecs = maxExecs
		case "iterations":
			fc.Iterations = iterations
		case "generators":
			fc.Generators = splitList(gens)
		case "context":
			fc.ContextFile = ctxPath
		case "corpus-dir":
			fc.CorpusDir = corpusDir
		case "crash-dir":
			fc.CrashDir = crashDir
		case "backend":
			fc.Backend = backend
		case "agent":
			fc.Agent = agent
		case "agent-cert":
			fc.AgentCert = agentCert
		case "min-budget":
			fc.MinBudget = cli.Duration(minBudget)
		case "autotune":
			fc.AutoTune = autotune
		case "v":
			cfg.Verbose = verbose
		case "debug":
			cfg.Debug = debug
		}
	})

	logger := cli.NewLogger(cfg.Verbose, cfg.Debug)
	defer logger.Sync()

	if fc.Seed == 0 {
		fc.Seed = time.Now().UnixNano()
	}

	if saveSeed != "" {
		_ = os.WriteFile(saveSeed, []byte(fmt.Sprintf("%d\n", fc.Seed)), 0o644)
	}

	target, err := cli.LoadContext(resolve(cfg.WorkDir, fc.ContextFile))
	cli.HandleError(err, logger)

	factory, err := cli.NewBackendFactory(target, cli.BackendOptions{
		Kind:         fc.Backend,
		Agent:        fc.Agent,
		AgentCert:    resolve(cfg.WorkDir, fc.AgentCert),
		CoverageMode: covMode,
		RoundTrip:    roundTrip,
	})
	cli.HandleError(err, logger)

	store := corpus.NewStore()

	cdir, err := corpus.OpenDir(resolve(cfg.WorkDir, fc.CorpusDir))
	if errors.Is(err, corpus.ErrLocked) {
		cli.ExitWithError("corpus directory %s is used by another campaign", fc.CorpusDir)
	}
	cli.HandleError(err, logger)
	defer cdir.Close()

	n, err := cdir.Load(store)
	if err != nil {
		logger.Warn("some corpus files were skipped: %v", err)
	}

	logger.Info("loaded %d programs from %s", n, cdir.Path())

	xdir, err := corpus.OpenDir(resolve(cfg.WorkDir, fc.CrashDir))
	cli.HandleError(err, logger)
	defer xdir.Close()

	f, err := fuzz.New(target, fuzz.Options{
		Seed:          fc.Seed,
		Workers:       fc.Workers,
		Duration:      time.Duration(fc.Duration),
		MaxExecs:      fc.MaxExecs,
		Iterations:    fc.Iterations,
		Generators:    fc.Generators,
		MinBudget:     time.Duration(fc.MinBudget),
		AutoTune:      fc.AutoTune,
		StatsInterval: statsEvery,
	}, store, factory, logger.Zap())
	cli.HandleError(err, logger)

	f.SetCorpusDir(cdir)
	f.SetCrashDir(xdir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watch {
		w, err := corpus.NewWatcher(cdir.Path(), store)
		cli.HandleError(err, logger)

		w.OnAdd = func(e *corpus.Entry) { logger.Debug("imported %s", e.Hash[:12]) }
		w.OnError = func(err error) { logger.Warn("watcher: %v", err) }

		go func() { _ = w.Run(ctx) }()
	}

	st, err := f.Run(ctx)
	cli.HandleError(err, logger)

	if printStats {
		fmt.Printf("seed=%d execs=%d corpus=%d features=%d crashes=%d unique=%d timeouts=%d declines=%d mismatches=%d bad_splices=%d level=%d\n",
			fc.Seed, st.Executions, st.CorpusSize, st.Features, st.Crashes, st.UniqueCrashes, st.Timeouts,
			st.Declines, st.Mismatches, st.InvalidSplices, st.Level)
	}

	if jsonStats != "" {
		data, err := json.MarshalIndent(struct {
			Seed int64 `json:"seed"`
			fuzz.Stats
		}{fc.Seed, st}, "", "  ")
		cli.HandleError(err, logger)
		cli.HandleError(os.WriteFile(jsonStats, data, 0o644), logger)
	}

	for _, c := range f.Crashes() {
		fmt.Printf("crash: %s (%d instructions) %s\n", c.Reason, len(c.Program.Instructions), c.Path)
	}

	if st.UniqueCrashes > 0 {
		_ = cdir.Close()
		_ = xdir.Close()
		logger.Sync()
		os.Exit(2)
	}
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

func resolve(workDir, path string) string {
	if path == "" || filepath.IsAbs(path) || workDir == "" {
		return path
	}

	return filepath.Join(workDir, path)
}
