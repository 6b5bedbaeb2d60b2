// Package fuzz is the coverage-guided scheduler driving IR programs through
// an execution backend.
//
// Each worker owns a random source, a compiler and a backend. Workers pick a
// parent from the shared corpus (or generate a fresh program), mutate it,
// compile it against the campaign context and execute the actions. Programs
// producing unseen features join the corpus; crashing programs are minimized
// and written to the crash directory.
package fuzz

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokatoka/fuzzamoto/internal/compiler"
	"github.com/tokatoka/fuzzamoto/internal/corpus"
	ferrors "github.com/tokatoka/fuzzamoto/internal/errors"
	"github.com/tokatoka/fuzzamoto/internal/executor"
	"github.com/tokatoka/fuzzamoto/internal/ir"
	"github.com/tokatoka/fuzzamoto/internal/ir/generators"
	"github.com/tokatoka/fuzzamoto/internal/ir/minimizers"
	"github.com/tokatoka/fuzzamoto/internal/ir/mutators"
)

// Options controls the fuzzing loop.
type Options struct {
	Seed          int64         // seed for worker PRNGs; 0 picks one from the clock
	Workers       int           // parallel workers
	Duration      time.Duration // total fuzz time (0=until cancelled)
	MaxExecs      uint64        // cap on executions across workers (0=unlimited)
	Iterations    int           // generator invocations per fresh program
	Generators    []string      // generator names; empty selects all
	MinBudget     time.Duration // time spent minimizing each new crash
	AutoTune      bool          // adapt byte mutation intensity to the novelty rate
	StatsInterval time.Duration // periodic stats logging (0=off)
}

// Stats captures aggregate counters for a fuzzing run.
type Stats struct {
	Executions     uint64 `json:"executions"`
	Crashes        uint64 `json:"crashes"`
	UniqueCrashes  uint64 `json:"unique_crashes"`
	Timeouts       uint64 `json:"timeouts"`
	CorpusAdds     uint64 `json:"corpus_adds"`
	Declines       uint64 `json:"declines"`
	Mismatches     uint64 `json:"mismatches"`
	InvalidSplices uint64 `json:"invalid_splices"`
	Features       int    `json:"features"`
	CorpusSize     int    `json:"corpus_size"`
	Level          uint64 `json:"level"`
}

// Crash is a minimized finding.
type Crash struct {
	Program *ir.Program
	Reason  string
	Path    string
}

// BackendFactory creates the backend used by one worker.
type BackendFactory func(worker int) (executor.Backend, error)

// Fuzzer runs a campaign against one context.
type Fuzzer struct {
	opts       Options
	target     ir.Context
	gens       []generators.Generator
	store      *corpus.Store
	newBackend BackendFactory
	log        *zap.Logger

	corpusDir *corpus.Dir
	crashDir  *corpus.Dir

	level atomic.Uint64

	execs, crashes, timeouts, adds   atomic.Uint64
	declines, mismatches, badSplices atomic.Uint64

	mu       sync.Mutex
	features map[uint64]struct{}
	seen     map[string]struct{}
	found    []Crash

	// OnCrash, when set, is called once per unique crash reason.
	OnCrash func(Crash)
}

// New creates a fuzzer. store may already hold seeds; log may be nil.
func New(target ir.Context, opts Options, store *corpus.Store, newBackend BackendFactory, log *zap.Logger) (*Fuzzer, error) {
	if newBackend == nil {
		return nil, errors.New("fuzz: no backend factory")
	}

	gens := generators.DefaultGenerators(target)
	if len(opts.Generators) > 0 {
		var err error
		if gens, err = generators.ByName(gens, opts.Generators); err != nil {
			return nil, err
		}
	}

	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	if opts.Iterations <= 0 {
		opts.Iterations = 20
	}

	if opts.MinBudget <= 0 {
		opts.MinBudget = 10 * time.Second
	}

	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	if store == nil {
		store = corpus.NewStore()
	}

	if log == nil {
		log = zap.NewNop()
	}

	f := &Fuzzer{
		opts:       opts,
		target:     target,
		gens:       gens,
		store:      store,
		newBackend: newBackend,
		log:        log,
		features:   make(map[uint64]struct{}),
		seen:       make(map[string]struct{}),
	}
	f.level.Store(100)

	return f, nil
}

// SetCorpusDir mirrors new corpus entries into d.
func (f *Fuzzer) SetCorpusDir(d *corpus.Dir) { f.corpusDir = d }

// SetCrashDir writes minimized crashes into d.
func (f *Fuzzer) SetCrashDir(d *corpus.Dir) { f.crashDir = d }

func (f *Fuzzer) Seed() int64 { return f.opts.Seed }

// Level returns the current byte mutation intensity (100 is baseline).
func (f *Fuzzer) Level() uint64 { return f.level.Load() }

// Crashes returns the unique crashes found so far.
func (f *Fuzzer) Crashes() []Crash {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Crash(nil), f.found...)
}

// Stats returns a snapshot of the counters.
func (f *Fuzzer) Stats() Stats {
	f.mu.Lock()
	nf, uniq := len(f.features), len(f.found)
	f.mu.Unlock()

	return Stats{
		Executions:     f.execs.Load(),
		Crashes:        f.crashes.Load(),
		UniqueCrashes:  uint64(uniq),
		Timeouts:       f.timeouts.Load(),
		CorpusAdds:     f.adds.Load(),
		Declines:       f.declines.Load(),
		Mismatches:     f.mismatches.Load(),
		InvalidSplices: f.badSplices.Load(),
		Features:       nf,
		CorpusSize:     f.store.Len(),
		Level:          f.Level(),
	}
}

// Run fuzzes until ctx is cancelled, the duration elapses or MaxExecs is
// reached. Reaching a limit is not an error.
func (f *Fuzzer) Run(ctx context.Context) (Stats, error) {
	if f.opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.Duration)

		defer cancel()
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	f.log.Info("starting campaign",
		zap.Int64("seed", f.opts.Seed),
		zap.Int("workers", f.opts.Workers),
		zap.Int("generators", len(f.gens)),
		zap.Int("corpus", f.store.Len()))

	g, gctx := errgroup.WithContext(ctx)

	for w := 0; w < f.opts.Workers; w++ {
		w := w
		g.Go(func() error { return f.worker(gctx, w, stop) })
	}

	if f.opts.StatsInterval > 0 {
		g.Go(func() error {
			t := time.NewTicker(f.opts.StatsInterval)
			defer t.Stop()

			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					f.logStats("progress")
				}
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	f.logStats("campaign finished")

	return f.Stats(), err
}

func (f *Fuzzer) logStats(msg string) {
	st := f.Stats()
	f.log.Info(msg,
		zap.Uint64("execs", st.Executions),
		zap.Int("corpus", st.CorpusSize),
		zap.Int("features", st.Features),
		zap.Uint64("crashes", st.Crashes),
		zap.Uint64("unique", st.UniqueCrashes),
		zap.Uint64("timeouts", st.Timeouts),
		zap.Uint64("level", st.Level))
}

func (f *Fuzzer) worker(ctx context.Context, id int, stop context.CancelFunc) error {
	be, err := f.newBackend(id)
	if err != nil {
		return fmt.Errorf("worker %d: %w", id, err)
	}
	defer be.Close()

	r := rand.New(rand.NewSource(derive(f.opts.Seed, id)))
	comp := compiler.New()
	muts := f.mutators()

	for ctx.Err() == nil {
		p, source := f.next(r, muts)
		if p == nil {
			continue
		}

		if err := f.evaluate(ctx, comp, be, p, source); err != nil {
			return fmt.Errorf("worker %d: %w", id, err)
		}

		if f.opts.MaxExecs > 0 && f.execs.Load() >= f.opts.MaxExecs {
			stop()
		}
	}

	return nil
}

func (f *Fuzzer) mutators() []mutators.Mutator {
	bm := mutators.DefaultByteMutator()
	if f.opts.AutoTune {
		bm = mutators.AdaptiveByteMutator(&f.level)
	}

	return []mutators.Mutator{
		mutators.InputMutator{},
		mutators.NewOperationMutator(bm),
		mutators.CombineMutator{},
		mutators.ConcatMutator{},
		mutators.GenerateMutator{Generators: f.gens, Attempts: 4},
	}
}

// next returns a candidate and where it came from, or nil when this round
// produced nothing.
func (f *Fuzzer) next(r *rand.Rand, muts []mutators.Mutator) (*ir.Program, string) {
	parent := f.store.Pick(r)
	if parent == nil || r.Intn(16) == 0 {
		p, err := generators.GenerateProgram(f.target, f.gens, r, 1+r.Intn(f.opts.Iterations))
		if err != nil {
			f.log.Debug("generation failed", zap.Error(err))
			f.declines.Add(1)

			return nil, ""
		}

		return p, "generate"
	}

	m := muts[r.Intn(len(muts))]

	var err error
	if s, ok := m.(mutators.Splicer); ok {
		donor := f.store.Pick(r)
		err = s.Splice(parent, donor, r)
	} else {
		err = m.Mutate(parent, r)
	}

	if err != nil {
		switch {
		case errors.Is(err, mutators.ErrCreatedInvalidProgram):
			if _, ok := m.(mutators.Splicer); ok {
				f.badSplices.Add(1)
			} else {
				f.declines.Add(1)
			}
		default:
			f.declines.Add(1)
		}

		f.log.Debug("mutation declined", zap.String("mutator", m.Name()), zap.Error(err))

		return nil, ""
	}

	return parent, m.Name()
}

func (f *Fuzzer) evaluate(ctx context.Context, comp *compiler.Compiler, be executor.Backend, p *ir.Program, source string) error {
	target := f.target

	out, err := comp.Compile(p, &target)
	if err != nil {
		if ferrors.HasCode(err, ferrors.CodeContextMismatch) {
			f.mismatches.Add(1)
			f.log.Debug("context mismatch", zap.String("source", source), zap.Error(err))

			return nil
		}

		// the builder accepted p, so this is a compiler bug worth seeing
		f.log.Warn("compile failed", zap.String("source", source), zap.Error(err))

		return nil
	}

	res, err := be.Execute(ctx, out.Actions)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return err
	}

	n := f.execs.Add(1)
	if f.opts.AutoTune && n%1000 == 0 {
		f.autotune(n)
	}

	switch res.Verdict {
	case executor.VerdictTimeout:
		if ctx.Err() == nil {
			f.timeouts.Add(1)
		}
	case executor.VerdictCrash:
		f.crashes.Add(1)
		f.handleCrash(ctx, comp, be, p, res)
	default:
		if f.merge(res.Features) == 0 {
			return nil
		}

		e, added, err := f.store.Add(p, source)
		if err != nil || !added {
			return err
		}

		f.adds.Add(1)
		f.log.Debug("new coverage", zap.String("source", source), zap.String("hash", e.Hash[:12]), zap.Int("instrs", len(p.Instructions)))

		if f.corpusDir != nil {
			if err := f.corpusDir.Save(e); err != nil {
				f.log.Warn("saving corpus entry failed", zap.Error(err))
			}
		}
	}

	return nil
}

// merge adds features to the global set and returns how many were new.
func (f *Fuzzer) merge(features []uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0

	for _, ft := range features {
		if _, ok := f.features[ft]; !ok {
			f.features[ft] = struct{}{}
			n++
		}
	}

	return n
}

// autotune raises intensity when little new coverage is found and lowers it
// when novelty is high.
func (f *Fuzzer) autotune(execs uint64) {
	rate := float64(f.adds.Load()) / float64(execs)
	cur := f.level.Load()

	if rate < 0.0005 && cur < 300 {
		f.level.Store(cur + 10)
	} else if rate > 0.01 && cur > 80 {
		f.level.Store(cur - 10)
	}
}

func (f *Fuzzer) handleCrash(ctx context.Context, comp *compiler.Compiler, be executor.Backend, p *ir.Program, res *executor.Result) {
	f.mu.Lock()
	_, dup := f.seen[res.Reason]
	f.seen[res.Reason] = struct{}{}
	f.mu.Unlock()

	if dup {
		return
	}

	target := f.target
	oracle := func(c *ir.Program) bool {
		out, err := comp.Compile(c, &target)
		if err != nil {
			return false
		}

		got, err := be.Execute(ctx, out.Actions)

		return err == nil && executor.Same(res, got)
	}

	small, st := minimizers.Minimize(p, oracle, minimizers.Options{Budget: f.opts.MinBudget})

	c := Crash{Program: small, Reason: res.Reason}

	if f.crashDir != nil {
		path, err := SaveCrash(f.crashDir, small, res.Reason)
		if err != nil {
			f.log.Warn("saving crash failed", zap.Error(err))
		}

		c.Path = path
	}

	f.mu.Lock()
	f.found = append(f.found, c)
	f.mu.Unlock()

	f.log.Warn("crash",
		zap.String("reason", res.Reason),
		zap.Int("instrs", len(p.Instructions)),
		zap.Int("minimized", len(small.Instructions)),
		zap.Int("min_execs", st.Executions),
		zap.String("path", c.Path))

	if f.OnCrash != nil {
		f.OnCrash(c)
	}
}

// SaveCrash writes p as crash-<hash>.fzp with its reason next to it in a
// .txt file and returns the program path.
func SaveCrash(d *corpus.Dir, p *ir.Program, reason string) (string, error) {
	data, err := ir.MarshalProgram(p)
	if err != nil {
		return "", err
	}

	name := "crash-" + corpus.HashOf(data)[:16]

	path, err := d.WriteFile("", name+corpus.ProgramExt, data)
	if err != nil {
		return "", err
	}

	if _, err := d.WriteFile("", name+".txt", []byte(reason+"\n")); err != nil {
		return path, err
	}

	return path, nil
}

func derive(base int64, salt int) int64 {
	var b [16]byte

	binary.LittleEndian.PutUint64(b[0:8], uint64(base))
	binary.LittleEndian.PutUint64(b[8:16], uint64(salt))
	sh := sha256.Sum256(b[:])

	return int64(binary.LittleEndian.Uint64(sh[:8]))
}
