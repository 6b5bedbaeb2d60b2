package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tokatoka/fuzzamoto/internal/cli"
	"github.com/tokatoka/fuzzamoto/internal/executor"
)

func main() {
	var (
		listen      string
		ctxPath     string
		certFile    string
		keyFile     string
		certOut     string
		covMode     string
		roundTrip   bool
		verbose     bool
		debug       bool
		showVersion bool
		jsonOutput  bool
	)

	flag.StringVar(&listen, "listen", "127.0.0.1:4433", "comma separated UDP addresses, one agent per address")
	flag.StringVar(&ctxPath, "context", "", "context file (default=mine a regtest chain)")
	flag.StringVar(&certFile, "cert", "", "TLS certificate file (default=self-signed)")
	flag.StringVar(&keyFile, "key", "", "TLS key file")
	flag.StringVar(&certOut, "cert-out", "agent.pem", "where to write the certificate clients pin (-agent-cert)")
	flag.StringVar(&covMode, "cov-mode", "weighted", "coverage mode (edge|weighted|trigram|both)")
	flag.BoolVar(&roundTrip, "roundtrip", false, "report messages whose re-encoding differs from the payload")
	flag.BoolVar(&verbose, "v", false, "verbose output")
	flag.BoolVar(&debug, "debug", false, "debug output")
	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&jsonOutput, "json", false, "output version in JSON format")
	flag.Parse()

	if showVersion {
		cli.PrintVersion("fuzzamoto-agent", jsonOutput)
		return
	}

	logger := cli.NewLogger(verbose, debug)
	defer logger.Sync()

	target, err := cli.LoadContext(ctxPath)
	cli.HandleError(err, logger)

	addrs := splitAddrs(listen)
	if len(addrs) == 0 {
		cli.ExitWithError("no listen address given")
	}

	var id *executor.AgentIdentity
	if certFile != "" {
		id, err = executor.LoadAgentIdentity(certFile, keyFile)
	} else {
		id, err = executor.NewAgentIdentity(addrs, 7*24*time.Hour)
	}
	cli.HandleError(err, logger)

	if certOut != "" {
		cli.HandleError(os.WriteFile(certOut, id.CertPEM(), 0o644), logger)
		logger.Info("certificate for %s written to %s", strings.Join(id.Hosts(), ", "), certOut)
	}

	fmt.Printf("certificate sha256 %s\n", id.Fingerprint())

	tlsCfg := id.ServerConfig()

	factory, err := cli.NewBackendFactory(target, cli.BackendOptions{Kind: "wire", CoverageMode: covMode, RoundTrip: roundTrip})
	cli.HandleError(err, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	for i, addr := range addrs {
		addr := addr
		be, err := factory(i)
		cli.HandleError(err, logger)

		agent := executor.NewAgent(addr, tlsCfg, be)

		g.Go(func() error {
			defer be.Close()

			bound, err := agent.Start()
			if err != nil {
				return fmt.Errorf("agent %s: %w", addr, err)
			}

			fmt.Printf("agent listening on https://%s%s\n", bound, executor.ExecutePath)

			<-gctx.Done()

			logger.Info("stopping agent %s", bound)

			return agent.Stop()
		})
	}

	cli.HandleError(g.Wait(), logger)
}

func splitAddrs(s string) []string {
	var out []string

	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}

	return out
}
