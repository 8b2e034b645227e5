// p2pkmap builds the address → P2PK script registry file read by
// p2pkproxyd, by walking blocks through a node's JSON-RPC interface.
//
// Usage:
//
//	p2pkmap [--from=0 --to=478558 --out=p2pk_map.json] [--fresh]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitever-labs/p2pkproxy/config"
	"github.com/bitever-labs/p2pkproxy/internal/bitcoind"
	klog "github.com/bitever-labs/p2pkproxy/internal/log"
	"github.com/bitever-labs/p2pkproxy/internal/mapbuild"
	"github.com/bitever-labs/p2pkproxy/internal/registry"
	"github.com/bitever-labs/p2pkproxy/internal/rpcclient"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		network  = flag.String("network", "mainnet", "Network type (mainnet, testnet or regtest)")
		nodeURL  = flag.String("node-url", "", "Node JSON-RPC URL (default depends on network)")
		nodeUser = flag.String("node-user", "", "Node RPC user")
		nodePass = flag.String("node-pass", "", "Node RPC password")
		from     = flag.Int64("from", 0, "First block height")
		to       = flag.Int64("to", 478558, "Stop before this block height")
		out      = flag.String("out", "p2pk_map.json", "Output file")
		fresh    = flag.Bool("fresh", false, "Ignore entries already in the output file")
		workers  = flag.Int("workers", mapbuild.DefaultWorkers, "Concurrent block fetches")
		logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	if err := klog.Init(*logLevel, false, klog.FileOptions{}); err != nil {
		return err
	}
	logger := klog.WithComponent("p2pkmap")

	cfg := config.Default(config.NetworkType(*network))
	params, err := config.NetworkType(*network).Params()
	if err != nil {
		return err
	}
	if *nodeURL == "" {
		*nodeURL = cfg.Node.URL
	}

	existing := map[string]string{}
	if !*fresh {
		existing, err = registry.ReadFile(*out)
		if err != nil {
			return fmt.Errorf("reading %s: %w", *out, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chain := bitcoind.New(rpcclient.NewWithTimeout(*nodeURL, cfg.Node.Timeout, rpcclient.WithBasicAuth(*nodeUser, *nodePass), rpcclient.WithLogger(klog.Node)))
	logger.Info().
		Str("node", *nodeURL).
		Int64("from", *from).
		Int64("to", *to).
		Int("existing", len(existing)).
		Msg("Collecting P2PK scripts")

	found, stats, err := mapbuild.New(chain,
		mapbuild.WithParams(params),
		mapbuild.WithWorkers(*workers),
		mapbuild.WithLogger(logger),
	).Build(ctx, *from, *to)
	if err != nil {
		return err
	}

	added := mapbuild.Merge(existing, found)
	if err := registry.WriteFile(*out, existing); err != nil {
		return fmt.Errorf("writing %s: %w", *out, err)
	}

	logger.Info().
		Int64("blocks", stats.Blocks).
		Int64("skipped", stats.Failed).
		Int("added", added).
		Int("total", len(existing)).
		Dur("elapsed", stats.Elapsed).
		Str("out", *out).
		Msg("Registry written")
	return nil
}
