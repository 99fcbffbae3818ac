package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/Durchex/piecesync"
	"github.com/Durchex/piecesync/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:      "backfill",
		Usage:     "rebuild piece holdings from TransferSingle history",
		ArgsUsage: "<rpcURL> <contract> [batchSize] [startBlock]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mysql", Usage: "mysql dsn", EnvVars: []string{"MYSQL"}},
			&cli.StringFlag{Name: "sqlite", Usage: "sqlite file, used instead of mysql when set", EnvVars: []string{"SQLITE"}},
			&cli.StringFlag{Name: "bolt_dir", Usage: "bolt db dir path, keeps the resume cursor", EnvVars: []string{"BOLT_DIR"}},
			&cli.StringFlag{Name: "network", Value: "mainnet", EnvVars: []string{"NETWORK"}},
			&cli.Uint64Flag{Name: "end_block", Usage: "last block to scan, 0 for the chain head"},
			&cli.BoolFlag{Name: "resume", Usage: "continue after the saved cursor"},
			&cli.IntFlag{Name: "concurrency", Value: 10},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	args := c.Args()
	rpcURL := args.Get(0)
	if rpcURL == "" {
		rpcURL = os.Getenv("RPC_URL")
	}
	contract := args.Get(1)
	if contract == "" {
		contract = os.Getenv("CONTRACT_ADDRESS")
	}
	if rpcURL == "" {
		return cli.Exit("rpc url is required", 1)
	}
	if !common.IsHexAddress(contract) {
		return cli.Exit("contract address is required", 1)
	}
	batch, err := uintArg(args.Get(2), piecesync.DefaultBackfillBatch)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid batch size: %v", err), 1)
	}
	start, err := uintArg(args.Get(3), 0)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid start block: %v", err), 1)
	}

	var wdb *piecesync.Wdb
	switch {
	case c.String("sqlite") != "":
		wdb = piecesync.NewSqliteDb(c.String("sqlite"))
	case c.String("mysql") != "":
		wdb = piecesync.NewMysqlDb(c.String("mysql"))
	default:
		return cli.Exit("store connection is required", 1)
	}
	defer wdb.Close()
	if err := wdb.Migrate(); err != nil {
		return err
	}

	var store *piecesync.Store
	if dir := c.String("bolt_dir"); dir != "" {
		store, err = piecesync.NewBoltStore(dir)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ethCli, err := chain.DefaultDial(ctx, rpcURL)
	if err != nil {
		return err
	}
	network := strings.ToLower(c.String("network"))
	b := piecesync.NewBackfill(wdb, store, chain.NewContract(network, ethCli, common.HexToAddress(contract)))
	res, err := b.Run(ctx, piecesync.BackfillOptions{
		Network:     network,
		StartBlock:  start,
		EndBlock:    c.Uint64("end_block"),
		BatchSize:   batch,
		Resume:      c.Bool("resume"),
		Concurrency: c.Int("concurrency"),
	})
	if res != nil {
		log.Printf("backfill blocks %d-%d: batches %d, pairs %d, updated %d, failed %d",
			res.FromBlock, res.ToBlock, res.Batches, res.Pairs, res.Updated, res.Failed)
		if res.CursorHeld {
			log.Printf("cursor held before the first failed batch, rerun with --resume to retry it")
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func uintArg(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
