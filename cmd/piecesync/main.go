package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Durchex/piecesync"
	"github.com/Durchex/piecesync/common"
	"github.com/Durchex/piecesync/config"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "piecesync",
		Usage: "voucher authority and chain reconciliation for the pieces marketplace",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "yaml config file, flags below override it", EnvVars: []string{"CONFIG"}},
			&cli.StringFlag{Name: "mysql", Usage: "mysql dsn", EnvVars: []string{"MYSQL"}},
			&cli.StringFlag{Name: "sqlite", Usage: "sqlite file, used instead of mysql when set", EnvVars: []string{"SQLITE"}},
			&cli.StringFlag{Name: "bolt_dir", Value: "./data/bolt", Usage: "bolt db dir path", EnvVars: []string{"BOLT_DIR"}},
			&cli.StringFlag{Name: "mongo_uri", Usage: "mongodb uri, used instead of bolt when set", EnvVars: []string{"MONGO_URI"}},
			&cli.StringFlag{Name: "network", Usage: "network name served by --rpc and --contract", EnvVars: []string{"NETWORK"}},
			&cli.StringFlag{Name: "rpc", Usage: "websocket rpc endpoint", EnvVars: []string{"RPC"}},
			&cli.StringFlag{Name: "contract", Usage: "pieces contract address", EnvVars: []string{"CONTRACT"}},
			&cli.StringFlag{Name: "kafka", Usage: "kafka broker uri", EnvVars: []string{"KAFKA"}},
			&cli.StringFlag{Name: "sentry_dsn", EnvVars: []string{"SENTRY_DSN"}},

			&cli.StringFlag{Name: "port", Value: ":8080", EnvVars: []string{"PORT"}},
			&cli.StringFlag{Name: "metric_port", Value: ":9000", EnvVars: []string{"METRIC_PORT"}},
		},
		Action: run,
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	conf, err := config.LoadFile(c.String("config"))
	if err != nil {
		return err
	}
	override(&conf.Mysql, c.String("mysql"))
	override(&conf.Sqlite, c.String("sqlite"))
	override(&conf.BoltDir, c.String("bolt_dir"))
	override(&conf.MongoUri, c.String("mongo_uri"))
	override(&conf.KafkaUri, c.String("kafka"))
	override(&conf.SentryDsn, c.String("sentry_dsn"))
	if conf.Port == "" || c.IsSet("port") {
		conf.Port = c.String("port")
	}
	if name := c.String("network"); name != "" {
		n := conf.Networks[strings.ToLower(name)]
		override(&n.Rpc, c.String("rpc"))
		override(&n.Contract, c.String("contract"))
		conf.Networks[strings.ToLower(name)] = n
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	s, err := piecesync.New(piecesync.Options{
		Mysql:     conf.Mysql,
		Sqlite:    conf.Sqlite,
		BoltDir:   conf.BoltDir,
		MongoUri:  conf.MongoUri,
		KafkaUri:  conf.KafkaUri,
		SentryDsn: conf.SentryDsn,
		Networks:  conf.Networks,
	})
	if err != nil {
		return err
	}
	common.NewMetricServer(c.String("metric_port"))
	s.Run(conf.Port)

	<-signals
	s.Close()
	return nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

