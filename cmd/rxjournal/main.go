package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rxjournal/internal/config"
	"rxjournal/internal/export"
	"rxjournal/internal/ingest/kafka"
	"rxjournal/internal/ingest/rabbitmq"
	"rxjournal/internal/ingest/socket"
	"rxjournal/internal/journal"
	"rxjournal/internal/recorder"
	"rxjournal/internal/storage"
	"rxjournal/internal/storage/sqlite"
)

func main() {
	cfgPath := flag.String("config", "rxjournal.yaml", "path to config file")
	out := flag.String("out", "", "output file for export (defaults to stdout only)")
	filter := flag.String("filter", "", "limit export to one filter")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: rxjournal [flags] export|clear|stats|record")
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	switch flag.Arg(0) {
	case "export":
		err = runExport(cfg, logger, *out, *filter)
	case "clear":
		err = sqlite.Clear(cfg.Journal.BaseDir, cfg.Journal.Name)
	case "stats":
		err = runStats(cfg, logger)
	case "record":
		err = runRecord(cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal("command failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
}

func openStore(cfg config.Config) (*sqlite.Store, error) {
	return sqlite.Open(sqlite.Options{
		BaseDir:      cfg.Journal.BaseDir,
		Name:         cfg.Journal.Name,
		BlockSize:    cfg.Journal.BlockSize,
		PollInterval: cfg.Journal.PollInterval,
	})
}

func runExport(cfg config.Config, logger *zap.Logger, out, filter string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := export.Options{Filter: filter}
	if cfg.Export.Zone != "" {
		loc, err := time.LoadLocation(cfg.Export.Zone)
		if err != nil {
			return err
		}
		opts.Location = loc
	}

	dest := os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		dest = f
		if cfg.Export.Stdout {
			opts.Echo = os.Stdout
		}
	}
	_, err = export.New(store, logger).WriteTo(context.Background(), dest, opts)
	return err
}

func runStats(cfg config.Config, logger *zap.Logger) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	cur, err := store.OpenReader(storage.ReaderOptions{})
	if err != nil {
		return err
	}
	defer cur.Close()

	total := 0
	byFilter := map[string]int{}
	byStatus := map[journal.Status]int{}
	for {
		e, err := cur.Next(context.Background())
		if errors.Is(err, storage.ErrEndOfJournal) {
			break
		}
		if err != nil {
			return err
		}
		total++
		byFilter[e.Filter]++
		byStatus[e.Status]++
	}

	fmt.Printf("dir=%s entries=%d filters=%d\n", store.Dir(), total, len(byFilter))
	for f, n := range byFilter {
		fmt.Printf("  filter=%s entries=%d\n", f, n)
	}
	for s, n := range byStatus {
		fmt.Printf("  status=%s entries=%d\n", s, n)
	}
	return nil
}

func runRecord(cfg config.Config, logger *zap.Logger) error {
	if !cfg.Ingest.Socket.Enabled && !cfg.Ingest.Kafka.Enabled && !cfg.Ingest.RabbitMQ.Enabled {
		return errors.New("no ingest adapter enabled")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	rec := recorder.New(store, recorder.Options{Logger: logger})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Ingest.Socket.Enabled {
		srv := socket.NewServer(socket.Config{
			Network:   cfg.Ingest.Socket.Network,
			Address:   cfg.Ingest.Socket.Address,
			AuthToken: cfg.Ingest.Socket.AuthToken,
		}, socket.NewJournalEngine(store, logger))
		g.Go(func() error { return srv.Start(ctx) })
	}

	if cfg.Ingest.Kafka.Enabled {
		adapter, err := kafka.NewAdapter(kafka.Config{
			Enabled: true,
			Brokers: cfg.Ingest.Kafka.Brokers,
			Topics:  cfg.Ingest.Kafka.Topics,
			GroupID: cfg.Ingest.Kafka.GroupID,
		}, rec, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return adapter.Start(ctx) })
	}

	if cfg.Ingest.RabbitMQ.Enabled {
		adapter, err := rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled: true,
			URL:     cfg.Ingest.RabbitMQ.URL,
			Queue:   cfg.Ingest.RabbitMQ.Queue,
			Filter:  cfg.Ingest.RabbitMQ.Filter,
		}, rec, logger)
		if err != nil {
			return err
		}
		if err := adapter.Start(ctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			return adapter.Close()
		})
	}

	logger.Info("recording",
		zap.Bool("socket", cfg.Ingest.Socket.Enabled),
		zap.Bool("kafka", cfg.Ingest.Kafka.Enabled),
		zap.Bool("rabbitmq", cfg.Ingest.RabbitMQ.Enabled),
		zap.String("dir", store.Dir()))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
