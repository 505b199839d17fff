package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"

	"taskchat/client/generator"
	"taskchat/client/metrics"
	"taskchat/client/pool"
)

func main() {
	host := pflag.String("host", "localhost:8080", "server host:port")
	workers := pflag.Int("workers", 32, "concurrent connections")
	users := pflag.Int("users", 2000, "simulated users, one script each")
	rooms := pflag.Int("rooms", 20, "task rooms to spread users over")
	messages := pflag.Int("messages", 25, "messages per user")
	lobbyShare := pflag.Float64("lobby-share", 0.1, "fraction of users chatting in the lobby")
	role := pflag.String("role", "Worker", "role query parameter sent on connect")
	out := pflag.String("out", "results.csv", "per-operation CSV output")
	warmupUsers := pflag.Int("warmup", 100, "users in the warmup phase, 0 to skip")
	seed := pflag.Int64("seed", time.Now().UnixNano(), "generator seed")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("Starting load client with host=%s, workers=%d, users=%d, messages/user=%d\n", *host, *workers, *users, *messages)

	if *warmupUsers > 0 {
		fmt.Println("\n--- Starting Warmup Phase ---")
		warm := metrics.NewCollector(nil)
		runPhase(ctx, logger, warm, generator.Config{Users: *warmupUsers, Rooms: 1, MessagesPerUser: 10}, *seed, *host, *role, *workers)

		// Little's Law: throughput = concurrency / round-trip time
		rtt := warm.AvgLatency()
		fmt.Printf("Warmup finished, avg RTT %s over %d operations\n", rtt, warm.Stats.SuccessCount)
		if rtt > 0 {
			fmt.Printf("Predicted Throughput (L / W): %.2f ops/sec\n", float64(*workers)/rtt.Seconds())
		}
	}

	f, err := os.Create(*out)
	if err != nil {
		logger.Error("create results file", "path", *out, "error", err)
		os.Exit(1)
	}
	defer f.Close()

	fmt.Println("\n--- Starting Main Phase ---")
	collector := metrics.NewCollector(f)
	start := time.Now()
	runPhase(ctx, logger, collector, generator.Config{
		Users:           *users,
		Rooms:           *rooms,
		MessagesPerUser: *messages,
		LobbyShare:      *lobbyShare,
	}, *seed+1, *host, *role, *workers)
	duration := time.Since(start)

	fmt.Println("--- Main Phase Complete ---")
	collector.PrintSummary(os.Stdout)
	fmt.Printf("Wall Time: %.2f seconds\n", duration.Seconds())
}

// runPhase drives one generator through the pool and waits for the collector
// to finish.
func runPhase(ctx context.Context, logger *slog.Logger, collector *metrics.Collector, cfg generator.Config, seed int64, host, role string, workers int) {
	collector.Start()

	gen := generator.NewGenerator(cfg, 1000, seed)
	go gen.Run()

	p := pool.NewPool(workers, gen.Output, collector, host)
	p.Role = role
	p.Logger = logger
	if err := p.Run(ctx); err != nil {
		logger.Warn("phase interrupted", "error", err)
		// let the generator finish so it does not block forever
		go func() {
			for range gen.Output {
			}
		}()
	}

	collector.Close()
	<-collector.Done
}
