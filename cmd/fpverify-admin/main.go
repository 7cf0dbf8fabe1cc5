// Command fpverify-admin prepares the infrastructure the worker expects:
// Kafka topics and the Postgres schema. It also lists stored dead letters.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"fpverify/internal/platform/config"
	"fpverify/internal/platform/database"
	platformkafka "fpverify/internal/platform/kafka"
	"fpverify/internal/verification/deadletter"
	"fpverify/migrations"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	topicsCmd := flag.NewFlagSet("topics", flag.ExitOnError)
	topicsPartitions := topicsCmd.Int("partitions", 6, "Partitions per topic")
	topicsReplication := topicsCmd.Int("replication", 1, "Replication factor")

	migrateCmd := flag.NewFlagSet("migrate", flag.ExitOnError)

	lettersCmd := flag.NewFlagSet("dead-letters", flag.ExitOnError)
	lettersLimit := lettersCmd.Int("limit", 20, "Number of dead letters to show")
	lettersJSON := lettersCmd.Bool("json", false, "Output as JSON")

	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch os.Args[1] {
	case "topics":
		_ = topicsCmd.Parse(os.Args[2:])
		err = createTopics(ctx, cfg, int32(*topicsPartitions), int16(*topicsReplication))
	case "migrate":
		_ = migrateCmd.Parse(os.Args[2:])
		err = migrate(ctx, cfg)
	case "dead-letters":
		_ = lettersCmd.Parse(os.Args[2:])
		err = listDeadLetters(ctx, cfg, *lettersLimit, *lettersJSON)
	case "check":
		_ = checkCmd.Parse(os.Args[2:])
		err = check(ctx, cfg)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`fpverify-admin - Prepare and inspect fpverify infrastructure

Usage:
  fpverify-admin <command> [flags]

Commands:
  topics        Create the request, result and dead-letter topics
  migrate       Apply the Postgres schema (fingerprints, dead_letters)
  dead-letters  Show the most recent dead letters stored in Postgres
  check         Check that Kafka is reachable and every topic exists

Configuration is read from the worker's environment (KAFKA_BROKERS,
KAFKA_*_TOPIC, DATABASE_URL).

Examples:
  fpverify-admin topics -partitions 12 -replication 3
  fpverify-admin migrate
  fpverify-admin dead-letters -limit 50 -json`)
}

func kafkaClient(cfg config.Config) (*kgo.Client, error) {
	return kgo.NewClient(kgo.SeedBrokers(strings.Split(cfg.Kafka.Brokers, ",")...))
}

func topicNames(cfg config.Config) platformkafka.Topics {
	return platformkafka.Topics{
		Inbound:    cfg.Kafka.InboundTopic,
		Outbound:   cfg.Kafka.OutboundTopic,
		DeadLetter: cfg.Kafka.DeadLetterTopic,
	}
}

func createTopics(ctx context.Context, cfg config.Config, partitions int32, replication int16) error {
	topics := topicNames(cfg)
	if err := topics.Validate(); err != nil {
		return err
	}

	client, err := kafkaClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	created, err := platformkafka.EnsureTopics(ctx, client, partitions, replication, topics.All()...)
	if err != nil {
		return err
	}
	for _, name := range topics.All() {
		state := "exists"
		for _, c := range created {
			if c == name {
				state = "created"
			}
		}
		fmt.Printf("%-8s %s\n", state, name)
	}
	return nil
}

func openDB(ctx context.Context, cfg config.Config) (*database.Pool, error) {
	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.Store.DatabaseURL
	dbCfg.MaxOpenConns = 2
	return database.New(ctx, dbCfg)
}

func migrate(ctx context.Context, cfg config.Config) error {
	pool, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close() //nolint:errcheck // process exits next

	applied, err := database.Migrate(ctx, pool.DB(), migrations.FS)
	if err != nil {
		return err
	}
	for _, f := range applied {
		fmt.Printf("applied  %s\n", f)
	}
	return nil
}

func listDeadLetters(ctx context.Context, cfg config.Config, limit int, jsonOutput bool) error {
	pool, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close() //nolint:errcheck // process exits next

	letters, err := deadletter.NewPostgresSink(pool.DB()).Recent(ctx, limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(letters)
	}
	if len(letters) == 0 {
		fmt.Println("No dead letters")
		return nil
	}
	for _, l := range letters {
		requestID := l.RequestID
		if requestID == "" {
			requestID = "-"
		}
		fmt.Printf("%s  %s  %-18s attempt=%d request=%s cause=%q\n",
			l.FailedAt.Format(time.RFC3339), l.ID, l.Reason, l.Attempt, requestID, l.Cause)
	}
	return nil
}

func check(ctx context.Context, cfg config.Config) error {
	client, err := kafkaClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := platformkafka.NewHealthChecker(client, topicNames(cfg).All()...).Check(ctx); err != nil {
		return err
	}
	fmt.Println("kafka ok")
	return nil
}
