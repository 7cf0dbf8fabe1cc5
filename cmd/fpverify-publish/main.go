// Command fpverify-publish sends a verification request to the inbound topic
// and optionally waits for its result.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"fpverify/internal/platform/config"
	"fpverify/internal/platform/kafka/producer"
	"fpverify/internal/platform/logger"
	"fpverify/internal/verification/models"
	"fpverify/internal/verification/queue"
)

type publishOutput struct {
	RequestID   string          `json:"requestId"`
	Topic       string          `json:"topic"`
	Fingerprint int             `json:"fingerprints"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	fs := flag.NewFlagSet("fpverify-publish", flag.ExitOnError)
	brokers := fs.String("brokers", cfg.Kafka.Brokers, "Comma-separated Kafka brokers")
	topic := fs.String("topic", cfg.Kafka.InboundTopic, "Inbound request topic")
	resultTopic := fs.String("result-topic", cfg.Kafka.OutboundTopic, "Outbound result topic, read with -wait")
	requestID := fs.String("request-id", "", "Request ID. A random UUID is used if empty.")
	file := fs.String("file", "", "File with one fingerprint ID per line; '-' reads stdin")
	wait := fs.Duration("wait", 0, "Wait this long for the verification result")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = printUsage
	_ = fs.Parse(os.Args[1:])

	ids := fs.Args()
	if *file != "" {
		fromFile, err := readIDs(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", *file, err)
			return 1
		}
		ids = append(ids, fromFile...)
	}

	rid := *requestID
	if rid == "" {
		rid = uuid.NewString()
	}

	payload, err := buildPayload(rid, ids)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second+*wait)
	defer cancel()

	// The result consumer starts at the log end before publishing, so the
	// result cannot slip past it.
	var results *kgo.Client
	if *wait > 0 {
		results, err = kgo.NewClient(
			kgo.SeedBrokers(strings.Split(*brokers, ",")...),
			kgo.ConsumeTopics(*resultTopic),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating result consumer: %v\n", err)
			return 1
		}
		defer results.Close()

		warmCtx, warmCancel := context.WithTimeout(ctx, 2*time.Second)
		results.PollFetches(warmCtx)
		warmCancel()
	}

	prod, err := producer.New(producer.Config{Brokers: *brokers}, logger.NewWithWriter(io.Discard, "error"), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating producer: %v\n", err)
		return 1
	}
	defer prod.Close(5 * time.Second) //nolint:errcheck // process exits next

	err = prod.Produce(ctx, &producer.Message{
		Topic:   *topic,
		Key:     []byte(rid),
		Value:   payload,
		Headers: map[string]string{queue.HeaderContentType: "application/json"},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error publishing request: %v\n", err)
		return 1
	}

	out := publishOutput{RequestID: rid, Topic: *topic, Fingerprint: len(ids)}
	if results != nil {
		waitCtx, waitCancel := context.WithTimeout(ctx, *wait)
		out.Result = awaitResult(waitCtx, results, rid)
		waitCancel()
		if out.Result == nil {
			fmt.Fprintf(os.Stderr, "No result for %s within %s\n", rid, *wait)
		}
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	} else {
		fmt.Printf("Published request %s (%d fingerprints) to %s\n", rid, len(ids), *topic)
		if out.Result != nil {
			fmt.Printf("Result: %s\n", out.Result)
		}
	}
	if results != nil && out.Result == nil {
		return 2
	}
	return 0
}

// buildPayload encodes the request and runs it through the worker's own
// validation, so a request the worker would dead-letter is never sent.
func buildPayload(requestID string, ids []string) ([]byte, error) {
	payload, err := json.Marshal(models.VerificationRequest{RequestID: requestID, FingerprintIDs: ids})
	if err != nil {
		return nil, err
	}
	if _, err := models.ParseRequest(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func readIDs(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			ids = append(ids, line)
		}
	}
	return ids, sc.Err()
}

func awaitResult(ctx context.Context, client *kgo.Client, requestID string) json.RawMessage {
	for ctx.Err() == nil {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		var found json.RawMessage
		fetches.EachRecord(func(r *kgo.Record) {
			if string(r.Key) == requestID {
				found = json.RawMessage(r.Value)
			}
		})
		if found != nil {
			return found
		}
	}
	return nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `fpverify-publish - Send a fingerprint verification request

Usage:
  fpverify-publish [flags] <fingerprint-id>...

Flags default to the worker's environment (KAFKA_BROKERS, KAFKA_INBOUND_TOPIC,
KAFKA_OUTBOUND_TOPIC).

Examples:
  # Publish two fingerprints with a generated request ID
  fpverify-publish 6f1c0b9e-2f53-4a8e-9d55-0c3f7d2a1b44 a0b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5

  # Read IDs from a file and wait for the result
  fpverify-publish -file ids.txt -wait 10s

  -brokers string       Comma-separated Kafka brokers
  -topic string         Inbound request topic
  -result-topic string  Outbound result topic, read with -wait
  -request-id string    Request ID. A random UUID is used if empty.
  -file string          File with one fingerprint ID per line; '-' reads stdin
  -wait duration        Wait this long for the verification result
  -json                 Output as JSON`)
}
