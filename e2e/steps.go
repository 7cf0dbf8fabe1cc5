package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/cucumber/godog"

	"fpverify/internal/verification/dispatcher"
	"fpverify/internal/verification/models"
)

// RegisterSteps registers all step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	// Background steps
	ctx.Step(`^the verification worker is running$`, tc.workerIsRunning)
	ctx.Step(`^the store contains fingerprints "([^"]*)"$`, tc.storeContains)
	ctx.Step(`^the store is unavailable$`, tc.storeIsUnavailable)
	ctx.Step(`^the store fails the next (\d+) lookups?$`, tc.storeFailsNext)
	ctx.Step(`^the result broker rejects the next (\d+) publish(?:es)?$`, tc.brokerRejectsNext)
	ctx.Step(`^the delivery budget is (\d+)$`, tc.deliveryBudgetIs)
	ctx.Step(`^store failures are dead-lettered immediately$`, tc.deadLetterImmediately)

	// Request steps
	ctx.Step(`^request "([^"]*)" is submitted with fingerprints "([^"]*)"$`, tc.submitRequest)
	ctx.Step(`^the raw message '([^']*)' is submitted$`, tc.submitRaw)

	// Assertion steps
	ctx.Step(`^the result for "([^"]*)" should have status "([^"]*)"$`, tc.resultStatusShouldBe)
	ctx.Step(`^the result for "([^"]*)" should list missing fingerprints "([^"]*)"$`, tc.resultMissingShouldBe)
	ctx.Step(`^the result for "([^"]*)" should list no missing fingerprints$`, tc.resultMissingShouldBeEmpty)
	ctx.Step(`^(\d+) results? should be published$`, tc.resultCountShouldBe)
	ctx.Step(`^a dead letter with reason "([^"]*)" should be recorded$`, tc.deadLetterShouldBeRecorded)
	ctx.Step(`^the dead letter should carry request id "([^"]*)"$`, tc.deadLetterRequestIDShouldBe)
	ctx.Step(`^no dead letters should be recorded$`, tc.noDeadLetters)
	ctx.Step(`^the message should have been requeued (\d+) times?$`, tc.requeuedTimes)
}

func (tc *TestContext) workerIsRunning(ctx context.Context) error {
	return nil
}

func (tc *TestContext) storeContains(ctx context.Context, ids string) error {
	return tc.Store.Add(ctx, splitList(ids)...)
}

func (tc *TestContext) storeIsUnavailable(ctx context.Context) error {
	tc.Store.down.Store(true)
	return nil
}

func (tc *TestContext) storeFailsNext(ctx context.Context, n int) error {
	tc.Store.failures.Store(int32(n))
	return nil
}

func (tc *TestContext) brokerRejectsNext(ctx context.Context, n int) error {
	tc.publishFailures.Store(int32(n))
	return nil
}

func (tc *TestContext) deliveryBudgetIs(ctx context.Context, n int) error {
	if tc.started {
		return fmt.Errorf("delivery budget must be set before the first message")
	}
	tc.MaxDeliveries = n
	return nil
}

func (tc *TestContext) deadLetterImmediately(ctx context.Context) error {
	if tc.started {
		return fmt.Errorf("store failure policy must be set before the first message")
	}
	tc.Policy = dispatcher.PolicyDeadLetter
	return nil
}

func (tc *TestContext) submitRequest(ctx context.Context, requestID, ids string) error {
	body, err := json.Marshal(map[string]any{
		"requestId":      requestID,
		"fingerprintIds": splitList(ids),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return tc.Submit(ctx, body)
}

func (tc *TestContext) submitRaw(ctx context.Context, raw string) error {
	return tc.Submit(ctx, []byte(raw))
}

func (tc *TestContext) resultStatusShouldBe(ctx context.Context, requestID, status string) error {
	result, err := tc.settledResult(requestID)
	if err != nil {
		return err
	}
	if got := string(result.Status()); got != status {
		return fmt.Errorf("expected status %q for %q, got %q", status, requestID, got)
	}
	return nil
}

func (tc *TestContext) resultMissingShouldBe(ctx context.Context, requestID, ids string) error {
	result, err := tc.settledResult(requestID)
	if err != nil {
		return err
	}
	want := splitList(ids)
	got := result.MissingIDs()
	slices.Sort(want)
	slices.Sort(got)
	if !slices.Equal(want, got) {
		return fmt.Errorf("expected missing %v for %q, got %v", want, requestID, got)
	}
	return nil
}

func (tc *TestContext) resultMissingShouldBeEmpty(ctx context.Context, requestID string) error {
	result, err := tc.settledResult(requestID)
	if err != nil {
		return err
	}
	if missing := result.MissingIDs(); len(missing) != 0 {
		return fmt.Errorf("expected no missing fingerprints for %q, got %v", requestID, missing)
	}
	return nil
}

func (tc *TestContext) resultCountShouldBe(ctx context.Context, n int) error {
	if err := tc.AwaitSettled(); err != nil {
		return err
	}
	if got := len(tc.Results.Results()); got != n {
		return fmt.Errorf("expected %d published results, got %d", n, got)
	}
	return nil
}

func (tc *TestContext) deadLetterShouldBeRecorded(ctx context.Context, reason string) error {
	if err := tc.AwaitSettled(); err != nil {
		return err
	}
	for _, letter := range tc.DeadLetters.Letters() {
		if string(letter.Reason) == reason {
			return nil
		}
	}
	return fmt.Errorf("no dead letter with reason %q among %d letters", reason, len(tc.DeadLetters.Letters()))
}

func (tc *TestContext) deadLetterRequestIDShouldBe(ctx context.Context, requestID string) error {
	letters := tc.DeadLetters.Letters()
	if len(letters) == 0 {
		return fmt.Errorf("no dead letters recorded")
	}
	if got := letters[len(letters)-1].RequestID; got != requestID {
		return fmt.Errorf("expected dead letter for %q, got %q", requestID, got)
	}
	return nil
}

func (tc *TestContext) noDeadLetters(ctx context.Context) error {
	if err := tc.AwaitSettled(); err != nil {
		return err
	}
	if letters := tc.DeadLetters.Letters(); len(letters) != 0 {
		return fmt.Errorf("expected no dead letters, got %d (first reason %q)", len(letters), letters[0].Reason)
	}
	return nil
}

func (tc *TestContext) requeuedTimes(ctx context.Context, n int) error {
	if err := tc.AwaitSettled(); err != nil {
		return err
	}
	if got := tc.Inbound.Nacks(); got != n {
		return fmt.Errorf("expected %d requeues, got %d", n, got)
	}
	return nil
}

func (tc *TestContext) settledResult(requestID string) (models.VerificationResult, error) {
	if err := tc.AwaitSettled(); err != nil {
		return models.VerificationResult{}, err
	}
	return tc.ResultFor(requestID)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
