package healthcheck

import (
	"context"
	"testing"
)

type testChecker struct {
	items []CheckResult
}

func (c *testChecker) ListChecks(ctx context.Context) []CheckResult {
	return c.items
}

func TestRunAggregatesWorstStatus(t *testing.T) {
	t.Parallel()

	report := Run(context.Background(),
		&testChecker{items: []CheckResult{{ID: "b", Status: StatusOK}}},
		nil,
		&testChecker{items: []CheckResult{{ID: "a", Status: StatusWarn}}},
	)
	if report.Status != StatusWarn {
		t.Fatalf("expected warn, got %s", report.Status)
	}
	if !report.Healthy() {
		t.Fatalf("warnings must not make the report unhealthy")
	}
	if len(report.Checks) != 2 || report.Checks[0].ID != "a" {
		t.Fatalf("unexpected checks: %+v", report.Checks)
	}

	report = Run(context.Background(),
		&testChecker{items: []CheckResult{{ID: "db", Status: StatusError}, {ID: "cache", Status: StatusWarn}}},
	)
	if report.Status != StatusError || report.Healthy() {
		t.Fatalf("expected error report, got %+v", report)
	}
}

func TestRunWithoutCheckers(t *testing.T) {
	t.Parallel()

	report := Run(context.Background())
	if report.Status != StatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
	if report.Checks == nil {
		t.Fatalf("checks must be an empty list, not nil")
	}
}
