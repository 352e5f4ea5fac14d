package ragserve

import (
	"context"
	"errors"
	"testing"
)

type fakePinger struct {
	name string
	err  error
}

func (f fakePinger) Name() string                   { return f.name }
func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestMultiPingerReportsHealthyWhenAllPingersSucceed(t *testing.T) {
	m := NewMultiPinger(fakePinger{name: "a"}, fakePinger{name: "b"})
	report := m.Report(context.Background())

	if report.Status != "healthy" {
		t.Fatalf("expected healthy, got %q", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	for _, c := range report.Checks {
		if !c.OK || c.Error != "" {
			t.Fatalf("expected check %q to be ok, got %+v", c.Name, c)
		}
	}
}

func TestMultiPingerDegradesWhenOnePingerFails(t *testing.T) {
	m := NewMultiPinger(
		fakePinger{name: "a"},
		fakePinger{name: "b", err: errors.New("unreachable")},
	)
	report := m.Report(context.Background())

	if report.Status != "degraded" {
		t.Fatalf("expected degraded, got %q", report.Status)
	}
	var found bool
	for _, c := range report.Checks {
		if c.Name == "b" {
			found = true
			if c.OK || c.Error != "unreachable" {
				t.Fatalf("expected check b to report the failure, got %+v", c)
			}
		}
	}
	if !found {
		t.Fatal("expected a check named \"b\"")
	}
}

func TestMultiPingerReportsHealthyWithNoPingers(t *testing.T) {
	m := NewMultiPinger()
	report := m.Report(context.Background())
	if report.Status != "healthy" {
		t.Fatalf("expected healthy with zero pingers, got %q", report.Status)
	}
}
