package queue

import "testing"

func TestParseStatus(t *testing.T) {
	for _, status := range AllStatuses() {
		parsed, ok := ParseStatus(string(status))
		if !ok || parsed != status {
			t.Fatalf("ParseStatus(%q) = %q, %v", status, parsed, ok)
		}
	}
	if _, ok := ParseStatus("bogus"); ok {
		t.Fatal("expected unknown status to be rejected")
	}
}

func TestAggregateStatus(t *testing.T) {
	cases := []struct {
		name   string
		counts StatusCounts
		cancel bool
		want   Status
	}{
		{"empty", StatusCounts{}, false, StatusPending},
		{"all pending", StatusCounts{Pending: 3}, false, StatusPending},
		{"one running", StatusCounts{Pending: 2, Running: 1}, false, StatusRunning},
		{"progress with pending left", StatusCounts{Pending: 1, Succeeded: 2}, false, StatusRunning},
		{"all succeeded", StatusCounts{Succeeded: 3}, false, StatusSucceeded},
		{"any failed", StatusCounts{Succeeded: 2, Failed: 1}, false, StatusFailed},
		{"all canceled", StatusCounts{Canceled: 3}, false, StatusCanceled},
		{"mixed canceled without flag", StatusCounts{Succeeded: 1, Canceled: 2}, false, StatusSucceeded},
		{"mixed canceled under cancel", StatusCounts{Succeeded: 1, Canceled: 2}, true, StatusCanceled},
		{"failure wins over cancel flag", StatusCounts{Failed: 1, Canceled: 2}, true, StatusFailed},
		{"canceled with pending left", StatusCounts{Pending: 1, Canceled: 1}, true, StatusRunning},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := aggregateStatus(tc.counts, tc.cancel); got != tc.want {
				t.Fatalf("aggregateStatus(%#v, %v) = %s, want %s", tc.counts, tc.cancel, got, tc.want)
			}
		})
	}
}
