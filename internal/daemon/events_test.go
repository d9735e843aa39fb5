package daemon

import (
	"strconv"
	"testing"
	"time"

	"github.com/danmuck/uwbctl/internal/protocol/bundle"
	"github.com/danmuck/uwbctl/internal/ranging"
	"github.com/danmuck/uwbctl/internal/testutil/testlog"
)

func jsonHandle(sess map[string]any) string {
	return strconv.Itoa(int(sess["handle"].(float64)))
}

func parseHandle(t *testing.T, text string) ranging.SessionHandle {
	t.Helper()
	n, err := strconv.Atoi(text)
	if err != nil {
		t.Fatalf("parse handle %q: %v", text, err)
	}
	return ranging.SessionHandle(n)
}

func TestEventLogKeepsNewestRecords(t *testing.T) {
	testlog.Start(t)
	l := newEventLog(2)
	l.now = func() time.Time { return time.Unix(0, 0) }

	l.OnOpened(bundle.New().PutInt("session_id", 42))
	l.OnStartFailed(ranging.ReasonBadParameters, nil)
	l.OnReportReceived(ranging.Report{Sequence: 7})

	records := l.Records()
	if len(records) != 2 || l.Dropped() != 1 {
		t.Fatalf("expected two records and one drop, got %d/%d", len(records), l.Dropped())
	}
	if records[0].Callback != "start_failed" || records[0].Reason != ranging.ReasonBadParameters.String() {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[1].Report == nil || records[1].Report.Sequence != 7 {
		t.Fatalf("unexpected report record: %+v", records[1])
	}
}
