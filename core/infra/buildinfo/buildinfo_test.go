package buildinfo

import (
	"bytes"
	"log"
	"runtime"
	"strings"
	"testing"
)

func TestInfoAndLog(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	t.Cleanup(func() {
		Version, Commit, Date = origVersion, origCommit, origDate
	})
	Version = "1.2.3"
	Commit = "abc123"
	Date = "2026-01-02"

	want := "version=1.2.3 commit=abc123 date=2026-01-02 go=" + runtime.Version()
	if info := Info(); info != want {
		t.Fatalf("unexpected info: %s", info)
	}

	var buf bytes.Buffer
	origOutput, origFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOutput)
		log.SetFlags(origFlags)
	})

	Log("hookbridge-sender")
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "HOOKBRIDGE-SENDER") || !strings.Contains(got, "version=1.2.3") || !strings.Contains(got, "commit=abc123") {
		t.Fatalf("unexpected log output: %s", got)
	}
}
