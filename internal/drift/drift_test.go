package drift

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlab/slm/internal/protocol"
)

func version(hash string, offset time.Duration) protocol.CodeVersion {
	return protocol.CodeVersion{
		CommitHash: hash,
		BranchName: "main",
		CommitTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(offset),
	}
}

func TestEvaluate(t *testing.T) {
	canonical := version("aaa111", 0)

	tt := []struct {
		name      string
		canonical protocol.CodeVersion
		node      protocol.CodeVersion
		want      string
	}{
		{"both known equal", canonical, version("aaa111", 0), StatusCurrent},
		{"node behind", canonical, version("bbb222", -time.Hour), StatusOutdated},
		{"node ahead", canonical, version("ccc333", time.Hour), StatusOutdated},
		{"node unknown", canonical, protocol.CodeVersion{}, StatusUnknown},
		{"canonical unknown", protocol.CodeVersion{}, version("aaa111", 0), StatusUnknown},
		{"both unknown", protocol.CodeVersion{}, protocol.CodeVersion{}, StatusUnknown},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker(tc.canonical, zerolog.Nop())
			if got := tr.Evaluate(tc.node); got != tc.want {
				t.Errorf("Evaluate() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestUpdateFromHookReplacesUnconditionally(t *testing.T) {
	tr := NewTracker(version("aaa111", 0), zerolog.Nop())

	// Hooks may roll back to an OLDER commit and still win.
	older := version("000aaa", -2*time.Hour)
	if !tr.UpdateFromHook(older) {
		t.Fatal("hook update should replace canonical")
	}
	if !tr.Canonical().Equal(older) {
		t.Fatalf("canonical = %+v, want %+v", tr.Canonical(), older)
	}

	// Same version again reports no change.
	if tr.UpdateFromHook(older) {
		t.Fatal("identical hook update should report no change")
	}
}

func TestUpdateFromHeartbeat(t *testing.T) {
	base := version("aaa111", 0)
	newer := version("bbb222", time.Hour)
	older := version("ccc333", -time.Hour)

	tt := []struct {
		name         string
		initial      protocol.CodeVersion
		beat         protocol.CodeVersion
		isCodeSource bool
		wantChanged  bool
		wantVersion  protocol.CodeVersion
	}{
		{"code source newer", base, newer, true, true, newer},
		{"code source older", base, older, true, false, base},
		{"code source equal", base, base, true, false, base},
		{"code source seeds empty canonical", protocol.CodeVersion{}, base, true, true, base},
		{"regular node never mutates", base, newer, false, false, base},
		{"zero version ignored", base, protocol.CodeVersion{}, true, false, base},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker(tc.initial, zerolog.Nop())
			changed := tr.UpdateFromHeartbeat(tc.beat, tc.isCodeSource)
			if changed != tc.wantChanged {
				t.Errorf("changed = %v, want %v", changed, tc.wantChanged)
			}
			if !tr.Canonical().Equal(tc.wantVersion) {
				t.Errorf("canonical = %+v, want %+v", tr.Canonical(), tc.wantVersion)
			}
		})
	}
}
