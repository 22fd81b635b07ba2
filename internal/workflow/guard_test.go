package workflow

import (
	"testing"

	"github.com/rigworks/rigci/internal/event"
)

func TestParseGuard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr    string
		onPR    bool
		onMG    bool
		wantErr bool
	}{
		{"", true, true, false},
		{"always", true, true, false},
		{"event == pull_request", true, false, false},
		{"event != pull_request", false, true, false},
		{"event == merge_group", false, true, false},
		{"event == 'pull_request'", true, false, false},
		{`event == "merge_group"`, false, true, false},
		{"event==pull_request", true, false, false},
		{"event == push", false, false, true},
		{"branch == main", false, false, true},
		{"event > pull_request", false, false, true},
	}

	for _, tt := range tests {
		g, err := ParseGuard(tt.expr)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseGuard(%q): expected error", tt.expr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseGuard(%q): %v", tt.expr, err)
			continue
		}
		if got := g.Eval(event.KindPullRequest); got != tt.onPR {
			t.Errorf("ParseGuard(%q).Eval(pull_request) = %v, want %v", tt.expr, got, tt.onPR)
		}
		if got := g.Eval(event.KindMergeGroup); got != tt.onMG {
			t.Errorf("ParseGuard(%q).Eval(merge_group) = %v, want %v", tt.expr, got, tt.onMG)
		}
	}
}

func TestGuardString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr string
		want string
	}{
		{"", "always"},
		{"event == pull_request", "event == pull_request"},
		{"event != 'pull_request'", "event != pull_request"},
	}
	for _, tt := range tests {
		g, err := ParseGuard(tt.expr)
		if err != nil {
			t.Fatalf("ParseGuard(%q): %v", tt.expr, err)
		}
		if got := g.String(); got != tt.want {
			t.Errorf("ParseGuard(%q).String() = %q, want %q", tt.expr, got, tt.want)
		}
	}
}
