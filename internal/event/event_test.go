package event

import (
	"errors"
	"testing"
)

func TestParseKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"pull_request", KindPullRequest, false},
		{"merge_group", KindMergeGroup, false},
		{"  merge_group ", KindMergeGroup, false},
		{"push", "", true},
		{"", "", true},
		{"PULL_REQUEST", "", true},
	}

	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseKindUnknownKindError(t *testing.T) {
	t.Parallel()

	_, err := ParseKind("ping")
	var kindErr UnknownKindError
	if !errors.As(err, &kindErr) {
		t.Fatalf("expected UnknownKindError, got %T: %v", err, err)
	}
	if kindErr.Kind != "ping" {
		t.Errorf("Kind = %q, want %q", kindErr.Kind, "ping")
	}
}

func TestFromDeliveryPullRequest(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"repository": {"full_name": "rigworks/cloud-stack"},
		"pull_request": {"head": {"ref": "feature/vfio-hotplug", "sha": "abc123"}}
	}`)

	ev, err := FromDelivery("pull_request", "delivery-1", body)
	if err != nil {
		t.Fatalf("FromDelivery: %v", err)
	}
	if ev.Kind != KindPullRequest {
		t.Errorf("Kind = %q, want pull_request", ev.Kind)
	}
	if ev.Ref != "feature/vfio-hotplug" {
		t.Errorf("Ref = %q", ev.Ref)
	}
	if ev.HeadSHA != "abc123" {
		t.Errorf("HeadSHA = %q", ev.HeadSHA)
	}
	if ev.Repository != "rigworks/cloud-stack" {
		t.Errorf("Repository = %q", ev.Repository)
	}
	if ev.DeliveryID != "delivery-1" {
		t.Errorf("DeliveryID = %q", ev.DeliveryID)
	}
	if ev.ReceivedAt.IsZero() {
		t.Error("ReceivedAt is zero")
	}
}

func TestFromDeliveryMergeGroup(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"merge_group": {"head_ref": "gh-readonly-queue/main/pr-42", "head_sha": "def456"}
	}`)

	ev, err := FromDelivery("merge_group", "", body)
	if err != nil {
		t.Fatalf("FromDelivery: %v", err)
	}
	if ev.Ref != "gh-readonly-queue/main/pr-42" {
		t.Errorf("Ref = %q", ev.Ref)
	}
	if ev.HeadSHA != "def456" {
		t.Errorf("HeadSHA = %q", ev.HeadSHA)
	}
}

func TestFromDeliveryTopLevelFallback(t *testing.T) {
	t.Parallel()

	body := []byte(`{"ref": "refs/heads/main", "after": "fff000"}`)

	ev, err := FromDelivery("merge_group", "", body)
	if err != nil {
		t.Fatalf("FromDelivery: %v", err)
	}
	if ev.Ref != "refs/heads/main" {
		t.Errorf("Ref = %q", ev.Ref)
	}
	if ev.HeadSHA != "fff000" {
		t.Errorf("HeadSHA = %q", ev.HeadSHA)
	}
}

func TestFromDeliveryNoRef(t *testing.T) {
	t.Parallel()

	if _, err := FromDelivery("pull_request", "", []byte(`{}`)); err == nil {
		t.Fatal("expected error for delivery without ref")
	}
}

func TestFromDeliveryBadJSON(t *testing.T) {
	t.Parallel()

	if _, err := FromDelivery("pull_request", "", []byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestExpandKey(t *testing.T) {
	t.Parallel()

	ev := Event{Kind: KindMergeGroup, Ref: "main"}

	tests := []struct {
		template string
		want     string
	}{
		{"${workflow}-${ref}", "vfio-main"},
		{"${workflow}/${event}", "vfio/merge_group"},
		{"static", "static"},
		{"${unknown}", "${unknown}"},
	}
	for _, tt := range tests {
		if got := ExpandKey(tt.template, "vfio", ev); got != tt.want {
			t.Errorf("ExpandKey(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}
