// Package event models the repository lifecycle events that trigger workflow
// runs and the expansion of templated keys derived from them.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is a repository event category. The string values are wire-literal:
// they appear verbatim in webhook deliveries, workflow trigger lists, and
// step guards.
type Kind string

const (
	KindPullRequest Kind = "pull_request"
	KindMergeGroup  Kind = "merge_group"
)

// Kinds lists all supported event kinds.
func Kinds() []Kind {
	return []Kind{KindPullRequest, KindMergeGroup}
}

// UnknownKindError marks an event kind no workflow can trigger on. Callers
// that receive third-party deliveries use it to ignore rather than reject.
type UnknownKindError struct {
	Kind string
}

func (e UnknownKindError) Error() string {
	return fmt.Sprintf("unknown event kind %q", e.Kind)
}

// ParseKind validates a raw event kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.TrimSpace(s)) {
	case KindPullRequest:
		return KindPullRequest, nil
	case KindMergeGroup:
		return KindMergeGroup, nil
	default:
		return "", UnknownKindError{Kind: s}
	}
}

// Event is one inbound repository event. Events are immutable once built.
type Event struct {
	Kind       Kind      `json:"kind"`
	Ref        string    `json:"ref"`
	HeadSHA    string    `json:"head_sha,omitempty"`
	Repository string    `json:"repository,omitempty"`
	DeliveryID string    `json:"delivery_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// payload is the subset of a webhook delivery body we care about. Both
// pull_request and merge_group deliveries carry a ref and head SHA, under
// slightly different keys.
type payload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	PullRequest struct {
		Head struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	MergeGroup struct {
		HeadRef string `json:"head_ref"`
		HeadSHA string `json:"head_sha"`
	} `json:"merge_group"`
}

// FromDelivery builds an Event from a webhook delivery: the event kind header
// value, the delivery ID header value, and the JSON body.
func FromDelivery(kindHeader, deliveryID string, body []byte) (Event, error) {
	kind, err := ParseKind(kindHeader)
	if err != nil {
		return Event{}, err
	}

	var p payload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &p); err != nil {
			return Event{}, fmt.Errorf("decode delivery body: %w", err)
		}
	}

	ev := Event{
		Kind:       kind,
		Repository: p.Repository.FullName,
		DeliveryID: deliveryID,
		ReceivedAt: time.Now().UTC(),
	}

	switch kind {
	case KindPullRequest:
		ev.Ref = p.PullRequest.Head.Ref
		ev.HeadSHA = p.PullRequest.Head.SHA
	case KindMergeGroup:
		ev.Ref = p.MergeGroup.HeadRef
		ev.HeadSHA = p.MergeGroup.HeadSHA
	}

	// Top-level ref/after are the fallback for providers that flatten.
	if ev.Ref == "" {
		ev.Ref = p.Ref
	}
	if ev.HeadSHA == "" {
		ev.HeadSHA = p.After
	}

	if ev.Ref == "" {
		return Event{}, fmt.Errorf("delivery has no ref for event kind %q", kind)
	}
	return ev, nil
}

// ExpandKey expands a concurrency-group template against an event. Supported
// placeholders: ${workflow}, ${ref}, ${event}. Unknown placeholders are left
// as-is so a bad template is visible in the stored group key.
func ExpandKey(template, workflowName string, ev Event) string {
	r := strings.NewReplacer(
		"${workflow}", workflowName,
		"${ref}", ev.Ref,
		"${event}", string(ev.Kind),
	)
	return r.Replace(template)
}
