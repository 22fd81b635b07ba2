package webhook

import (
	"context"

	"github.com/rigworks/rigci/internal/event"
)

// DefaultMaxBodySize is the request body limit applied when an endpoint does
// not set one (1 MiB).
const DefaultMaxBodySize = 1 << 20

// DefaultSignatureHeader and friends match GitHub's delivery headers, the
// most common webhook dialect.
const (
	DefaultSignatureHeader = "X-Hub-Signature-256"
	DefaultEventHeader     = "X-GitHub-Event"
	DefaultDeliveryHeader  = "X-GitHub-Delivery"
)

// RunSubmitter accepts verified events for dispatch. Satisfied by
// *dispatch.Dispatcher.
type RunSubmitter interface {
	Submit(ctx context.Context, ev event.Event, workflowName, submittedBy string) ([]string, error)
}

// AcceptedResponse is returned on a successful delivery (202).
type AcceptedResponse struct {
	RunIDs []string `json:"run_ids"`
}

// ErrorResponse is returned on any failure.
type ErrorResponse struct {
	Error string `json:"error"`
}
