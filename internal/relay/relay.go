// Package relay defines the contract the Admission Pipeline hands a
// validated request to. The real upstream-provider relay (account pool
// and scheduler, Claude/Gemini/OpenAI/Bedrock adapters) is out of scope
// (spec.md §1 OUT OF SCOPE); this package exists so the pipeline's
// handoff step has somewhere concrete to call.
package relay

import (
	"context"
	"net/http"

	"github.com/keystonegw/sentinel/internal/keystore"
)

// AdmittedRequest is everything a relay needs once the Admission
// Pipeline has validated a request: the original HTTP request/response
// pair and the caller's principal.
type AdmittedRequest struct {
	Request    *http.Request
	Response   http.ResponseWriter
	Principal  keystore.PrincipalContext
	Model      string
	NormalizedPath string
}

// Result carries the usage the relay observed, fed back into the Rate
// Limiter's post-response accounting (spec.md §4.3 "usage ... is
// recorded later by the relay").
type Result struct {
	Tokens  int64
	CostUSD float64
}

// Relay hands an admitted request off to an upstream provider and
// streams the response. Handle owns writing to AdmittedRequest.Response.
type Relay interface {
	Handle(ctx context.Context, req *AdmittedRequest) (*Result, error)
}
