// Package policy implements the Policy Evaluator of spec.md §4.2:
// client-allowlist checks, the global-or-key Claude-Code-only gate,
// and count_tokens endpoint bypass detection. Key format is checked by
// internal/keystore, not here. The live flags are passed in by the
// caller (the admission pipeline reads them from the internal/config
// Service and falls open on read errors) — a denial is only ever
// returned when the check itself ran and said no.
package policy

import (
	"net/http"
	"path"
	"strings"

	"github.com/keystonegw/sentinel/internal/config"
)

// claudeCodeClientID is the one allowed-client value that, alone, makes
// a key's own client restriction equivalent to the Claude-Code-only
// gate (spec.md §4.2 "keyHasClientRestriction AND allowedClients ==
// {\"claude_code\"}").
const claudeCodeClientID = "claude_code"

// claudeMessagesPaths is the exact endpoint set the Claude-Code-only
// gate applies to.
var claudeMessagesPaths = map[string]bool{
	"/api/v1/messages":   true,
	"/claude/v1/messages": true,
}

// countTokensPaths bypass client/model/concurrency/rate checks entirely
// (spec.md §4.2) but still require a valid key, so this set is consulted
// by the admission pipeline before invoking the Policy Evaluator at all,
// not as a Deny path here.
var countTokensPaths = map[string]bool{
	"/api/v1/messages/count_tokens":   true,
	"/claude/v1/messages/count_tokens": true,
	"/v1/messages/count_tokens":        true,
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	Reason  string // e.g. "client_not_allowlisted", "claude_code_only"
	UA      string // the User-Agent observed at decision time
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason, ua string) Decision {
	return Decision{Allowed: false, Reason: reason, UA: ua}
}

// NormalizePath collapses a request path the way spec.md §4.2 expects
// for endpoint matching: clean(.., //), strip a trailing slash.
func NormalizePath(p string) string {
	cleaned := path.Clean(p)
	if len(cleaned) > 1 {
		cleaned = strings.TrimSuffix(cleaned, "/")
	}
	return cleaned
}

// IsCountTokensEndpoint reports whether a normalized path is one of the
// token-counting endpoints that bypass client/model/concurrency/rate
// checks.
func IsCountTokensEndpoint(normalizedPath string) bool {
	return countTokensPaths[normalizedPath]
}

// IsClaudeMessagesEndpoint reports whether a normalized path is subject
// to the Claude-Code-only gate.
func IsClaudeMessagesEndpoint(normalizedPath string) bool {
	return claudeMessagesPaths[normalizedPath]
}

// clientFromRequest derives the calling client's identifier from its
// User-Agent, e.g. "claude-cli/1.0.61" -> "claude_code". Unknown or
// absent User-Agent values normalize to "" and never match an allowlist
// entry other than a literal "" (which no real deployment configures).
func clientFromRequest(r *http.Request) (clientID, ua string) {
	ua = r.Header.Get("User-Agent")
	lower := strings.ToLower(ua)
	switch {
	case strings.HasPrefix(lower, "claude-cli/"):
		return claudeCodeClientID, ua
	case strings.Contains(lower, "claude-code"):
		return claudeCodeClientID, ua
	default:
		return "", ua
	}
}

// EvaluateClient checks the request's derived client identifier against
// a key's allowlist. An empty allowedClients slice (no restriction
// configured) always allows.
func EvaluateClient(r *http.Request, allowedClients []string) Decision {
	if len(allowedClients) == 0 {
		return allow()
	}
	clientID, ua := clientFromRequest(r)
	for _, c := range allowedClients {
		if c == clientID {
			return allow()
		}
	}
	return deny("client_not_allowlisted", ua)
}

// EvaluateClaudeCodeOnly applies the global-or-key Claude-Code-only gate
// (spec.md §4.2) on Claude-messages endpoints. It does not look at the
// request path; callers confirm the path via IsClaudeMessagesEndpoint
// before calling it.
func EvaluateClaudeCodeOnly(r *http.Request, flags config.PolicyFlags, keyHasClientRestriction bool, allowedClients []string) Decision {
	keyRestrictsToClaudeCode := keyHasClientRestriction && len(allowedClients) == 1 && allowedClients[0] == claudeCodeClientID

	if !flags.ClaudeCodeOnlyEnabled && !keyRestrictsToClaudeCode {
		return allow()
	}

	clientID, ua := clientFromRequest(r)
	if clientID == claudeCodeClientID {
		return allow()
	}
	return deny("claude_code_only", ua)
}
