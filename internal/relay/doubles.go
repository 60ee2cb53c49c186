package relay

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

// NopRelay answers every admitted request with a fixed stub payload. It
// exists so the Admission Pipeline is independently testable without a
// real upstream-provider relay wired in.
type NopRelay struct {
	StatusCode int
	Body       []byte
}

// NewNopRelay builds a NopRelay returning a 200 with a minimal JSON body.
func NewNopRelay() *NopRelay {
	return &NopRelay{StatusCode: http.StatusOK, Body: []byte(`{"status":"accepted"}`)}
}

func (n *NopRelay) Handle(ctx context.Context, req *AdmittedRequest) (*Result, error) {
	req.Response.Header().Set("Content-Type", "application/json")
	req.Response.WriteHeader(n.StatusCode)
	_, err := req.Response.Write(n.Body)
	return &Result{}, err
}

// LoggingRelay wraps another Relay and logs the admitted principal and
// model before delegating, the way the teacher's handlers log request
// context before proxying (see router/router.go's request logger).
type LoggingRelay struct {
	next Relay
	log  zerolog.Logger
}

// NewLoggingRelay wraps next with structured request logging.
func NewLoggingRelay(next Relay, log zerolog.Logger) *LoggingRelay {
	return &LoggingRelay{next: next, log: log}
}

func (l *LoggingRelay) Handle(ctx context.Context, req *AdmittedRequest) (*Result, error) {
	l.log.Info().
		Str("key_id", req.Principal.ID).
		Str("model", req.Model).
		Str("path", req.NormalizedPath).
		Msg("relay handoff")

	res, err := l.next.Handle(ctx, req)
	if err != nil {
		l.log.Error().Err(err).Str("key_id", req.Principal.ID).Msg("relay error")
		return res, err
	}
	if res != nil {
		l.log.Info().
			Str("key_id", req.Principal.ID).
			Int64("tokens", res.Tokens).
			Float64("cost_usd", res.CostUSD).
			Msg("relay usage")
	}
	return res, nil
}
