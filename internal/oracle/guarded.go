package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/ticketing/internal/circuitbreaker"
	"github.com/CedrosPay/ticketing/internal/metrics"
)

// guarded bounds Verify in time and runs it under the oracle breaker.
// Only ErrUnavailable counts as a breaker failure; a provider that answers
// "unknown" or "failed" is healthy.
type guarded struct {
	Client
	timeout  time.Duration
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

type verifyResponse struct {
	result VerifyResult
	err    error
}

func (g *guarded) Verify(ctx context.Context, reference string) (VerifyResult, error) {
	start := time.Now()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	out, err := g.breakers.Execute(circuitbreaker.ServiceOracle, func() (interface{}, error) {
		res, err := g.Client.Verify(ctx, reference)
		if err != nil && errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		// Non-transient errors must not trip the breaker, so carry them in the value.
		return verifyResponse{result: res, err: err}, nil
	})

	var res VerifyResult
	switch {
	case err != nil:
		if circuitbreaker.IsOpen(err) {
			err = fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
	default:
		resp := out.(verifyResponse)
		res, err = resp.result, resp.err
	}
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrUnavailable) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}

	result := string(res.Status)
	if err != nil {
		result = "error"
		if errors.Is(err, ErrUnavailable) {
			result = "unavailable"
		}
	}
	g.metrics.ObserveOracle(g.Name(), result, time.Since(start))

	if err != nil {
		msg := "oracle.verify.error"
		if result == "unavailable" {
			msg = "oracle.verify.unavailable"
		}
		g.logger.Warn().
			Err(err).
			Str("provider", g.Name()).
			Str("reference", reference).
			Dur("duration", time.Since(start)).
			Msg(msg)
		return VerifyResult{}, err
	}
	g.logger.Debug().
		Str("provider", g.Name()).
		Str("reference", reference).
		Str("status", string(res.Status)).
		Msg("oracle.verify.completed")
	return res, nil
}
