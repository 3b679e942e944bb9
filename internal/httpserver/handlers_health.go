package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/CedrosPay/ticketing/internal/circuitbreaker"
	"github.com/CedrosPay/ticketing/pkg/responders"
)

// health reports store connectivity and the oracle breaker state. Only an
// unreachable store makes the service unhealthy: with the oracle down,
// webhooks and callback receipts still confirm purchases.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := time.Now()
	storeHealthy := h.store != nil && h.store.Ping(ctx) == nil
	oracleState := h.breakers.State(circuitbreaker.ServiceOracle)

	status := "ok"
	statusCode := http.StatusOK
	if !storeHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]any{
		"status":       status,
		"uptime":       now.Sub(serverStartTime).String(),
		"timestamp":    now.UTC(),
		"storeHealthy": storeHealthy,
		"oracle": map[string]string{
			"provider": h.cfg.Oracle.Provider,
			"breaker":  oracleState,
		},
	}
	if h.cfg.Server.RoutePrefix != "" {
		response["routePrefix"] = h.cfg.Server.RoutePrefix
	}

	responders.JSON(w, statusCode, response)
}
