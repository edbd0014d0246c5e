package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/workerpool/internal/runtime/jsoncodec"
)

// PoolsResponse is the body served on /api/pools.
type PoolsResponse struct {
	BrokerSystem string             `json:"broker_system"`
	GroupQueue   string             `json:"group_queue,omitempty"`
	Unroutable   uint64             `json:"unroutable"`
	Router       *TaskStatsSnapshot `json:"router,omitempty"`
	Host         HostUsage          `json:"host"`
	Pools        []PoolInfo         `json:"pools"`
}

func (s *Service) handleGetPools(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Set CORS headers based on configuration
	if len(s.Conf.WebUICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := PoolsResponse{
		BrokerSystem: s.Conf.BrokerSystem,
		GroupQueue:   s.Conf.GroupQueue,
		Host:         s.host.Sample(),
		Pools:        s.PoolInfos(),
	}
	if s.router != nil {
		routed := s.router.Stats().Snapshot()
		resp.Unroutable = routed.Rejected
		resp.Router = &routed
	}

	if err := jsoncodec.Encode(w, resp); err != nil {
		s.Logger.Error("Failed to encode pools", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
