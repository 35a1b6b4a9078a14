package api

import (
	"net/http"

	"github.com/dallay/cvix-sub006/internal/engine"
	"github.com/dallay/cvix-sub006/internal/latex"
)

// enginesResponse is the JSON response for GET /v1/engines.
type enginesResponse struct {
	Default string         `json:"default"`
	Engines []latex.Engine `json:"engines"`
}

// capacityResponse is the JSON response for GET /v1/capacity.
type capacityResponse struct {
	engine.GateStats
	Image          string `json:"image"`
	ImageAvailable bool   `json:"image_available"`
}

func (s *Server) handleListEngines(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, enginesResponse{
		Default: s.engine.Options().Engine,
		Engines: s.engine.Registry().List(),
	})
}

func (s *Server) handleGetCapacity(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, capacityResponse{
		GateStats:      s.engine.Gate(),
		Image:          s.engine.Options().Image,
		ImageAvailable: s.engine.ImageAvailable(),
	})
}
