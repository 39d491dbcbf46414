package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/kwv/routemesh/pipeline"
	"github.com/kwv/routemesh/route"
	"github.com/kwv/routemesh/store"
)

// queueRequest is the body of POST /api/queue. Metadata for ids missing from
// activities is taken from the bounds store.
type queueRequest struct {
	ActivityIDs []string             `json:"activityIds"`
	Activities  []store.BoundsRecord `json:"activities,omitempty"`
}

// newHTTPServer creates an HTTP server with all endpoints. Runs started
// through the API are bound to ctx rather than to the request.
func newHTTPServer(ctx context.Context, p *pipeline.Pipeline, stores store.Stores) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status    string         `json:"status"`
			Timestamp time.Time      `json:"timestamp"`
			State     pipeline.State `json:"state"`
			Running   bool           `json:"running"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			State:     p.Progress().State,
			Running:   p.Running(),
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /api/progress", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Progress())
	})

	mux.HandleFunc("GET /api/cache", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.GetCache().StripPoints())
	})

	mux.HandleFunc("DELETE /api/cache", func(w http.ResponseWriter, r *http.Request) {
		if err := p.ClearCache(ctx); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/groups", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pipeline.SummarizeGroups(p.GetCache()))
	})

	mux.HandleFunc("GET /api/groups/{id}", func(w http.ResponseWriter, r *http.Request) {
		g := p.GetCache().Group(r.PathValue("id"))
		if g == nil {
			writeError(w, pipeline.ErrGroupNotFound)
			return
		}
		writeJSON(w, http.StatusOK, g)
	})

	// Consensus path plus the representative activity as a FeatureCollection
	mux.HandleFunc("GET /api/groups/{id}/geojson", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		g := p.GetCache().Group(id)
		if g == nil {
			writeError(w, pipeline.ErrGroupNotFound)
			return
		}
		consensus, err := p.GroupConsensus(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}

		fc := geojson.NewFeatureCollection()
		if len(consensus) >= 2 {
			f := geojson.NewFeature(lineString(consensus))
			f.ID = g.ID
			f.Properties["role"] = "consensus"
			f.Properties["name"] = g.Name
			f.Properties["activityCount"] = g.ActivityCount
			f.Properties["distanceMeters"] = g.DistanceMeters
			fc.Append(f)
		}
		if rep := g.Representative; rep != nil && len(rep.Points) >= 2 {
			f := geojson.NewFeature(lineString(rep.Points))
			f.ID = rep.ActivityID
			f.Properties["role"] = "representative"
			f.Properties["activityId"] = rep.ActivityID
			fc.Append(f)
		}

		data, err := fc.MarshalJSON()
		if err != nil {
			log.Printf("[HTTP] Error encoding GeoJSON for %s: %v", id, err)
			http.Error(w, "encoding failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write(data)
	})

	mux.HandleFunc("GET /api/groups/{id}/laps", func(w http.ResponseWriter, r *http.Request) {
		activity := r.URL.Query().Get("activity")
		if activity == "" {
			http.Error(w, "missing activity parameter", http.StatusBadRequest)
			return
		}
		laps, err := p.Laps(r.Context(), r.PathValue("id"), activity)
		if err != nil {
			writeError(w, err)
			return
		}
		if laps == nil {
			laps = []route.RouteLap{}
		}
		writeJSON(w, http.StatusOK, laps)
	})

	mux.HandleFunc("POST /api/queue", func(w http.ResponseWriter, r *http.Request) {
		var req queueRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		ids := req.ActivityIDs
		meta := make(map[string]route.ActivityMeta, len(req.Activities))
		for _, rec := range req.Activities {
			meta[rec.ID] = rec.ActivityMeta
			ids = append(ids, rec.ID)
		}
		for _, id := range ids {
			if _, ok := meta[id]; ok {
				continue
			}
			rec, err := stores.Bounds.Get(id)
			if err == nil {
				meta[id] = rec.ActivityMeta
			} else if !errors.Is(err, store.ErrNotFound) {
				writeError(w, err)
				return
			}
		}
		if err := p.QueueActivities(ctx, ids, meta, req.Activities); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, p.Progress())
	})

	mux.HandleFunc("POST /api/cancel", func(w http.ResponseWriter, r *http.Request) {
		p.Cancel()
		writeJSON(w, http.StatusAccepted, p.Progress())
	})

	mux.HandleFunc("POST /api/reanalyze", func(w http.ResponseWriter, r *http.Request) {
		if err := p.ReanalyzeAll(ctx); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, p.Progress())
	})

	return mux
}

func lineString(points []route.RoutePoint) orb.LineString {
	ls := make(orb.LineString, len(points))
	for i, pt := range points {
		ls[i] = pt.Orb()
	}
	return ls
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Error encoding response: %v", err)
	}
}

// writeError maps pipeline and store errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrGroupNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrBusy):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Printf("[HTTP] %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
