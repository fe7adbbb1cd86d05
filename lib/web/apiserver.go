/*
 * Hotpool
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package web implements the kernel service HTTP API. Every kernel
// lifecycle operation is exposed under /v1; errors carry their type in
// the response body so clients recover the original error class from
// the status code and payload.
package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gravitational/hotpool"
	"github.com/gravitational/hotpool/lib/httplib"
	"github.com/gravitational/hotpool/lib/kernel"
	"github.com/gravitational/hotpool/lib/manager"
	"github.com/gravitational/hotpool/lib/pool"
	"github.com/gravitational/hotpool/lib/registry"
	logutils "github.com/gravitational/hotpool/lib/utils/log"
)

// Config configures the APIServer.
type Config struct {
	// Manager is the kernel lifecycle facade the API drives. Required.
	Manager *manager.Manager
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Manager == nil {
		return trace.BadParameter("missing parameter Manager")
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(hotpool.ComponentKey, hotpool.ComponentWeb)
	}
	return nil
}

// APIServer is the kernel service HTTP API handler.
type APIServer struct {
	httprouter.Router
	cfg    Config
	logger *slog.Logger
}

// NewAPIServer builds an APIServer and binds its routes.
func NewAPIServer(cfg Config) (*APIServer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	srv := &APIServer{
		cfg:    cfg,
		logger: cfg.Logger,
	}

	srv.POST("/v1/kernels", httplib.MakeHandler(srv.startKernel))
	srv.GET("/v1/kernels", httplib.MakeHandler(srv.listKernels))
	srv.DELETE("/v1/kernels", httplib.MakeHandler(srv.shutdownAll))
	srv.GET("/v1/kernels/:id", httplib.MakeHandler(srv.getKernel))
	srv.DELETE("/v1/kernels/:id", httplib.MakeHandler(srv.shutdownKernel))
	srv.POST("/v1/kernels/:id/restart", httplib.MakeHandler(srv.restartKernel))
	srv.POST("/v1/kernels/:id/interrupt", httplib.MakeHandler(srv.interruptKernel))
	srv.PUT("/v1/kernels/:id/activity", httplib.MakeHandler(srv.recordActivity))
	srv.GET("/v1/pools", httplib.MakeHandler(srv.poolStats))
	srv.GET("/healthz", httplib.MakeHandler(srv.healthz))
	srv.GET("/readyz", httplib.MakeHandler(srv.readyz))
	srv.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	return srv, nil
}

// KernelModel is the wire representation of one kernel.
type KernelModel struct {
	// ID is the kernel id.
	ID kernel.ID `json:"id"`
	// Name is the kernel type.
	Name string `json:"name"`
	// State is the lifecycle state of the kernel.
	State string `json:"state"`
	// StartedAt is when the kernel process came up.
	StartedAt time.Time `json:"started_at"`
	// LastActivity is when the kernel last saw client activity.
	LastActivity time.Time `json:"last_activity"`
	// Connections is the number of attached clients.
	Connections int `json:"connections"`
}

// StartKernelRequest is the body of a kernel start call. All fields
// are optional.
type StartKernelRequest struct {
	// Name picks the kernel type; empty means the configured default.
	Name string `json:"name,omitempty"`
	// ID pins the kernel id instead of generating one.
	ID kernel.ID `json:"id,omitempty"`
	// Env is extra environment for the kernel process.
	Env map[string]string `json:"env,omitempty"`
	// WorkingDir is the working directory for the kernel process.
	WorkingDir string `json:"cwd,omitempty"`
}

// ActivityRequest is the body of an activity report.
type ActivityRequest struct {
	// Connections, when set, updates the kernel's attached client
	// count. The activity timestamp is refreshed either way.
	Connections *int `json:"connections,omitempty"`
}

// PoolsResponse describes the warm pools.
type PoolsResponse struct {
	// Pools holds per-pool statistics sorted by kernel type.
	Pools []pool.Stats `json:"pools"`
	// Ready reports whether every pool has reached readiness.
	Ready bool `json:"ready"`
}

func kernelModel(rec *registry.Record) KernelModel {
	return KernelModel{
		ID:           rec.ID(),
		Name:         rec.Type(),
		State:        string(rec.State()),
		StartedAt:    rec.StartedAt(),
		LastActivity: rec.LastActivity(),
		Connections:  rec.Connections(),
	}
}

func message(msg string) map[string]any {
	return map[string]any{"message": msg}
}

func (s *APIServer) startKernel(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req StartKernelRequest
	if r.ContentLength != 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	rec, err := s.cfg.Manager.StartKernel(r.Context(), manager.StartRequest{
		Type: req.Name,
		ID:   req.ID,
		Options: kernel.LaunchOptions{
			Env:        req.Env,
			WorkingDir: req.WorkingDir,
		},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return kernelModel(rec), nil
}

func (s *APIServer) listKernels(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	recs := s.cfg.Manager.ListKernels()
	models := make([]KernelModel, 0, len(recs))
	for _, rec := range recs {
		models = append(models, kernelModel(rec))
	}
	return models, nil
}

func (s *APIServer) getKernel(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	rec, err := s.cfg.Manager.GetKernel(kernel.ID(p.ByName("id")))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return kernelModel(rec), nil
}

func (s *APIServer) shutdownKernel(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id := kernel.ID(p.ByName("id"))
	now := r.URL.Query().Get("now") == "true"
	if err := s.cfg.Manager.ShutdownKernel(r.Context(), id, now); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("kernel shut down"), nil
}

func (s *APIServer) shutdownAll(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := s.cfg.Manager.ShutdownAll(r.Context()); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("all kernels shut down"), nil
}

func (s *APIServer) restartKernel(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id := kernel.ID(p.ByName("id"))
	now := r.URL.Query().Get("now") == "true"
	if err := s.cfg.Manager.RestartKernel(r.Context(), id, now); err != nil {
		return nil, trace.Wrap(err)
	}
	rec, err := s.cfg.Manager.GetKernel(id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return kernelModel(rec), nil
}

func (s *APIServer) interruptKernel(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := s.cfg.Manager.InterruptKernel(kernel.ID(p.ByName("id"))); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("interrupt sent"), nil
}

func (s *APIServer) recordActivity(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req ActivityRequest
	if r.ContentLength != 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	rec, err := s.cfg.Manager.GetKernel(kernel.ID(p.ByName("id")))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	recorder, ok := rec.Handle().(kernel.ActivityRecorder)
	if !ok {
		return nil, trace.NotImplemented("kernel %q does not record activity", rec.ID())
	}
	recorder.Touch()
	if req.Connections != nil {
		recorder.SetConnections(*req.Connections)
	}
	return kernelModel(rec), nil
}

func (s *APIServer) poolStats(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if r.URL.Query().Get("wait") == "true" {
		if err := s.cfg.Manager.WaitForPools(r.Context()); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return PoolsResponse{
		Pools: s.cfg.Manager.PoolStats(),
		Ready: s.cfg.Manager.PoolsReady(),
	}, nil
}

func (s *APIServer) healthz(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return map[string]any{"status": "ok"}, nil
}

// readyz reports 503 until every warm pool has finished its initial
// fill, so load balancers do not route to an instance that would serve
// cold starts.
func (s *APIServer) readyz(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if !s.cfg.Manager.PoolsReady() {
		roundtrip.ReplyJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "pools are still filling"})
		return nil, nil
	}
	return map[string]any{"status": "ok"}, nil
}
