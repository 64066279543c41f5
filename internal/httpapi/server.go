// Copyright The Propsd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpapi implements propsd's HTTP surface: a thin status-rendering
// layer over Storage, with no pipeline logic of its own. Modeled on
// cmd/rule-evaluator/main.go's net/http + promhttp server wiring.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/propsd/propsd/internal/properties"
	"github.com/propsd/propsd/internal/source"
	"github.com/propsd/propsd/internal/storage"
)

// Storage is the subset of *storage.Storage the API needs.
type Storage interface {
	Properties() *properties.Map
	Health() storage.Health
}

// Server serves propsd's HTTP API.
type Server struct {
	mux     *http.ServeMux
	storage Storage
	index   source.Source
	version string
	started time.Time
}

// New builds a Server. index is the PluginManager's index source, reported
// in /v1/status; version is the build version string.
func New(st Storage, index source.Source, version string) *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		storage: st,
		index:   index,
		version: version,
		started: time.Now(),
	}
	s.mux.HandleFunc("/v1/health", s.handleHealth)
	s.mux.HandleFunc("/v1/status", s.handleStatus)
	s.mux.HandleFunc("/v1/conqueso", s.handleConqueso)
	s.mux.HandleFunc("/v1/conqueso/", s.handleConqueso)
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) uptime() float64 {
	return time.Since(s.started).Seconds()
}

func methodGuard(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodGuard(w, r) {
		return
	}

	health := s.storage.Health()
	plugins := make(map[string]int)
	for _, src := range health.Sources {
		plugins[src.Type]++
	}

	status := "ok"
	if !health.OK {
		status = "fail"
	}

	writeJSON(w, health.Code, map[string]any{
		"status":  status,
		"uptime":  s.uptime(),
		"plugins": plugins,
		"version": s.version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !methodGuard(w, r) {
		return
	}

	health := s.storage.Health()
	status := "ok"
	code := http.StatusOK
	if !health.OK {
		status = "fail"
		code = http.StatusServiceUnavailable
	}

	var indexStatus map[string]any
	if s.index != nil {
		st := s.index.Status()
		indexStatus = map[string]any{
			"running":  st.Running,
			"interval": st.Interval.String(),
			"updated":  st.Updated,
			"ok":       st.OK,
		}
	}

	sources := make([]map[string]any, 0, len(health.Sources))
	for _, src := range health.Sources {
		sources = append(sources, map[string]any{
			"name":   src.Name,
			"type":   src.Type,
			"status": src.Status,
		})
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"uptime":  s.uptime(),
		"index":   indexStatus,
		"sources": sources,
	})
}

func (s *Server) handleConqueso(w http.ResponseWriter, r *http.Request) {
	if !methodGuard(w, r) {
		return
	}

	var lines []string
	flatten("", s.storage.Properties(), &lines)
	sort.Strings(lines)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

// flatten renders a property tree as Java-properties lines ("a.b.c=value"),
// for the conqueso endpoint.
func flatten(prefix string, node any, out *[]string) {
	switch v := node.(type) {
	case *properties.Map:
		for _, k := range v.Keys() {
			child, _ := v.Get(k)
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, child, out)
		}
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = fmt.Sprint(item)
		}
		*out = append(*out, prefix+"="+strings.Join(parts, ","))
	case nil:
		*out = append(*out, prefix+"=")
	default:
		*out = append(*out, fmt.Sprintf("%s=%v", prefix, v))
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
