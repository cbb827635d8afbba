// Copyright (c) 2016 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

/*
Package demo exposes a thin HTTP surface over a pipeline so one dataset's
run can be triggered remotely, the way the teacher's oms service exposes
model operations over a vestigo router rather than requiring a local CLI
invocation (§6 is otherwise a library-only surface; this package is the
optional ambient wiring, not part of the core contract).
*/
package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/husobee/vestigo"

	"github.com/greenriver/ostrich-egg/internal/config"
	"github.com/greenriver/ostrich-egg/internal/orchestrator"
	"github.com/greenriver/ostrich-egg/internal/redact"
)

// Server wires one Pipeline and Document behind a small API: POST
// /datasets/{name}/run materializes a single named dataset out of the
// loaded document without running the rest of the pipeline. Logger is
// injected rather than reaching for a package-level logger (§9).
type Server struct {
	Pipeline *orchestrator.Pipeline
	Document *config.Document
	Logger   redact.Logger
}

// Router builds the vestigo router for this server, the way apiGetRoutes /
// apiRunModelRoutes build up the teacher's router one route group at a time.
func (s *Server) Router() *vestigo.Router {
	router := vestigo.NewRouter()
	router.SetGlobalCors(&vestigo.CorsAccessControl{
		AllowOrigin:   []string{"*"},
		AllowHeaders:  []string{"Content-Type"},
		ExposeHeaders: []string{"Content-Type"},
	})

	router.Post("/datasets/:name/run", s.runDatasetHandler)
	router.Get("/datasets", s.listDatasetsHandler)

	return router
}

func (s *Server) runDatasetHandler(w http.ResponseWriter, r *http.Request) {
	name := vestigo.Param(r, "name")

	var target *config.DatasetDoc
	for i := range s.Document.Datasets {
		if s.Document.Datasets[i].Name == name {
			target = &s.Document.Datasets[i]
			break
		}
	}
	if target == nil {
		http.Error(w, "dataset not found: "+name, http.StatusNotFound)
		return
	}

	sub := &config.Document{
		Datasource:          s.Document.Datasource,
		Threshold:           s.Document.Threshold,
		AllowZeroes:         s.Document.AllowZeroes,
		RedactionExpression: s.Document.RedactionExpression,
		Datasets:            []config.DatasetDoc{*target},
	}

	if err := s.Pipeline.Run(context.Background(), sub); err != nil {
		if s.Logger != nil {
			s.Logger.Log(fmt.Sprintf("run dataset %s: %v", name, err))
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"dataset": name, "status": "done"})
}

func (s *Server) listDatasetsHandler(w http.ResponseWriter, r *http.Request) {
	names := make([]string, len(s.Document.Datasets))
	for i, d := range s.Document.Datasets {
		names[i] = d.Name
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(names)
}
