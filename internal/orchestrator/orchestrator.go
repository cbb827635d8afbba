// Copyright (c) 2016 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

/*
Package orchestrator drives one pipeline run end to end (§4.7): for each
configured dataset, load source rows into the substrate, run the initial
aggregation, run its suppression strategy chain, and write the result to
its output path. A later dataset whose source_file is empty reads the
prior dataset's final output table in the substrate instead, the way a
multi-stage dbcopy run threads one stage's output into the next (§6
supplemented feature).
*/
package orchestrator

import (
	"context"
	"database/sql"
	"fmt"

	ps "github.com/keybase/go-ps"

	"github.com/greenriver/ostrich-egg/internal/config"
	"github.com/greenriver/ostrich-egg/internal/datasource"
	"github.com/greenriver/ostrich-egg/internal/redact"
	"github.com/greenriver/ostrich-egg/internal/substrate"
)

// Pipeline runs a sequence of datasets against one substrate connection.
type Pipeline struct {
	DB      *sql.DB
	Catalog *substrate.Catalog
	Logger  redact.Logger
}

// NewPipeline returns a Pipeline bound to db.
func NewPipeline(db *sql.DB, lg redact.Logger) *Pipeline {
	return &Pipeline{DB: db, Catalog: substrate.NewCatalog(db), Logger: lg}
}

// Run materializes every dataset in doc.Datasets, in order.
func (p *Pipeline) Run(ctx context.Context, doc *config.Document) error {
	var priorOutputTable string

	for _, dd := range doc.Datasets {
		ds, err := doc.Dataset(dd)
		if err != nil {
			return err
		}

		sourceTable := fmt.Sprintf("source_%s", ds.Name)
		if dd.SourceFile != "" {
			var dsCfg datasource.Config
			if dd.Datasource != nil {
				dsCfg = datasource.Config{ConnectionType: datasource.ConnectionType(dd.Datasource.ConnectionType), Parameters: dd.Datasource.Parameters}
			}
			if dsCfg.Parameters == nil {
				dsCfg.Parameters = map[string]string{}
			}
			if _, ok := dsCfg.Parameters["path"]; !ok {
				dsCfg.Parameters["path"] = dd.SourceFile
			}
			if _, ok := dsCfg.Parameters["encoding"]; !ok {
				dsCfg.Parameters["encoding"] = config.PreferredEncoding()
			}

			reader, err := datasource.NewReader(dsCfg)
			if err != nil {
				return err
			}
			if _, err := p.DB.ExecContext(ctx, "drop table if exists "+sourceTable); err != nil {
				return err
			}
			if err := reader.LoadTable(ctx, p.DB, sourceTable); err != nil {
				return &redact.SourceError{Dataset: ds.Name, Source: dd.SourceFile, Err: err}
			}
		} else if priorOutputTable != "" {
			sourceTable = priorOutputTable
		} else {
			return &redact.ConfigError{Dataset: ds.Name, Reason: "dataset has no source_file and there is no prior dataset output to chain from"}
		}

		if ds.SQL != "" {
			viewSQL := "create view " + quoteIdent("view_"+ds.Name) + " as " + ds.SQL
			if _, err := p.DB.ExecContext(ctx, "drop view if exists "+quoteIdent("view_"+ds.Name)); err != nil {
				return err
			}
			if _, err := p.DB.ExecContext(ctx, viewSQL); err != nil {
				return &redact.SubstrateError{Dataset: ds.Name, SQLFragment: viewSQL, Err: err}
			}
			sourceTable = quoteIdent("view_" + ds.Name)
		}

		initialTable := fmt.Sprintf("initial_%s", ds.Name)
		aggSQL, err := redact.BuildAggregationSQL(ds.Dimensions, sourceTable, ds.InitialMetrics(), ds.Predicate, true, nil, p.Logger)
		if err != nil {
			return err
		}
		if _, err := p.DB.ExecContext(ctx, "drop table if exists "+initialTable); err != nil {
			return &redact.SubstrateError{Dataset: ds.Name, SQLFragment: "drop table if exists " + initialTable, Err: err}
		}
		createInitial := "create table " + initialTable + " as " + aggSQL
		p.logSQL(createInitial)
		if _, err := p.DB.ExecContext(ctx, createInitial); err != nil {
			return &redact.SubstrateError{Dataset: ds.Name, SQLFragment: createInitial, Err: err}
		}

		if dd.CacheTablesInMemory {
			cached, err := p.Catalog.CacheInMemory(ctx, ds.Name, initialTable)
			if err != nil {
				return err
			}
			initialTable = cached
		}

		mat := redact.NewMaterializer(p.DB, p.Logger)
		outputTableFor := func(idx int) string { return fmt.Sprintf("output_%s_%d", ds.Name, idx) }

		finalTable, err := redact.RunStrategies(ctx, mat, ds, initialTable, outputTableFor)
		if err != nil {
			if div, ok := err.(*redact.DivergenceError); ok {
				p.dumpProcessDiagnostics(div)
			}
			return err
		}

		p.Catalog.Register(ds.Name, finalTable, dd.CacheTablesInMemory)

		if dd.OutputFile != "" {
			writer, err := datasource.NewWriter(dd.OutputFile)
			if err != nil {
				return err
			}
			if err := writer.WriteTable(ctx, p.DB, finalTable, dd.OutputFile); err != nil {
				return err
			}
		}

		priorOutputTable = finalTable
	}

	return nil
}

func (p *Pipeline) logSQL(q string) {
	if p.Logger != nil {
		p.Logger.LogSQL(q)
	}
}

// dumpProcessDiagnostics logs the number of running processes alongside a
// fixed-point divergence error, on the theory that divergence is most
// often caused by another process holding a conflicting lock on the
// substrate file rather than a planner bug (§7).
func (p *Pipeline) dumpProcessDiagnostics(div *redact.DivergenceError) {
	if p.Logger == nil {
		return
	}
	procs, err := ps.Processes()
	if err != nil {
		p.Logger.Log(fmt.Sprintf("divergence diagnostic: could not list processes: %v", err))
		return
	}
	p.Logger.Log(fmt.Sprintf("divergence on dataset %q axis %q after %d iterations: %d processes running, %d candidates in last batch",
		div.Dataset, div.Axis, div.Iterations, len(procs), len(div.LastToRedact)))
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
