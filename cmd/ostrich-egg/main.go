// Copyright (c) 2016 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

/*
ostrich-egg runs a pipeline configuration document end to end: it loads
each dataset's source rows into a substrate connection, runs the
suppression strategy chain named for it, and writes its output.

	ostrich-egg -config pipeline.json -db "Database=mydata.sqlite; OpenMode=Create;"

With -serve, it instead starts the optional HTTP demo surface so datasets
can be triggered one at a time over POST /datasets/{name}/run.

	ostrich-egg -config pipeline.json -db "Database=mydata.sqlite; OpenMode=Create;" -serve -listen :4040
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/greenriver/ostrich-egg/internal/config"
	"github.com/greenriver/ostrich-egg/internal/demo"
	"github.com/greenriver/ostrich-egg/internal/log"
	"github.com/greenriver/ostrich-egg/internal/orchestrator"
	"github.com/greenriver/ostrich-egg/internal/substrate"
)

func main() {
	defer exitOnPanic()

	if err := mainBody(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func mainBody(args []string) error {
	isServe := flag.Bool("serve", false, "start the HTTP demo surface instead of running once")
	listen := flag.String("listen", ":4040", "address to listen on when -serve is set")
	runOpts := config.Parse()

	if runOpts.ConfigPath == "" {
		return fmt.Errorf("-config is required")
	}

	lg := log.New(&log.Options{
		IsConsole: runOpts.IsConsole,
		IsFile:    runOpts.LogToFile,
		LogPath:   runOpts.LogPath,
	})

	doc, err := config.Load(runOpts.ConfigPath)
	if err != nil {
		return err
	}

	connStr := runOpts.DbConnStr
	if connStr == "" {
		connStr = substrate.MakeSqliteDefault("ostrich-egg.sqlite")
	}
	db, err := substrate.Open(connStr, runOpts.DbDriver, lg)
	if err != nil {
		return fmt.Errorf("open substrate connection: %w", err)
	}
	defer db.Close()

	pipeline := orchestrator.NewPipeline(db, lg)

	if *isServe {
		srv := &demo.Server{Pipeline: pipeline, Document: doc, Logger: lg}
		lg.Log("listening on " + *listen)
		return http.ListenAndServe(*listen, srv.Router())
	}

	return pipeline.Run(context.Background(), doc)
}

func exitOnPanic() {
	r := recover()
	if r == nil {
		return
	}
	switch e := r.(type) {
	case error:
		fmt.Fprintln(os.Stderr, e.Error())
	case string:
		fmt.Fprintln(os.Stderr, e)
	default:
		fmt.Fprintln(os.Stderr, "FAILED")
	}
	os.Exit(2)
}
