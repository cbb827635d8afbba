// Copyright (c) 2016 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

/*
Package config loads the declarative pipeline document (§6) and parses the
command-line flags. The flags (config path, substrate connection, logging)
and the document's fields do not overlap, so neither overrides the other.
*/
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	golocale "github.com/jeandeaual/go-locale"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/greenriver/ostrich-egg/internal/redact"
)

// Standard option keys, used as the command-line flag names. They are not
// fields of the pipeline document.
const (
	OptConfigFile = "config"
	OptDbConn     = "db"
	OptDbDriver   = "db-driver"
	OptLogToFile  = "log-to-file"
	OptLogPath    = "log-path"
	OptVerbose    = "v"
)

// DatasourceConfig describes where a dataset's source rows come from (§6).
type DatasourceConfig struct {
	ConnectionType string            `json:"connection_type"` // "file" | "s3"
	Parameters     map[string]string `json:"parameters"`
}

// StrategyDoc is the JSON-level tagged union for one suppression strategy
// entry (§6): discriminated on Strategy, carrying only the fields the
// named strategy uses. Decode converts it into a redact.StrategyConfig.
type StrategyDoc struct {
	Strategy string `json:"strategy"`

	// mark-redacted / replace-with-redacted
	RedactedDimension     string   `json:"redacted_dimension,omitempty"`
	Dimensions            []string `json:"dimensions,omitempty"`
	MaskingValue          string   `json:"masking_value,omitempty"`
	NonSummableDimensions []string `json:"non_summable_dimensions,omitempty"`
	FirstOrderOnly        bool     `json:"first_order_only,omitempty"`
}

// Decode converts a document-level strategy entry into the core's
// StrategyConfig. An unrecognized discriminator is passed through as the
// Kind unchanged; StrategyConfig.Validate rejects it.
func (d StrategyDoc) Decode() (redact.StrategyConfig, error) {
	switch redact.StrategyKind(d.Strategy) {
	case redact.StrategyMarkRedacted:
		return redact.StrategyConfig{
			Kind: redact.StrategyMarkRedacted,
			MarkRedacted: &redact.MarkRedactedParams{
				RedactedDimension:     d.RedactedDimension,
				NonSummableDimensions: d.NonSummableDimensions,
				FirstOrderOnly:        d.FirstOrderOnly,
			},
		}, nil
	case redact.StrategyReplaceWithRedacted:
		return redact.StrategyConfig{
			Kind: redact.StrategyReplaceWithRedacted,
			ReplaceWithRedacted: &redact.ReplaceWithRedactedParams{
				Dimensions:            d.Dimensions,
				MaskingValue:          d.MaskingValue,
				NonSummableDimensions: d.NonSummableDimensions,
				FirstOrderOnly:        d.FirstOrderOnly,
			},
		}, nil
	default:
		return redact.StrategyConfig{Kind: redact.StrategyKind(d.Strategy)}, nil
	}
}

// MetricDoc is the JSON-level description of one dataset metric.
type MetricDoc struct {
	Kind         string `json:"kind"`
	Column       string `json:"column,omitempty"`
	Alias        string `json:"alias,omitempty"`
	NullIsZero   bool   `json:"null_is_zero,omitempty"`
	Expression   string `json:"expression,omitempty"`
	IsInitial    bool   `json:"is_initial,omitempty"`
	IsSubsequent bool   `json:"is_subsequent,omitempty"`
}

func (m MetricDoc) Decode() redact.Metric {
	return redact.Metric{
		Kind:         redact.AggKind(m.Kind),
		Column:       m.Column,
		Alias:        m.Alias,
		NullIsZero:   m.NullIsZero,
		Expression:   m.Expression,
		IsInitial:    m.IsInitial,
		IsSubsequent: m.IsSubsequent,
	}
}

// DatasetDoc is the JSON-level description of one dataset (§6).
type DatasetDoc struct {
	Name                     string            `json:"name"`
	Dimensions               []string          `json:"dimensions"`
	UnitLevelID              string            `json:"unit_level_id,omitempty"`
	Metrics                  []MetricDoc       `json:"metrics"`
	SQL                      string            `json:"sql,omitempty"`
	SourceFile               string            `json:"source_file,omitempty"`
	OutputFile               string            `json:"output_file,omitempty"`
	RedactionOrderDimensions []string          `json:"redaction_order_dimensions,omitempty"`
	CacheTablesInMemory      bool              `json:"cache_tables_in_memory,omitempty"`
	SuppressionStrategies    []StrategyDoc     `json:"suppression_strategies"`
	Datasource               *DatasourceConfig `json:"datasource,omitempty"`
	Threshold                int               `json:"threshold,omitempty"`
	AllowZeroes              *bool             `json:"allow_zeroes,omitempty"`
	RedactionExpression      string            `json:"redaction_expression,omitempty"`
}

// Document is the top-level pipeline configuration (§6): global defaults
// plus the ordered list of datasets a pipeline run materializes in turn.
type Document struct {
	Datasource          DatasourceConfig `json:"datasource"`
	Threshold           int              `json:"threshold"`
	AllowZeroes         bool             `json:"allow_zeroes"`
	RedactionExpression string           `json:"redaction_expression"`
	Datasets            []DatasetDoc     `json:"datasets"`
}

// Load reads and decodes a pipeline document from path.
func Load(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	doc := &Document{Threshold: redact.DefaultThreshold, AllowZeroes: true}
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return doc, nil
}

// Dataset builds a redact.Dataset from one document entry, falling back to
// the document's global threshold/allow_zeroes/redaction_expression when the
// dataset does not override them (§6).
func (doc *Document) Dataset(d DatasetDoc) (*redact.Dataset, error) {
	metrics := make([]redact.Metric, len(d.Metrics))
	for i, m := range d.Metrics {
		metrics[i] = m.Decode()
	}

	threshold := doc.Threshold
	if d.Threshold != 0 {
		threshold = d.Threshold
	}
	allowZeroes := doc.AllowZeroes
	if d.AllowZeroes != nil {
		allowZeroes = *d.AllowZeroes
	}
	expr := doc.RedactionExpression
	if d.RedactionExpression != "" {
		expr = d.RedactionExpression
	}

	aliasesOf := func(ms []redact.Metric) []string {
		out := make([]string, len(ms))
		for i, m := range ms {
			out[i] = m.Alias
		}
		return out
	}

	primaryAlias := ""
	if len(metrics) > 0 {
		primaryAlias = metrics[0].Alias
	}
	predicate := redact.NewPredicate(expr, threshold, primaryAlias, allowZeroes, aliasesOf(metrics))

	ds, err := redact.NewDataset(d.Name, d.Dimensions, metrics, predicate)
	if err != nil {
		return nil, err
	}
	ds.UnitLevelID = d.UnitLevelID
	ds.SQL = d.SQL
	ds.SourceFile = d.SourceFile
	ds.OutputFile = d.OutputFile
	ds.RedactionOrderDimensions = d.RedactionOrderDimensions

	strategies := make([]redact.StrategyConfig, 0, len(d.SuppressionStrategies))
	for _, sd := range d.SuppressionStrategies {
		sc, err := sd.Decode()
		if err != nil {
			return nil, err
		}
		if err := sc.Validate(d.Name); err != nil {
			return nil, err
		}
		strategies = append(strategies, sc)
	}
	ds.Strategies = strategies

	return ds, nil
}

// RunOptions holds the command-line flags; none of them is also a field
// of the pipeline document.
type RunOptions struct {
	ConfigPath  string
	DbConnStr   string
	DbDriver    string
	LogToFile   bool
	LogPath     string
	IsConsole   bool
	TimeStamp   string
}

// Parse reads the standard command-line flags into a RunOptions. Console
// logging defaults to on; every other flag defaults to empty or false.
func Parse() *RunOptions {
	opts := &RunOptions{IsConsole: true, TimeStamp: makeTimeStamp(time.Now())}

	flag.StringVar(&opts.ConfigPath, OptConfigFile, "", "path to pipeline configuration document")
	flag.StringVar(&opts.DbConnStr, OptDbConn, "", "substrate connection string")
	flag.StringVar(&opts.DbDriver, OptDbDriver, "", "substrate driver name")
	flag.BoolVar(&opts.LogToFile, OptLogToFile, false, "write log output to a file")
	flag.StringVar(&opts.LogPath, OptLogPath, "", "log file path")
	flag.BoolVar(&opts.IsConsole, OptVerbose, true, "log to standard output")
	flag.Parse()

	return opts
}

func makeTimeStamp(t time.Time) string {
	y, mm, dd := t.Date()
	h, mi, s := t.Clock()
	return fmt.Sprintf("%04d%02d%02d_%02d%02d%02d", y, mm, dd, h, mi, s)
}

// PreferredEncoding picks the default source-file encoding, used when a
// dataset's datasource parameters do not name one explicitly (§6
// datasource parameters). It returns the host's first locale tag when that
// tag is itself a registered IANA encoding name, and UTF-8 otherwise;
// language tags such as "en-US" are not mapped to an encoding, so they
// yield UTF-8.
func PreferredEncoding() string {
	locales, err := golocale.GetLocales()
	if err != nil || len(locales) == 0 {
		return "UTF-8"
	}
	if enc, err := ianaindex.IANA.Encoding(locales[0]); err == nil && enc != nil {
		return locales[0]
	}
	return "UTF-8"
}

// ParsePositiveInt is a small helper for dataset parameter values that must
// be a positive integer, such as a datasource's "batch_size" CSV-ingest
// parameter (internal/datasource).
func ParsePositiveInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
