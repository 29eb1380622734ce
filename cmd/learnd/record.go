package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/config"
	"github.com/fyrsmithlabs/learnd/internal/history"
	"github.com/fyrsmithlabs/learnd/internal/index"
	"github.com/fyrsmithlabs/learnd/internal/lock"
	"github.com/fyrsmithlabs/learnd/internal/logging"
	"github.com/fyrsmithlabs/learnd/internal/record"
)

var recordFlags struct {
	typ        string
	domain     string
	title      string
	summary    string
	tags       []string
	severity   string
	confidence string
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Append one learning record",
	Long: `Append one learning record to the knowledge base.

Failure and success records take --severity (1-5); heuristic and experiment
records take --confidence (0.0-1.0). On success the assigned record ID is
printed to stdout.

Examples:
  learnd record --type failure --domain testing \
      --title "Timeout in fetch" \
      --summary "The mock server hangs when keep-alive is enabled." \
      --tag network --severity 3

  learnd record --type heuristic --domain reviews \
      --title "Prefer table tests" \
      --summary "Table tests keep coverage dense." --confidence 0.9`,
	RunE: runRecord,
}

func init() {
	f := recordCmd.Flags()
	f.StringVar(&recordFlags.typ, "type", "", "record type: failure|success|heuristic|experiment")
	f.StringVar(&recordFlags.domain, "domain", "", "domain the learning belongs to")
	f.StringVar(&recordFlags.title, "title", "", "short record title")
	f.StringVar(&recordFlags.summary, "summary", "", "record body")
	f.StringArrayVar(&recordFlags.tags, "tag", nil, "tag (repeatable)")
	f.StringVar(&recordFlags.severity, "severity", "", "severity 1-5 (failure/success)")
	f.StringVar(&recordFlags.confidence, "confidence", "", "confidence 0.0-1.0 (heuristic/experiment)")

	_ = recordCmd.MarkFlagRequired("type")
	_ = recordCmd.MarkFlagRequired("domain")
	_ = recordCmd.MarkFlagRequired("title")
	_ = recordCmd.MarkFlagRequired("summary")
}

func runRecord(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	coord, cleanup, err := record.Open(
		cfg.Base,
		cfg.IndexPath(),
		cfg.DocumentsDir(),
		cfg.LockDir(),
		lock.Strategy(cfg.Lock.Strategy),
		index.RetryConfig{
			Attempts:  cfg.Retry.Attempts,
			BaseDelay: cfg.Retry.BaseDelay.Duration(),
			MaxDelay:  cfg.Retry.MaxDelay.Duration(),
		},
		cfg.Lock.Timeout.Duration(),
		history.Signature{Name: cfg.Commit.AuthorName, Email: cfg.Commit.AuthorEmail},
		logger,
	)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	id, err := coord.Record(cmd.Context(), record.Input{
		Type:       recordFlags.typ,
		Domain:     recordFlags.domain,
		Title:      recordFlags.title,
		Summary:    recordFlags.summary,
		Tags:       recordFlags.tags,
		Severity:   recordFlags.severity,
		Confidence: recordFlags.confidence,
	})
	if err != nil {
		logger.Error("record failed", zap.Error(err))
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}
