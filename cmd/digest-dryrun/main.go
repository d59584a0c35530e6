// Command digest-dryrun shows which active subscribers a candidate export
// would notify, and on which preference each non-match fails. Nothing is
// sent and the digest watermark is not touched.
//
//	digest-dryrun -candidates s3://exports/seekers/2025-06-01.json
//	digest-dryrun -candidates ./candidates.json -v
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/worknow/newsletter/internal/bootstrap"
	"github.com/worknow/newsletter/internal/config"
	"github.com/worknow/newsletter/internal/pkg/logger"
)

func main() {
	cfgPath := flag.String("config", "config/config.yaml", "path to config file")
	src := flag.String("candidates", "", "candidate export: local JSON file or s3://bucket/key")
	verbose := flag.Bool("v", false, "list the failing dimensions for every non-matching subscriber")
	flag.Parse()

	if *src == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadFromEnv(*cfgPath)
	if err != nil {
		logger.Error("failed to load config", "component", "dryrun", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	defer logger.Sync()

	// The dry run never runs a cycle, so it does not need the seekers backend.
	cfg.Digest.Enabled = false

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var getter objectGetter
	if _, _, ok := parseS3URI(*src); ok {
		client, err := newS3Client(ctx, cfg.Storage.AWSRegion, cfg.Storage.GetAWSProfile())
		if err != nil {
			logger.Error("failed to create S3 client", "component", "dryrun", "error", err)
			os.Exit(1)
		}
		getter = client
	}

	cands, err := loadCandidates(ctx, *src, getter)
	if err != nil {
		logger.Error("failed to load candidates", "component", "dryrun", "source", *src, "error", err)
		os.Exit(1)
	}

	app, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		logger.Error("failed to open backends", "component", "dryrun", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	reports, skipped, err := evaluate(ctx, app.Subscribers, cands, cfg.Digest.PageSize, *verbose)
	if err != nil {
		logger.Error("dry run failed", "component", "dryrun", "error", err)
		os.Exit(1)
	}
	printReports(os.Stdout, reports, skipped)
}
