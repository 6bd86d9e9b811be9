package main

import (
	"fmt"
	"os"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/activity"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/apply"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/embedding"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/extract"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/filter"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/lease"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/metrics"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/oracle"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/organize"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/pipeline"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/search"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/store"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/summarize"
)

// app holds the wired components for one command invocation
type app struct {
	store   *store.Store
	applier *apply.Applier
	runner  *pipeline.Runner
	metrics *metrics.Metrics
	embed   *embedding.Client

	closers []func() error
}

// openStore opens the database and the applier, without an oracle
func openStore() (*app, error) {
	st, err := store.Open(cfg.DBPath(), cfg.Database.Driver)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{store: st, closers: []func() error{st.Close}}

	holder := "brain"
	if host, err := os.Hostname(); err == nil {
		holder = "brain@" + host
	}
	l := lease.New(st.DB(), holder, cfg.Coordination.LeaseTTL)
	g := lease.NewFrontendGuard(cfg.Coordination.FrontendProcesses, cfg.Coordination.PauseFile)
	a.applier = apply.New(st, l, g, cfg.Threads.ConversationPrefix)
	return a, nil
}

// openPipeline wires every stage
func openPipeline() (*app, error) {
	a, err := openStore()
	if err != nil {
		return nil, err
	}

	o, err := oracle.New(cfg.Oracle)
	if err != nil {
		a.close()
		return nil, err
	}

	skip, err := filter.NewSkipPredicate(cfg.Extract.SkipPatterns)
	if err != nil {
		a.close()
		return nil, err
	}

	var searcher search.Indexer
	if offline {
		ks := search.NewKeywordSearcher()
		ks.MinSimilarity = cfg.Organize.MinSimilarity
		searcher = ks
	} else {
		a.embed, err = embedding.NewClient(cfg.Embedding.BaseURL, cfg.Embedding.Model, cfg.Embedding.CacheSizeMB)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() error { a.embed.Close(); return nil })
		searcher = search.NewChromemSearcher(a.embed, cfg.Organize.MinSimilarity)
	}

	th := cfg.Threads.Thresholds
	var maintainOracle oracle.Oracle
	if cfg.Organize.OracleMaintain {
		maintainOracle = o
	}

	extractor := extract.New(o, skip)
	extractor.KnownLimit = cfg.Extract.KnownAtoms

	opts := pipeline.DefaultOptions()
	opts.ExtractBatch = cfg.Extract.BatchExchanges
	opts.KnownAtoms = cfg.Extract.KnownAtoms
	opts.OrganizeBatch = cfg.Organize.BatchAtoms
	opts.CandidateLimit = cfg.Organize.CandidateLimit
	opts.Thresholds = th
	opts.ConversationTag = cfg.Threads.ConversationPrefix

	a.metrics = metrics.New()
	a.runner = pipeline.NewRunner(pipeline.Deps{
		Store:      a.store,
		Extractor:  extractor,
		Organizer:  organize.New(o, th, cfg.Threads.ConversationPrefix),
		Maintainer: organize.NewMaintainer(maintainOracle, th, cfg.Threads.ConversationPrefix),
		Summarizer: summarize.New(o),
		Searcher:   searcher,
		Applier:    a.applier,
		Metrics:    a.metrics,
		History:    activity.New(cfg.StateDir),
	}, opts)

	logging.Debug("main", "pipeline ready: oracle=%s/%s offline=%v db=%s",
		cfg.Oracle.Provider, cfg.Oracle.Model, offline, cfg.DBPath())
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logging.Warn("main", "close: %v", err)
		}
	}
}
