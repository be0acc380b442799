// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/olivere/filequeue"
	"github.com/olivere/filequeue/config"
	"github.com/olivere/filequeue/metadata"
	"github.com/olivere/filequeue/metadata/sqlite"
	"github.com/olivere/filequeue/mongodb"
	"github.com/olivere/filequeue/mysql"
	"github.com/olivere/filequeue/pipeline"
	"github.com/olivere/filequeue/redis"
	"github.com/olivere/filequeue/status"
	"github.com/olivere/filequeue/storage"
	"github.com/olivere/filequeue/workers/imageproc"
	"github.com/olivere/filequeue/workers/metaextract"
	"github.com/olivere/filequeue/workers/validation"
)

// app holds the wired components of a configuration.
type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	qlogger      filequeue.Logger
	store        metadata.Store
	storage      *storage.FS
	manager      *filequeue.Manager
	orchestrator *pipeline.Orchestrator
	aggregator   *status.Aggregator
	closers      []func() error
}

func openApp(cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		qlogger: filequeue.NewZapLogger(logger),
		storage: storage.NewOS(cfg.Storage.Root, cfg.Storage.BaseURL),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	broker, err := a.openBroker()
	if err != nil {
		return nil, err
	}
	if a.store, err = a.openStore(); err != nil {
		return nil, err
	}

	options := []filequeue.ManagerOption{
		filequeue.SetBroker(broker),
		filequeue.SetLogger(a.qlogger),
		filequeue.SetBackpressure(cfg.Backpressure),
		filequeue.SetMonitorInterval(cfg.Manager.MonitorInterval()),
		filequeue.SetPollInterval(cfg.Manager.PollInterval()),
		filequeue.SetLeaseDuration(cfg.Manager.LeaseDuration()),
		filequeue.SetStalledInterval(cfg.Manager.StalledInterval()),
		filequeue.SetMaxStalledCount(cfg.Manager.MaxStalledCount),
		filequeue.SetMetricsWindow(cfg.Manager.MetricsWindow()),
	}
	for queue, n := range cfg.Manager.Concurrency {
		options = append(options, filequeue.SetConcurrency(queue, n))
	}
	a.manager = filequeue.New(options...)
	for _, queue := range filequeue.StageQueues {
		a.manager.CreateOrGetQueue(queue)
	}

	a.orchestrator, err = pipeline.New(a.manager, a.store, pipeline.WithLogger(a.qlogger))
	if err != nil {
		return nil, err
	}
	a.aggregator, err = status.New(a.manager, a.store,
		status.WithProgressBuckets(cfg.Progress),
		status.WithLogger(a.qlogger),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openBroker() (filequeue.Broker, error) {
	cfg := a.cfg.Broker
	switch cfg.Type {
	case config.BrokerMemory:
		return filequeue.NewInMemoryBroker(), nil
	case config.BrokerRedis:
		opts, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("broker.url: %w", err)
		}
		client := goredis.NewClient(opts)
		a.closers = append(a.closers, client.Close)
		return redis.NewBroker(client, redis.WithPrefix(cfg.Prefix)), nil
	case config.BrokerMySQL:
		b, err := mysql.NewBroker(cfg.URL, mysql.SetLogger(a.qlogger))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	case config.BrokerMongoDB:
		var opts []mongodb.BrokerOption
		if cfg.Prefix != "" {
			opts = append(opts, mongodb.SetCollectionName(cfg.Prefix))
		}
		b, err := mongodb.NewBroker(cfg.URL, opts...)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	}
	return nil, fmt.Errorf("unsupported broker type %q", cfg.Type)
}

func (a *app) openStore() (metadata.Store, error) {
	switch a.cfg.Metadata.Type {
	case config.MetadataSQLite:
		s, err := sqlite.Open(a.cfg.Metadata.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return metadata.NewInMemoryStore(), nil
	}
}

// registerWorkers registers the validation, metadata extraction and
// image processing workers with the manager.
func (a *app) registerWorkers() error {
	vopts := []validation.Option{
		validation.WithLimits(a.cfg.Validation.Limits()),
		validation.WithLogger(a.qlogger),
	}
	if len(a.cfg.Validation.ThreatPatterns) > 0 {
		vopts = append(vopts, validation.WithThreatPatterns(a.cfg.Validation.ThreatPatterns...))
	}
	workers := map[string]filequeue.Worker{
		filequeue.QueueValidation:      validation.New(a.storage, a.store, vopts...),
		filequeue.QueueMetadata:        metaextract.New(a.storage, a.store),
		filequeue.QueueImageProcessing: imageproc.New(a.storage, a.store, imageproc.WithLogger(a.qlogger)),
	}
	for _, queue := range filequeue.StageQueues {
		if err := a.manager.Register(queue, workers[queue]); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the manager and releases all connections.
func (a *app) Close() error {
	var errs []error
	if a.manager != nil {
		errs = append(errs, a.manager.CloseWithTimeout(a.cfg.Manager.ShutdownTimeout()))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
