// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Command e2e generates image uploads at random intervals and runs them
// through the complete pipeline, printing queue statistics while it
// runs. A share of the uploads is corrupt and must fail processing.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"image/color"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/olivere/filequeue"
	"github.com/olivere/filequeue/metadata"
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

func main() {
	const (
		exampleDBURL = "root@tcp(127.0.0.1:3306)/filequeue_e2e?loc=UTC&parseTime=true"
	)
	var (
		brokerType      = flag.String("broker", "memory", "Broker type (memory, redis, mysql or mongodb)")
		brokerURL       = flag.String("url", "", "Broker URL, e.g. "+exampleDBURL)
		dbdebug         = flag.Bool("dbdebug", false, "Enable debug output for the MySQL broker")
		concurrency     = flag.Int("c", 2, "number of workers per queue")
		uploads         = flag.Int("n", 0, "number of uploads to generate (0 for no limit)")
		fillTime        = flag.Duration("fill-time", 2*time.Second, "interval in which new uploads get added")
		logInterval     = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		entityList      = flag.String("entities", "product,profile_photo,property,vehicle,advertisement", "comma-separated list of entity types")
		failureRate     = flag.Float64("failure-rate", 0.05, "share of corrupt uploads in the interval [0.0,1.0]")
		shutdownTimeout = flag.Duration("shutdown-timeout", -1*time.Second, "timeout to wait after shutdown (negative to wait forever)")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()
	qlogger := filequeue.NewZapLogger(logger)

	broker, err := openBroker(*brokerType, *brokerURL, *dbdebug, qlogger)
	if err != nil {
		log.Fatal(err)
	}

	store := metadata.NewInMemoryStore()
	backend := storage.NewMemory("/files")

	var options []filequeue.ManagerOption
	options = append(options, filequeue.SetBroker(broker), filequeue.SetLogger(qlogger))
	for _, queue := range filequeue.StageQueues {
		options = append(options, filequeue.SetConcurrency(queue, *concurrency))
	}
	m := filequeue.New(options...)

	workers := map[string]filequeue.Worker{
		filequeue.QueueValidation:      validation.New(backend, store, validation.WithLogger(qlogger)),
		filequeue.QueueMetadata:        metaextract.New(backend, store),
		filequeue.QueueImageProcessing: imageproc.New(backend, store, imageproc.WithLogger(qlogger)),
	}
	for _, queue := range filequeue.StageQueues {
		if err := m.Register(queue, workers[queue]); err != nil {
			log.Fatal(err)
		}
	}

	o, err := pipeline.New(m, store, pipeline.WithLogger(qlogger))
	if err != nil {
		log.Fatal(err)
	}
	agg, err := status.New(m, store)
	if err != nil {
		log.Fatal(err)
	}

	if err := m.Start(); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)

	// Enqueue uploads
	entities := strings.Split(*entityList, ",")
	go func() {
		errc <- uploader(ctx, o, backend, entities, *uploads, *fillTime, *failureRate)
	}()

	// Print stats
	go printer(ctx, m, agg, *logInterval)

	// Wait for e.g. Ctrl+C
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Infof("signal %v", <-c)
		errc <- nil
	}()

	err = <-errc
	cancel()
	if cerr := m.CloseWithTimeout(*shutdownTimeout); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		log.Fatal(err)
	}
	log.Info("exiting")
}

func openBroker(typ, url string, debug bool, logger filequeue.Logger) (filequeue.Broker, error) {
	switch typ {
	case "memory":
		return filequeue.NewInMemoryBroker(), nil
	case "redis":
		opts, err := goredis.ParseURL(url)
		if err != nil {
			return nil, err
		}
		return redis.NewBroker(goredis.NewClient(opts)), nil
	case "mysql":
		return mysql.NewBroker(url, mysql.SetDebug(debug), mysql.SetLogger(logger))
	case "mongodb":
		return mongodb.NewBroker(url)
	}
	return nil, fmt.Errorf("unsupported broker %q; use memory, redis, mysql or mongodb", typ)
}

// uploader writes a random image to storage and submits it, until ctx
// is done or n uploads were generated.
func uploader(ctx context.Context, o *pipeline.Orchestrator, backend storage.Backend, entities []string, n int, fillTime time.Duration, failureRate float64) error {
	fillTimeNanos := fillTime.Nanoseconds()
	for cnt := 1; n <= 0 || cnt <= n; cnt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(rand.Int63n(fillTimeNanos)) * time.Nanosecond):
		}

		fileID := uuid.NewString()
		path := fmt.Sprintf("uploads/%05d.jpg", cnt)
		data, err := randomImage(rand.Float64() < failureRate)
		if err != nil {
			return err
		}
		if err := write(ctx, backend, path, data); err != nil {
			return err
		}
		_, err = o.ProcessFileUpload(ctx, pipeline.FileDescriptor{
			FileID:       fileID,
			FilePath:     path,
			OriginalName: fmt.Sprintf("upload-%05d.jpg", cnt),
			MimeType:     "image/jpeg",
			Size:         int64(len(data)),
			EntityType:   entities[rand.Intn(len(entities))],
			EntityID:     fmt.Sprintf("#%05d", cnt),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func randomImage(corrupt bool) ([]byte, error) {
	if corrupt {
		b := make([]byte, 512)
		rand.Read(b)
		return append([]byte{0xFF, 0xD8, 0xFF}, b...), nil
	}
	w, h := 200+rand.Intn(1800), 200+rand.Intn(1800)
	c := color.NRGBA{R: uint8(rand.Intn(256)), G: uint8(rand.Intn(256)), B: uint8(rand.Intn(256)), A: 255}
	img := imaging.New(w, h, c)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func write(ctx context.Context, backend storage.Backend, path string, data []byte) error {
	f, err := backend.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printer(ctx context.Context, m *filequeue.Manager, agg *status.Aggregator, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, queue := range m.Queues() {
				ss, err := m.GetQueueStats(ctx, queue)
				if err != nil {
					continue
				}
				fmt.Printf("%-20s Waiting=%6d Delayed=%6d Active=%6d Completed=%6d Failed=%6d Paused=%v\n",
					queue, ss.Waiting, ss.Delayed, ss.Active, ss.Completed, ss.Failed, ss.Paused)
			}
			rsp, err := m.List(ctx, &filequeue.ListRequest{Queue: filequeue.QueueImageProcessing, States: []string{filequeue.Active}, Limit: 1})
			if err == nil && len(rsp.Jobs) > 0 {
				if st, err := agg.GetOverallProcessingStatus(ctx, rsp.Jobs[0].FileID); err == nil {
					fmt.Printf("%-20s %s %d%% %s\n", "sample file", st.Status, st.Progress, st.Message)
				}
			}
		}
	}
}
