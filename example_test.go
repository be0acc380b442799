package filequeue_test

import (
	"context"
	"fmt"
	"time"

	"github.com/olivere/filequeue"
)

func ExampleManager() {
	// Create a new manager with 2 concurrent workers for metadata extraction
	m := filequeue.New(
		filequeue.SetLogger(filequeue.NopLogger()),
		filequeue.SetConcurrency(filequeue.QueueMetadata, 2),
		filequeue.SetPollInterval(10*time.Millisecond),
	)

	// Register the worker for the metadata extraction queue
	jobDone := make(chan struct{}, 1)
	err := m.Register(filequeue.QueueMetadata, filequeue.WorkerFunc(func(ctx context.Context, job *filequeue.Job, progress filequeue.ProgressReporter) (*filequeue.StageResult, error) {
		var p filequeue.MetadataPayload
		if err := job.Decode(&p); err != nil {
			return nil, err
		}
		fmt.Printf("Extract %s\n", p.FilePath)
		jobDone <- struct{}{}
		return filequeue.Processed(nil, nil), nil
	}))
	if err != nil {
		fmt.Println("Register failed")
		return
	}

	// Start the manager
	err = m.Start()
	if err != nil {
		fmt.Println("Start failed")
		return
	}
	fmt.Println("Started")

	// Add a new metadata extraction job
	_, err = m.AddJob(context.Background(), filequeue.QueueMetadata, filequeue.MetadataPayload{
		FileID:   "file-1",
		FilePath: "uploads/file-1.pdf",
		MimeType: "application/pdf",
	}, nil)
	if err != nil {
		fmt.Println("Add failed")
		return
	}
	fmt.Println("Job added")

	// Wait for the job to complete
	select {
	case <-jobDone:
	case <-time.After(5 * time.Second):
		fmt.Println("Job timed out")
		return
	}

	// Stop/Close the manager
	err = m.Stop()
	if err != nil {
		fmt.Println("Stop failed")
		return
	}
	fmt.Println("Stopped")

	// Output:
	// Started
	// Job added
	// Extract uploads/file-1.pdf
	// Stopped
}
