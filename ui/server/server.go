// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package server pushes queue state and job events to WebSocket clients
// and answers file status and cancellation requests.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/olivere/filequeue"
	"github.com/olivere/filequeue/status"
)

// Message types exchanged with clients.
const (
	TypeSetState   = "SET_STATE"
	TypeEvent      = "EVENT"
	TypeFileStatus = "FILE_STATUS"
	TypeCancelFile = "CANCEL_FILE"
	TypeError      = "ERROR"
)

// QueueSource reports queue statistics. *filequeue.Manager implements it.
type QueueSource interface {
	Queues() []string
	GetQueueStats(ctx context.Context, queue string) (*filequeue.QueueStats, error)
	GetQueueMetrics(ctx context.Context, queue string) (*filequeue.QueueMetrics, error)
}

// FileStatus reports and cancels the processing of files.
// *status.Aggregator implements it.
type FileStatus interface {
	GetOverallProcessingStatus(ctx context.Context, fileID string) (*status.OverallStatus, error)
	CancelFileProcessing(ctx context.Context, fileID string) (bool, error)
}

// Server is a simple web server with a WebSocket backend.
type Server struct {
	queues    QueueSource
	files     FileStatus
	logger    filequeue.Logger
	interval  time.Duration
	staticDir string
	timeout   time.Duration
	hub       *hub
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger filequeue.Logger) Option {
	return func(srv *Server) {
		if logger != nil {
			srv.logger = logger
		}
	}
}

// WithPushInterval sets how often the queue state is pushed. It defaults
// to one second.
func WithPushInterval(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.interval = d
		}
	}
}

// WithStaticDir serves the files in dir at the root path.
func WithStaticDir(dir string) Option {
	return func(srv *Server) {
		srv.staticDir = dir
	}
}

// New initializes a new Server.
func New(queues QueueSource, files FileStatus, options ...Option) *Server {
	srv := &Server{
		queues:   queues,
		files:    files,
		logger:   filequeue.NopLogger(),
		interval: time.Second,
		timeout:  5 * time.Second,
		hub:      newHub(),
	}
	for _, opt := range options {
		opt(srv)
	}
	return srv
}

// Handler returns the HTTP handler with the WebSocket endpoint at /ws.
// Run must be running for clients to be served.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", wsserver{srv: srv})
	if srv.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(srv.staticDir)))
	}
	return mux
}

// Run pushes the queue state every interval and forwards events to all
// clients until ctx is done.
func (srv *Server) Run(ctx context.Context, events <-chan filequeue.Event) {
	go srv.hub.run(ctx)

	t := time.NewTicker(srv.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			srv.hub.publish(ctx, srv.encode(srv.state(ctx)))
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			srv.hub.publish(ctx, srv.encode(&eventMessage{Type: TypeEvent, Event: e}))
		}
	}
}

// Serve runs the server at addr until ctx is done.
func (srv *Server) Serve(ctx context.Context, addr string, events <-chan filequeue.Event) error {
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
	go srv.Run(ctx, events)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.timeout)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()
	err := httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// QueueState is the state of a single queue.
type QueueState struct {
	Name    string                  `json:"name"`
	Stats   *filequeue.QueueStats   `json:"stats,omitempty"`
	Metrics *filequeue.QueueMetrics `json:"metrics,omitempty"`
}

// State is the current state of all queues.
type State struct {
	Type   string       `json:"type"`
	Time   time.Time    `json:"time"`
	Queues []QueueState `json:"queues"`
}

type eventMessage struct {
	Type  string          `json:"type"`
	Event filequeue.Event `json:"event"`
}

type fileMessage struct {
	Type      string                `json:"type"`
	FileID    string                `json:"fileId"`
	Status    *status.OverallStatus `json:"status,omitempty"`
	Cancelled *bool                 `json:"cancelled,omitempty"`
	Message   string                `json:"message,omitempty"`
}

func (srv *Server) state(ctx context.Context) *State {
	ctx, cancel := context.WithTimeout(ctx, srv.timeout)
	defer cancel()

	st := &State{Type: TypeSetState, Time: time.Now(), Queues: []QueueState{}}
	for _, name := range srv.queues.Queues() {
		qs := QueueState{Name: name}
		stats, err := srv.queues.GetQueueStats(ctx, name)
		if err != nil {
			srv.logger.Printf("server: unable to read stats of queue %s: %v", name, err)
			continue
		}
		qs.Stats = stats
		if m, err := srv.queues.GetQueueMetrics(ctx, name); err != nil {
			srv.logger.Printf("server: unable to read metrics of queue %s: %v", name, err)
		} else {
			qs.Metrics = m
		}
		st.Queues = append(st.Queues, qs)
	}
	return st
}

// handle answers a single client request.
func (srv *Server) handle(ctx context.Context, typ, fileID string) interface{} {
	ctx, cancel := context.WithTimeout(ctx, srv.timeout)
	defer cancel()

	if fileID == "" {
		return &fileMessage{Type: TypeError, Message: "fileId is required"}
	}
	switch typ {
	case TypeFileStatus:
		rsp := &fileMessage{Type: TypeFileStatus, FileID: fileID}
		st, err := srv.files.GetOverallProcessingStatus(ctx, fileID)
		if err != nil {
			srv.logger.Printf("server: unable to read status of file %s: %v", fileID, err)
			rsp.Message = "Status cannot be determined"
			return rsp
		}
		rsp.Status = st
		return rsp
	case TypeCancelFile:
		rsp := &fileMessage{Type: TypeCancelFile, FileID: fileID}
		cancelled, err := srv.files.CancelFileProcessing(ctx, fileID)
		if err != nil {
			srv.logger.Printf("server: unable to cancel file %s: %v", fileID, err)
			rsp.Message = err.Error()
		}
		rsp.Cancelled = &cancelled
		if !cancelled && err == nil {
			rsp.Message = "Nothing to cancel"
		}
		return rsp
	default:
		return &fileMessage{Type: TypeError, FileID: fileID, Message: "unknown request type " + typ}
	}
}

func (srv *Server) encode(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		srv.logger.Printf("server: unable to encode message: %v", err)
		return nil
	}
	return b
}
