// Package monitor serves the state of a running training session over HTTP.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-srcnn/training"
)

// Source is the session state the monitor reads.
type Source interface {
	Status() training.Status
	History() []training.EpochRecord
	Collector() *training.VisualizationCollector
}

// NewRouter returns the monitor routes for src.
func NewRouter(src Source) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/", http.RedirectHandler("/status", http.StatusFound))
	r.HandleFunc("/status", statusHandler(src)).Methods("GET")
	r.HandleFunc("/history", historyHandler(src)).Methods("GET")
	r.HandleFunc("/plots/{metric:(?:loss|psnr)}.svg", plotHandler(src)).Methods("GET")
	return r
}

func statusHandler(src Source) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, src.Status())
	}
}

func historyHandler(src Source) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		history := src.History()
		if history == nil {
			history = []training.EpochRecord{}
		}
		writeJSON(w, history)
	}
}

func plotHandler(src Source) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		metric, err := training.ParsePlotMetric(mux.Vars(r)["metric"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		if err := src.Collector().RenderPlot(w, metric, "svg"); err != nil {
			logError(w, err)
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func logError(w http.ResponseWriter, err error) {
	klog.Errorf("monitor: %v", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// Server runs the monitor in the background.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start listens on addr and serves src until Shutdown.
func Start(addr string, src Source) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv: &http.Server{Handler: NewRouter(src), ReadHeaderTimeout: 10 * time.Second},
		ln:  ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("monitor stopped: %v", err)
		}
	}()
	klog.Infof("monitor listening on http://%s", ln.Addr())
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server, waiting for open requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
