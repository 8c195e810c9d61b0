package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentbatch/pkg/logx"
)

// opsServer is the operator-facing listener: /metrics for Prometheus and
// /healthz for humans and probes. It is not the job API; that surface
// belongs to the HTTP collaborator.
type opsServer struct {
	kernel *Kernel
	srv    *http.Server
	addr   string
	logger *logx.Logger
}

func newOpsServer(k *Kernel, addr string) *opsServer {
	o := &opsServer{
		kernel: k,
		logger: logx.NewLogger("ops"),
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(k.promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", o.handleHealthz)
	o.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return o
}

// Start binds synchronously and serves in the background, so a bad
// metrics_addr fails boot instead of logging later.
func (o *opsServer) Start() error {
	ln, err := net.Listen("tcp", o.srv.Addr)
	if err != nil {
		return err
	}
	o.addr = ln.Addr().String()
	go func() {
		if err := o.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("Ops listener failed: %v", err)
		}
	}()
	o.logger.Info("Ops listener on http://%s (/metrics, /healthz)", o.addr)
	return nil
}

func (o *opsServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := o.srv.Shutdown(ctx); err != nil {
		o.logger.Warn("Ops listener shutdown: %v", err)
	}
}

// Addr is the bound address, useful when the configured port is 0.
func (o *opsServer) Addr() string {
	return o.addr
}

type healthPayload struct {
	Status      string         `json:"status"`
	SessionID   string         `json:"session_id"`
	UptimeSecs  int64          `json:"uptime_seconds"`
	CloneMethod string         `json:"clone_method"`
	QueueDepth  int            `json:"queue_depth"`
	Running     int            `json:"running"`
	States      map[string]int `json:"states"`
}

func (o *opsServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	k := o.kernel
	counts := k.Store.CountByState()
	states := make(map[string]int, len(counts))
	for st, n := range counts {
		states[string(st)] = n
	}
	payload := healthPayload{
		Status:      "ok",
		SessionID:   k.sessionID,
		UptimeSecs:  int64(time.Since(k.startedAt).Seconds()),
		CloneMethod: string(k.Cloner.Preferred()),
		QueueDepth:  k.Dispatcher.QueueDepth(),
		Running:     k.Dispatcher.RunningCount(),
		States:      states,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		o.logger.Error("Encoding health payload: %v", err)
	}
}
