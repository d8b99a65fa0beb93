// Package metrics exposes Prometheus counters for the discovery node.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	log "github.com/sirupsen/logrus"
)

const namespace = "tdl"

// Drop reasons
const (
	DropShort        = "short"
	DropSizeMismatch = "size_mismatch"
	DropSelf         = "self"
	DropUnknownType  = "unknown_type"
)

var (
	PacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_received_total",
		Help:      "Total number of datagrams received",
	})
	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_dropped_total",
		Help:      "Datagrams discarded by the receiver, by reason",
	}, []string{"reason"})
	ReceiveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "receive_errors_total",
		Help:      "Receive calls that failed with an error other than a timeout",
	})
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Messages broadcast, by type",
	}, []string{"type"})
	SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "send_failures_total",
		Help:      "Broadcast attempts that failed, by type",
	}, []string{"type"})
	PeersKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_known",
		Help:      "Number of peers currently in the registry",
	})
	PeersPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peers_pruned_total",
		Help:      "Peers removed after timing out",
	})
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	log.Infof("metrics: serving on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
