// cmd/server is the main entrypoint for a message-log node.
//
// Configuration is entirely via flags so a single binary can serve any
// role in the cluster.
//
// Example — single node:
//
//	./server --id node1 --host 0.0.0.0 --port 8080 --data-dir /var/msglog/node1
//
// Example — 3-node cluster:
//
//	./server --id node1 --port 8080 --data-dir /tmp/n1 \
//	         --peers node2=localhost:8081,node3=localhost:8082
//	./server --id node2 --port 8081 --data-dir /tmp/n2 \
//	         --peers node1=localhost:8080,node3=localhost:8082
//	./server --id node3 --port 8082 --data-dir /tmp/n3 \
//	         --peers node1=localhost:8080,node2=localhost:8081
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"distributed-msglog/internal/api"
	"distributed-msglog/internal/node"
	"distributed-msglog/internal/replication"
	"distributed-msglog/internal/timesync"
)

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	nodeID := flag.String("id", "node1", "Unique node identifier")
	host := flag.String("host", "0.0.0.0", "Listen host")
	port := flag.Int("port", 8080, "Listen port")
	dataDir := flag.String("data-dir", "/tmp/msglog", "Directory for the node's SQLite store")
	peersFlag := flag.String("peers", "", "Comma-separated list of peer nodes: id=host:port")
	replicationMode := flag.String("replication_mode", "async", "Replication mode: async or sync_quorum")
	quorum := flag.Int("quorum", 2, "Acks required for a sync_quorum write to commit, including the leader")
	correctionMethod := flag.String("correction_method", "hybrid", "Timestamp correction: offset, drift_compensated, or hybrid")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	mode, err := parseReplicationMode(*replicationMode)
	if err != nil {
		sugar.Fatalw("invalid replication mode", "error", err)
	}
	method, err := parseCorrectionMethod(*correctionMethod)
	if err != nil {
		sugar.Fatalw("invalid correction method", "error", err)
	}
	peers, err := parsePeers(*peersFlag)
	if err != nil {
		sugar.Fatalw("invalid peers flag", "error", err)
	}

	selfAddr := fmt.Sprintf("%s:%d", *host, *port)
	n, err := node.New(node.Config{
		SelfID:           *nodeID,
		SelfAddr:         selfAddr,
		Peers:            peers,
		DataDir:          fmt.Sprintf("%s/%s", *dataDir, *nodeID),
		ReplicationMode:  mode,
		Quorum:           *quorum,
		CorrectionMethod: method,
		Logger:           sugar,
	})
	if err != nil {
		sugar.Fatalw("build node", "error", err)
	}
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	// ── HTTP server ────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(sugar), api.Recovery(sugar), api.CORS())
	api.NewHandler(n, *nodeID, sugar).Register(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		sugar.Infow("node listening",
			"node_id", *nodeID, "addr", selfAddr, "peers", len(peers),
			"replication_mode", mode, "quorum", *quorum, "correction_method", method,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("server error", "error", err)
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sugar.Infow("shutting down", "node_id", *nodeID)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("server shutdown error", "error", err)
	}
}

func parsePeers(raw string) (map[string]string, error) {
	peers := make(map[string]string)
	if raw == "" {
		return peers, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid peer entry %q: expected id=host:port", entry)
		}
		peers[parts[0]] = parts[1]
	}
	return peers, nil
}

func parseReplicationMode(raw string) (replication.Mode, error) {
	switch replication.Mode(raw) {
	case replication.Async:
		return replication.Async, nil
	case replication.SyncQuorum:
		return replication.SyncQuorum, nil
	default:
		return "", fmt.Errorf("unknown replication mode %q", raw)
	}
}

func parseCorrectionMethod(raw string) (timesync.Method, error) {
	switch raw {
	case "offset":
		return timesync.Offset, nil
	case "drift_compensated":
		return timesync.DriftCompensated, nil
	case "hybrid":
		return timesync.Hybrid, nil
	default:
		return 0, fmt.Errorf("unknown correction method %q", raw)
	}
}
