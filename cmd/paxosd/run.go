package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/paxoscore/consensus/internal/codec/gobcodec"
	"github.com/paxoscore/consensus/internal/config"
	"github.com/paxoscore/consensus/internal/membership"
	"github.com/paxoscore/consensus/internal/node"
	"github.com/paxoscore/consensus/internal/statemachine/kvsm"
	"github.com/paxoscore/consensus/internal/storage/filestore"
	"github.com/paxoscore/consensus/internal/transport/wsrpc"
)

var (
	flagSelf       string
	flagMembers    []string
	flagConfigFile  string
	flagDataDir     string
	flagListen      string
	flagMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single consensus node",
	RunE:  runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&flagSelf, "self", "", "this node's identity, id=ip:port")
	runCmd.Flags().StringArrayVar(&flagMembers, "members", nil, "peer identity, id=ip:port (repeatable)")
	runCmd.Flags().StringVar(&flagConfigFile, "config", "", "path to a JSON ConsensusProp file (overrides --self/--members)")
	runCmd.Flags().StringVar(&flagDataDir, "data-dir", "./data", "directory for the durable instance log and snapshots")
	runCmd.Flags().StringVar(&flagListen, "listen", "", "address to bind the websocket RPC server to (defaults to self's ip:port)")
	runCmd.Flags().StringVar(&flagMetricsAddr, "metrics-listen", "", "address to serve /metrics on (disabled if empty)")
}

func parseEndpoint(s string) (membership.Endpoint, error) {
	idAndAddr := strings.SplitN(s, "=", 2)
	if len(idAndAddr) != 2 {
		return membership.Endpoint{}, fmt.Errorf("expected id=ip:port, got %q", s)
	}
	host, portStr, err := splitHostPort(idAndAddr[1])
	if err != nil {
		return membership.Endpoint{}, fmt.Errorf("parsing %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return membership.Endpoint{}, fmt.Errorf("parsing port in %q: %w", s, err)
	}
	return membership.Endpoint{ID: idAndAddr[0], IP: host, Port: port}, nil
}

func splitHostPort(addr string) (string, string, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", "", fmt.Errorf("missing ':port'")
	}
	return addr[:i], addr[i+1:], nil
}

func loadConfig() (config.ConsensusProp, error) {
	if flagConfigFile != "" {
		return config.Load(flagConfigFile)
	}
	prop := config.Default()
	self, err := parseEndpoint(flagSelf)
	if err != nil {
		return prop, fmt.Errorf("--self: %w", err)
	}
	prop.Self = self
	for _, m := range flagMembers {
		ep, err := parseEndpoint(m)
		if err != nil {
			return prop, fmt.Errorf("--members: %w", err)
		}
		prop.Members = append(prop.Members, ep)
	}
	prop.DataDir = flagDataDir
	return prop, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	prop, err := loadConfig()
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	logMgr, err := filestore.Open(prop.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	listen := flagListen
	if listen == "" {
		listen = fmt.Sprintf("%s:%d", prop.Self.IP, prop.Self.Port)
	}
	tr := wsrpc.New(prop.Self, listen, gobcodec.New())

	sm := kvsm.New()

	n, err := node.New(prop, tr, logMgr, sm, log)
	if err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	log.Info("node started", "self", prop.Self.ID, "listen", listen)

	if flagMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", n.Metrics().Handler())
		metricsSrv := &http.Server{Addr: flagMetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped", "err", err)
			}
		}()
		defer metricsSrv.Close()
		log.Info("metrics listening", "addr", flagMetricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), prop.RoundTimeout()*time.Duration(prop.Retry+1))
	defer cancel()
	return n.Shutdown(shutdownCtx)
}
