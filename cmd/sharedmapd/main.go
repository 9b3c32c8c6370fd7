// Command sharedmapd boots a sequencer process: a Broker plus one
// sharedmap.Map kernel per configured session, all served over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/harrowgate/sharedmap/internal/sequencer"
	"github.com/harrowgate/sharedmap/internal/sharedmap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		topologyPath string
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "sharedmapd",
		Short: "sharedmapd serves a replicated map kernel over HTTP",
		Long:  "sharedmapd loads a session topology and serves a per-session sharedmap.Map kernel, sequenced through a shared in-memory broker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(topologyPath, verbose)
		},
	}

	cmd.Flags().StringVar(&topologyPath, "topology", "topology.yaml", "path to the session topology file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func run(topologyPath string, verbose bool) (err error) {
	log, logErr := newLogger(verbose)
	if logErr != nil {
		return logErr
	}
	defer func() { err = multierr.Append(err, log.Sync()) }()

	topo, err := sequencer.LoadTopology(topologyPath)
	if err != nil {
		return fmt.Errorf("load topology: %w", err)
	}

	metrics := sequencer.NewMetrics()
	broker := sequencer.NewBroker(log, metrics)

	bindings := make(map[string]*sequencer.Binding, len(topo.Sessions))

	for _, spec := range topo.Sessions {
		sess, sessErr := sequencer.NewClientSession(spec.ID, spec.WALPath, broker, log, metrics)
		if sessErr != nil {
			return fmt.Errorf("open session %s: %w", spec.ID, sessErr)
		}

		kernel := sharedmap.New(
			sharedmap.WithAttribution(),
			sharedmap.WithSubmitter(sess),
			sharedmap.WithHandle(sessionHandle(spec.ID)),
		)
		if attachErr := sess.Attach(kernel); attachErr != nil {
			return fmt.Errorf("attach session %s: %w", spec.ID, attachErr)
		}
		bindings[spec.ID] = sequencer.NewBinding(sess, kernel)
		log.Info("session attached", zap.String("session", spec.ID), zap.String("wal", spec.WALPath))
	}

	srv := sequencer.NewServer(topo.ListenAddr, broker, metrics, bindings, log, topo.DataDir)

	// Sessions attached dynamically via POST /attach after startup also
	// need their stash log closed on shutdown, so the closer list is read
	// from the server's live binding set rather than the static topology.
	defer func() {
		for id, b := range srv.Bindings() {
			if closeErr := b.Session.Close(); closeErr != nil {
				err = multierr.Append(err, fmt.Errorf("close session %s: %w", id, closeErr))
			}
		}
	}()

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info("serving", zap.String("addr", topo.ListenAddr), zap.Int("sessions", len(bindings)))
		serveErrCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case serveErr := <-serveErrCh:
		if serveErr != nil {
			err = multierr.Append(err, fmt.Errorf("serve: %w", serveErr))
		}
	case <-sigCh:
		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown: %w", shutdownErr))
		}
	}
	return err
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}

// sessionHandle is a minimal sharedmap.Handle identifying which session a
// kernel belongs to, for collaborators resolving Shared values.
type sessionHandle string

func (h sessionHandle) AbsolutePath() string { return string(h) }
