package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"proctor/internal/auth"
	"proctor/internal/config"
	"proctor/internal/pipeline"
	"proctor/internal/status"
	"proctor/internal/ws"
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a proctoring session until interrupted",
		Long: `Open the camera and run the detection pipeline until SIGINT/SIGTERM
or until the camera stops delivering frames.

The alert vector is published to alerts.state_file and the annotated
frames to the frame channel. The session log and summary document are
written to session.log_dir.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if student, _ := cmd.Flags().GetString("student"); student != "" {
				cfg.Session.StudentID = student
			}
			debug, _ := cmd.Flags().GetBool("debug")
			return runSession(cfg, debug)
		},
	}
	cmd.Flags().String("student", "", "student id recorded with the session")
	cmd.Flags().Bool("debug", false, "log status API request and response bodies")
	return cmd
}

// runStopTimeout bounds the wait for the frame in flight on shutdown.
const runStopTimeout = 10 * time.Second

func runSession(cfg *config.Config, debug bool) error {
	logger := log.New(os.Stderr, "[proctor] ", log.Ltime)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := buildSession(ctx, cfg)
	if err != nil {
		return err
	}

	// Create channel used by both the signal handler and the processing
	// loop to notify the main goroutine when to stop.
	errc := make(chan error, 3)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	if cfg.Status.Enabled {
		authenticator, err := auth.NewAuthenticator(auth.Config{
			Enabled:     cfg.Status.Auth.Enabled,
			Username:    cfg.Status.Auth.Username,
			Password:    cfg.Status.Auth.Password,
			JWTSecret:   cfg.Status.Auth.JWTSecret,
			TokenExpiry: cfg.Status.Auth.TokenExpiry,
			SessionID:   s.logger.SessionID(),
		})
		if err != nil {
			s.controller.Close()
			s.close(context.Background())
			return err
		}
		opts := status.Options{
			Alerts:   s.store,
			Pipeline: s.controller,
			Auth:     authenticator,
			Events:   s.logger,
			Live:     ws.NewHandler(s.hub, s.store.Snapshot),
		}
		if s.db != nil {
			opts.History = s.db
		}
		if s.preview != nil {
			opts.Preview = s.preview
		}
		handleHTTPServer(ctx, cfg.Status.Addr, status.New(opts), &wg, errc, logger, debug)
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		err := s.controller.Run(ctx)
		if err == nil {
			err = errors.New("processing loop stopped")
		}
		errc <- err
	}()

	logger.Printf("session %s running (Ctrl+C to stop)", s.logger.SessionID())
	reason := <-errc
	logger.Printf("stopping (%v)", reason)

	// Send cancellation signal to the goroutines.
	cancel()
	wg.Wait()

	// Teardown must not start while a frame is still in the stages.
	select {
	case <-runDone:
	case <-time.After(runStopTimeout):
		logger.Printf("processing loop still busy after %s, closing anyway", runStopTimeout)
	}

	closeErr := s.controller.Close()
	s.close(context.Background())

	sum := s.logger.Summary()
	logger.Printf("session %s closed: %d frames, %d alerts, summary at %s, log at %s",
		sum.SessionID, sum.TotalFrames, sum.TotalAlerts, s.logger.AlertsPath(), s.logger.LogPath())

	if errors.Is(reason, pipeline.ErrCameraClosed) {
		return errors.Join(reason, closeErr)
	}
	return closeErr
}
