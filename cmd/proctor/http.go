package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"proctor/internal/status"
)

// handleHTTPServer starts the status API on addr and shuts it down when ctx
// is cancelled. Listen errors are sent to errc.
func handleHTTPServer(ctx context.Context, addr string, statusServer *status.Server, wg *sync.WaitGroup, errc chan error, logger *log.Logger, debug bool) {
	adapter := middleware.NewLogger(logger)

	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
	}
	statusServer.Mount(mux)

	// Middlewares mounted here apply to all the routes.
	var handler http.Handler = mux
	{
		if debug {
			handler = httpmdlwr.Debug(mux, os.Stdout)(handler)
		}
		handler = httpmdlwr.Log(adapter)(handler)
		handler = httpmdlwr.RequestID()(handler)
		handler = otelhttp.NewHandler(handler, "proctor-status")
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming handlers end with the session
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			logger.Printf("status API listening on %q", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Printf("shutting down status API at %q", addr)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Printf("failed to shutdown: %v", err)
		}
	}()
}
