package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/joshdurbin/strava-stats/internal/logging"
)

const shutdownTimeout = 10 * time.Second

// listenAndServe runs handler on port until ctx is done, then shuts down
func listenAndServe(ctx context.Context, handler http.Handler, port int, name string) error {
	log := logging.Logger

	addr := fmt.Sprintf(":%d", port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().
			Str("address", addr).
			Str("endpoint", fmt.Sprintf("http://localhost%s", addr)).
			Msgf("%s running via HTTP", name)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msgf("shutting down %s", name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
