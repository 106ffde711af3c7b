package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hazard-metrics/riskatlas/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only HTTP API over saved runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newServeMux(st),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownServer(srv)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// shutdownServer drains in-flight requests under its own deadline; the
// signal context is already cancelled by the time shutdown starts.
func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zap.L().Warn("server shutdown", zap.Error(err))
	}
}

// newServeMux builds the API routes over a store.
func newServeMux(st store.Store) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /api/runs", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if q := r.URL.Query().Get("limit"); q != "" {
			n, err := strconv.Atoi(q)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		runs, err := st.ListRuns(r.Context(), store.RunFilter{Limit: limit})
		if err != nil {
			serverError(w, r, err)
			return
		}
		if runs == nil {
			runs = []store.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	})

	mux.HandleFunc("GET /api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		run, err := st.GetRun(r.Context(), r.PathValue("id"))
		if err != nil {
			serverError(w, r, err)
			return
		}
		if run == nil {
			httpError(w, http.StatusNotFound, "run not found")
			return
		}

		diags, err := st.GetDiagnostics(r.Context(), run.ID)
		if err != nil {
			serverError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Run         *store.Run         `json:"run"`
			Diagnostics []store.Diagnostic `json:"diagnostics"`
		}{run, diags})
	})

	mux.HandleFunc("GET /api/runs/{id}/scores", func(w http.ResponseWriter, r *http.Request) {
		scores, err := st.GetScores(r.Context(), r.PathValue("id"))
		if err != nil {
			serverError(w, r, err)
			return
		}
		if len(scores) == 0 {
			httpError(w, http.StatusNotFound, "run has no scores")
			return
		}
		writeJSON(w, http.StatusOK, scores)
	})

	mux.HandleFunc("GET /api/runs/{id}/geojson", func(w http.ResponseWriter, r *http.Request) {
		scores, err := st.GetScores(r.Context(), r.PathValue("id"))
		if err != nil {
			serverError(w, r, err)
			return
		}
		if len(scores) == 0 {
			httpError(w, http.StatusNotFound, "run has no scores")
			return
		}

		fc, err := buildFeatureCollection(r.Context(), st, scores)
		if err != nil {
			serverError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, fc)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func serverError(w http.ResponseWriter, r *http.Request, err error) {
	zap.L().Error("request failed",
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	httpError(w, http.StatusInternalServerError, "internal error")
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
