package cmd

import (
	"github.com/spf13/cobra"

	"mediagrab/internal/httputil"
	"mediagrab/internal/server"
)

var flagListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve the HTTP API:

  GET /v1/detect?url=...              platform detection
  GET /v1/parse?url=...&page=N        resolved title, parts and streams
  GET /v1/download?url=...&type=...   stream proxy with Range support
  GET /v1/extract?url=...             MP3 extracted from the video stream
  GET /healthz, /metrics`,
	Args: cobra.NoArgs,
	RunE: serveRun,
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "Listen address (default from config: 127.0.0.1:8787)")
}

func serveRun(cmd *cobra.Command, args []string) error {
	addr := cfg.Server.Listen
	if flagListen != "" {
		addr = flagListen
	}
	engine := sharedEngine()
	d := newDispatcher()
	srv := server.New(d, httputil.NewClient(0),
		server.WithRateLimit(cfg.Server.RequestsPerMinute),
		server.WithEngineStatus(engine.Loaded),
	)
	return srv.ListenAndServe(cmd.Context(), addr)
}
