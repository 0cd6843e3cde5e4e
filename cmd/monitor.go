package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/valyala/fastrand"
	"go.uber.org/zap"

	"github.com/luma/respmux/client"
	"github.com/luma/respmux/internal/report"
	"github.com/luma/respmux/internal/stats"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string

	// How often to break a random connection, zero never does
	chaosInterval time.Duration

	// A gjson path selecting part of the status
	statusQuery string
)

func init() {
	flags := MonitorCmd.Flags()

	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen to HTTP requests on")
	flags.StringVarP(&host, "host", "a", "127.0.0.1", "The host to listen on")
	flags.DurationVar(&chaosInterval, "chaos", 0, "Break a random connection this often")

	StatusCmd.Flags().StringVarP(&statusQuery, "query", "q", "", "Only print the part of the status at this path, e.g. endpoints.#.addr")
}

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the topology and connection counters as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := runContext()
		defer stop()

		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		doc, err := statusDoc(s.mux, statusQuery)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(report.Pretty(doc)))
		return nil
	},
}

var MonitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Keep a multiplexer open and serve its status over HTTP",
	Long: `Keep a multiplexer open and serve its status over HTTP

Routes
	/ping            liveness
	/status?q=PATH   status JSON, optionally narrowed to a gjson path
	/metrics         Prometheus counters of every connection

Usage
	respmux monitor --mode cluster --endpoints 10.0.0.1:7000 --chaos 30s
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := runContext()
		defer signalStop()

		sess, err := connect(ctx)
		if err != nil {
			return err
		}
		defer sess.close()

		log := sess.log

		router := setupRouter(sess.conf.DebugHTTP, log)

		// Ping test
		router.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		router.GET("/status", func(c *gin.Context) {
			doc, err := statusDoc(sess.mux, c.Query("q"))
			if errors.Is(err, report.ErrNoMatch) {
				c.String(http.StatusNotFound, err.Error())
				return
			}
			if err != nil {
				c.String(http.StatusInternalServerError, err.Error())
				return
			}

			c.Data(http.StatusOK, "application/json", doc)
		})

		router.GET("/metrics", func(c *gin.Context) {
			c.Status(http.StatusOK)
			stats.WritePrometheus(c.Writer)
		})

		s := &http.Server{
			Addr:    net.JoinHostPort(host, httpPort),
			Handler: router,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		if chaosInterval > 0 {
			go chaos(ctx, sess.mux, chaosInterval, log)
		}

		log.Info("Monitoring",
			zap.Strings("endpoints", sess.conf.Endpoints),
			zap.String("mode", sess.conf.Mode),
			zap.String("host", host),
			zap.String("httpPort", httpPort),
			zap.Duration("chaos", chaosInterval))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

func statusDoc(m *client.Multiplexer, path string) ([]byte, error) {
	doc, err := report.Render(m.Status())
	if err != nil {
		return nil, err
	}

	if path == "" {
		return doc, nil
	}

	return report.Query(doc, path)
}

// chaos breaks the connection of a random server every interval.
func chaos(ctx context.Context, m *client.Multiplexer, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		servers := m.Servers()
		if len(servers) == 0 {
			continue
		}

		srv := servers[fastrand.Uint32n(uint32(len(servers)))]

		log.Info("Breaking connection", zap.String("addr", srv.Addr()))
		srv.SimulateConnectionFailure()
	}
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping", "/metrics"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}
