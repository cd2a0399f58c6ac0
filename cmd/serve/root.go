package serve

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/litcodeur/luminardb/cmd/util"
	"github.com/litcodeur/luminardb/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (

	// ServeCmd represents the serve command
	ServeCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the reference sync server",
		Long:  "Start the in-memory reference sync remote. Intended for development and tests; production remotes implement the same /pull and /push endpoints against real storage. Configuration can also be set via environment variables in the form LUMINAR_<flag> (e.g. LUMINAR_ADDR=:9090).",
		RunE:  run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	key := "addr"
	ServeCmd.Flags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the sync API will listen"))

	key = "log-level"
	ServeCmd.Flags().String(key, "info", cmdUtil.WrapString("Log level (debug, info, warn, error)"))
}

func run(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	logger := cmdUtil.NewLogger()

	srv := server.New(nil, nil, logger)
	httpServer := &http.Server{
		Addr:              viper.GetString("addr"),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("sync server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
