// Command directoryd runs the standalone naming/discovery daemon replica
// processes register with on startup.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/d-nagy/gossipkv/internal/directory"
	"github.com/d-nagy/gossipkv/internal/logging"
)

func main() {
	var (
		listenAddr string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "directoryd",
		Short: "Run the gossipkv directory (naming/discovery) daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(debug)
			if err != nil {
				return fmt.Errorf("directoryd: logger: %w", err)
			}
			defer log.Sync() //nolint:errcheck

			res := directory.NewStaticResolver()
			log.Info("directoryd starting", zap.String("addr", listenAddr))
			return directory.Serve(listenAddr, res, log)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "addr", "127.0.0.1:9000", "address to listen on")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable development logging")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
