package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/stmtrelay/internal/api"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), os.Stdout)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := api.NewServer(a.cfg.ListenAddr, a.backends, a.engine, a.logger)
			return srv.Run(cmd.Context())
		},
	}
}
