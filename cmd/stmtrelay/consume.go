package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/stmtrelay/internal/transport/sqs"
)

func newConsumeCommand() *cobra.Command {
	var cfg sqs.Config

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Process completion notifications from the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), os.Stdout)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg.QueueURL = a.cfg.Queue.URL
			if cfg.QueueURL == "" {
				return errors.New("consume requires a queue URL (STMTRELAY_QUEUE_URL)")
			}
			consumer, err := sqs.NewFromConfig(a.awsCfg, a.engine, cfg, a.logger)
			if err != nil {
				return err
			}
			return consumer.Run(cmd.Context())
		},
	}

	cmd.Flags().Int32Var(&cfg.MaxMessages, "max-messages", sqs.DefaultMaxMessages, "messages per receive (1-10)")
	cmd.Flags().Int32Var(&cfg.WaitSeconds, "wait-seconds", sqs.DefaultWaitSeconds, "long-poll wait in seconds (0-20)")
	cmd.Flags().Int32Var(&cfg.VisibilityTimeout, "visibility-timeout", 0, "override the queue visibility timeout in seconds")

	return cmd
}
