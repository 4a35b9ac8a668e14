package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newInvokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "invoke [file|-]",
		Short: "Handle one raw request event and print the response",
		Long: `Handle one raw request event exactly as the function entry point does: a
notification batch ("Records"), a submission ("sqlStatement") or a statement
query ("statementId" with an action). The event is read from the named file,
or from stdin when the argument is "-" or omitted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readEvent(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.engine.Handle(cmd.Context(), raw)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
}

func readEvent(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read event from stdin: %w", err)
		}
		return raw, nil
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	return raw, nil
}
