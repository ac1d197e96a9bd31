package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/calingest/internal/httpapi"
	"github.com/tracyhatemice/calingest/internal/ingest"
)

// errNotDelivered makes the process exit non-zero after the result has
// been printed.
var errNotDelivered = errors.New("envelope not fully delivered")

func newIngestCmd() *cobra.Command {
	var (
		recipient string
		messageID string
	)
	cmd := &cobra.Command{
		Use:   "ingest [FILE|-]",
		Short: "Process one raw message from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readMessage(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			env := ingest.NewEnvelope(raw, recipient, messageID)
			res, err := a.pipeline.Process(cmd.Context(), env)
			if err != nil {
				return err
			}

			_, body := httpapi.Render(res)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(body); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			if !res.OK() {
				return errNotDelivered
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "destination address the message was sent to")
	cmd.Flags().StringVar(&messageID, "message-id", "", "arrival identifier (default: the Message-ID header)")
	_ = cmd.MarkFlagRequired("recipient")
	return cmd
}

func readMessage(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return raw, nil
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return raw, nil
}
