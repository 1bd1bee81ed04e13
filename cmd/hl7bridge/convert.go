package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehr/hl7bridge/internal/api"
	"github.com/ehr/hl7bridge/internal/config"
	"github.com/ehr/hl7bridge/internal/conversion/batch"
)

func convertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert one message between HL7v2 and FHIR",
		Long: `Convert reads one message from --in (default stdin) and writes the result
to --out (default stdout). Inbound turns HL7v2 text into a FHIR Bundle;
outbound turns a FHIR Bundle into HL7v2 text.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			direction, _ := cmd.Flags().GetString("direction")
			in, _ := cmd.Flags().GetString("in")
			out, _ := cmd.Flags().GetString("out")
			msgType, _ := cmd.Flags().GetString("message-type")

			dir, err := batch.ParseDirection(direction)
			if err != nil {
				return err
			}
			input, err := readInput(cmd.InOrStdin(), in)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, cleanup, err := cliService(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := convertOne(ctx, svc, dir, input, msgType)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), out, result)
		},
	}
	cmd.Flags().String("direction", "inbound", "inbound (HL7v2 to FHIR) or outbound (FHIR to HL7v2)")
	cmd.Flags().String("in", "", "Input file (default stdin)")
	cmd.Flags().String("out", "", "Output file (default stdout)")
	cmd.Flags().String("message-type", "", "Outbound message type such as ADT^A04 (default chosen from the bundle)")
	return cmd
}

func convertOne(ctx context.Context, svc *api.Service, dir batch.Direction, input []byte, msgType string) ([]byte, error) {
	if dir == batch.Outbound {
		out, _, err := svc.Outbound(ctx, input, msgType, api.SourceCLI)
		return out, err
	}
	out, _, err := svc.Inbound(ctx, input, api.SourceCLI)
	return out, err
}

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <file>...",
		Short: "Convert many files in parallel and print the batch result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			direction, _ := cmd.Flags().GetString("direction")
			out, _ := cmd.Flags().GetString("out")

			dir, err := batch.ParseDirection(direction)
			if err != nil {
				return err
			}
			items := make([]string, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				items = append(items, string(data))
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, cleanup, err := cliService(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := svc.Batch(ctx, items, dir, api.SourceCLI)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), out, append(data, '\n'))
		},
	}
	cmd.Flags().String("direction", "inbound", "inbound (HL7v2 to FHIR) or outbound (FHIR to HL7v2)")
	cmd.Flags().String("out", "", "Output file (default stdout)")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func writeOutput(stdout io.Writer, path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
