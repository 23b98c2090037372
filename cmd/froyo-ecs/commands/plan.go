package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-ecs/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		format  string
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "plan <manifest>",
		Short: "Show the execution plan of a manifest",
		Long: `Build a manifest and print the plan of every stage.

The plan lists, per channel:
  - The exclusive execution order, or the parallel levels
  - The edges between systems and why they exist (explicit or conflict)
  - The declared accesses of every system (json and yaml formats)

A plan rejected by an enforced policy is still printed before the error.`,
		Example: `  # Print the plan as text
  froyo-ecs plan physics.yaml

  # Write a Graphviz graph of every stage
  froyo-ecs plan physics.yaml --format dot --out plan.dot

  # Machine-readable plan
  froyo-ecs plan physics.yaml --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			f, err := engine.ParseFormat(format)
			if err != nil {
				return err
			}
			if jsonOutput && format == "" {
				f = engine.FormatJSON
			}

			m, err := loadManifest(args[0])
			if err != nil {
				return err
			}
			opts, _, err := engineOptions(ctx, m)
			if err != nil {
				return err
			}

			report, checkErr := engine.Check(ctx, m, opts)
			if report == nil {
				return checkErr
			}

			var w io.Writer = cmd.OutOrStdout()
			if outFile != "" {
				file, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", outFile, err)
				}
				defer file.Close()
				w = file
			}

			if err := engine.Render(w, report, f); err != nil {
				return fmt.Errorf("failed to render plan: %w", err)
			}
			if outFile != "" {
				log.Info().Str("out", outFile).Str("format", string(f)).Msg("Plan written")
			}
			return checkErr
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "output format (text, json, yaml, dot)")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan to a file instead of stdout")

	return cmd
}
