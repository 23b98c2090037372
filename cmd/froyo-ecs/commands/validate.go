package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-ecs/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <manifest>",
		Short: "Validate a schedule manifest",
		Long: `Validate a schedule manifest without running it.

This command checks:
  - Manifest syntax and the #Manifest schema
  - Cross-field rules (unique labels, native refs, script sources)
  - That every system builds
  - That every stage graph rebuilds without ordering cycles
  - Policy compliance (OPA/rego), when the manifest enables policies`,
		Example: `  # Validate a YAML manifest
  froyo-ecs validate physics.yaml

  # Validate a CUE manifest with debug logging
  froyo-ecs validate -v physics.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			m, err := loadManifest(args[0])
			if err != nil {
				return err
			}

			opts, _, err := engineOptions(ctx, m)
			if err != nil {
				return err
			}

			log.Info().Str("manifest", m.Name).Msg("Validating manifest")

			report, err := engine.Check(ctx, m, opts)
			if report != nil && report.Policy != nil {
				for _, v := range report.Policy.Violations {
					target := v.Stage
					if v.System != "" {
						target += "/" + v.System
					}
					fmt.Fprintf(out, "%s %s %s: %s\n", v.Severity, v.Policy, target, v.Message)
				}
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "✓ %s is valid: %d stages, %d systems\n", m.Name, len(m.Stages), m.SystemCount())
			return nil
		},
	}

	return cmd
}
