package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/checkengine/pkg/template"
)

func createTemplateCommand() *cobra.Command {
	f := &TemplateFlags{}
	generator := template.NewGenerator()
	cmd := &cobra.Command{
		Use:   "template <type> [name]",
		Short: "Print a starter configuration",
		Long: `Generate a configuration snippet for a common setup. Types: ` +
			strings.Join(generator.GetSupportedTypes(), ", ") + `.

Examples:
  checkengine template connector check_load
  checkengine template daemon --output /etc/checkengine/checkengine.toml`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) > 1 {
				name = args[1]
			}
			return writeTemplate(generator, template.TemplateType(args[0]), name, *f)
		},
	}
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing output file")
	return cmd
}

func writeTemplate(g *template.Generator, typ template.TemplateType, name string, f TemplateFlags) error {
	content, err := g.GenerateTOML(typ, name)
	if err != nil {
		return fmt.Errorf("failed to generate template: %w", err)
	}
	if f.Output == "" {
		_, err := os.Stdout.Write(content)
		return err
	}
	if _, err := os.Stat(f.Output); err == nil && !f.Force {
		return fmt.Errorf("file '%s' already exists (use --force to overwrite)", f.Output)
	}
	if err := os.WriteFile(f.Output, content, 0o644); err != nil {
		return fmt.Errorf("failed to write template file: %w", err)
	}
	_, _ = fmt.Fprintf(os.Stderr, "Template written to %s\n", f.Output)
	return nil
}
