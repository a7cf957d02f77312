package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jingkaihe/themeproxy/internal/errx"
	"github.com/jingkaihe/themeproxy/pkg/api"
	"github.com/jingkaihe/themeproxy/pkg/resolve"
	"github.com/jingkaihe/themeproxy/pkg/theme"
)

var compileCmd = &cobra.Command{
	Use:   "compile [flags] <output>",
	Short: "Compile a theme and rules into a reusable artifact",
	Long: `Compile a theme and rules into an artifact that 'themeproxy serve --compiled'
loads without fetching or parsing the sources again.

Use - as the output to write the artifact to standard output.`,
	Example: `  themeproxy compile -t theme/index.html -r rules.xml theme.bin
  themeproxy compile -t https://example.com/theme.html -r rules.xml --read-network -a /static theme.bin
  themeproxy compile -t pkg://mytheme/theme.html -r pkg://mytheme/rules.xml --package mytheme=/opt/mytheme - > theme.bin`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCompile,
}

func init() {
	addThemeFlags(compileCmd.Flags())
	rootCmd.AddCommand(compileCmd)
}

func runCompile(cmd *cobra.Command, args []string) error {
	spec, err := themeSpecFromViper()
	if err != nil {
		return err
	}
	if spec.Theme == "" || spec.Rules == "" || len(args) == 0 {
		_ = cmd.Usage()
		return errx.With(ErrUsage, ": theme, rules and an output file are required")
	}
	output := args[0]

	out := cmd.OutOrStdout()
	if output == "-" {
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return ErrStdoutTerminal
		}
	}

	packages, err := api.ParsePackages(stringList("package"))
	if err != nil {
		return err
	}
	logger := slog.Default()
	resolver := resolve.New(spec.AccessPolicy(),
		resolve.WithPackages(resolve.Packages(packages)),
		resolve.WithLogger(logger),
	)

	ctx, cancel := contextWithSignal(context.Background())
	defer cancel()

	t, err := theme.NewCompiler(resolver, logger).Compile(ctx, spec)
	if err != nil {
		return err
	}
	data, err := t.MarshalBinary()
	if err != nil {
		return errx.Wrap(ErrMarshalArtifact, err)
	}

	if output == "-" {
		if _, err := out.Write(data); err != nil {
			return errx.Wrap(ErrWriteArtifact, err)
		}
		return nil
	}
	if err := os.WriteFile(output, data, 0644); err != nil {
		return errx.Wrap(ErrWriteArtifact, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Compiled %s + %s (%d rules) to %s\n", spec.Theme, spec.Rules, t.RuleCount(), output)
	return nil
}
