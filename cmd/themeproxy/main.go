package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jingkaihe/themeproxy/internal/errx"
	"github.com/jingkaihe/themeproxy/pkg/api"
)

const envPrefix = "THEMEPROXY"

// Legacy configuration keys, collapsed onto their current names once the
// config file has been read.
var legacyAliases = map[string]string{
	"theme_uri": "theme",
	"extraurl":  "extra-rules",
}

var rootCmd = &cobra.Command{
	Use:   "themeproxy",
	Short: "Apply a shared HTML theme to the responses of any backend",
	Long: `themeproxy merges backend HTML into a theme page according to a rules
document, either as a reverse proxy (serve) or by precompiling the theme and
rules into an artifact (compile).`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: preRun,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if path, _ := rootCmd.PersistentFlags().GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: reading config %s: %v\n", path, err)
			os.Exit(1)
		}
	}
	for alias, key := range legacyAliases {
		viper.RegisterAlias(alias, key)
	}
}

// preRun binds the running command's flags into viper and installs the
// default logger. serve and compile share flag names, so binding happens
// per invocation rather than in init.
func preRun(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	logger, err := newLogger(viper.GetString("log-level"), viper.GetString("log-format"), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errx.With(ErrLogLevel, ": %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, errx.With(ErrLogFormat, ": %q (want text or json)", format)
	}
}

// addThemeFlags registers the flags that describe what to compile.
func addThemeFlags(fs *pflag.FlagSet) {
	fs.StringP("theme", "t", "", "Theme HTML reference (path, file://, http(s)://, ftp:// or pkg://)")
	fs.StringP("rules", "r", "", "Rules XML reference")
	fs.StringP("boilerplate", "b", "", "Boilerplate rules applied before the rules")
	fs.StringP("extra-rules", "e", "", "Extra rules applied after the rules")
	fs.StringP("absolute-prefix", "a", "", "Prefix for relative image, script and stylesheet URLs in the theme")
	fs.StringP("compiler", "c", api.DefaultEngine, "Merge engine name")
	fs.Bool("css", true, "Accept css: selector attributes in rules")
	fs.Bool("xinclude", true, "Process xi:include in rules documents")
	fs.String("include-mode", string(api.IncludeDocument), "How href rules include content (document, esi, ssi)")
	fs.Bool("update", false, "Accept rules written in the legacy namespace")
	fs.Bool("read-network", false, "Allow fetching theme and rules over the network")
	fs.StringArray("package", nil, "Package root for pkg:// references (name=dir, can be repeated)")
}

func themeSpecFromViper() (api.ThemeSpec, error) {
	mode, err := api.ParseIncludeMode(viper.GetString("include-mode"))
	if err != nil {
		return api.ThemeSpec{}, err
	}
	spec := api.DefaultThemeSpec()
	spec.Theme = viper.GetString("theme")
	spec.Rules = viper.GetString("rules")
	spec.Boilerplate = viper.GetString("boilerplate")
	spec.ExtraRules = viper.GetString("extra-rules")
	spec.AbsolutePrefix = viper.GetString("absolute-prefix")
	spec.Engine = viper.GetString("compiler")
	spec.CSS = viper.GetBool("css")
	spec.XInclude = viper.GetBool("xinclude")
	spec.IncludeMode = mode
	spec.UpdateNamespace = viper.GetBool("update")
	spec.ReadNetwork = viper.GetBool("read-network")
	return spec, nil
}

// stringList reads a list setting that may come from a repeated flag, a
// YAML sequence or a single (possibly newline-delimited) string.
func stringList(key string) []string {
	switch v := viper.Get(key).(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}
