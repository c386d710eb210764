package cmd

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/pkg/bytesize"
	"github.com/castdio/castd/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configShowCmd = &cobra.Command{
	Use:     "show",
	Aliases: []string{"dump"},
	Short:   "Show the effective configuration",
	Long: `Show the effective configuration in YAML format with secrets
redacted.

Without a --config flag this shows the defaults, which makes it a
configuration template:

  castd config show > castd.yaml

Environment variables use the CASTD_ prefix with underscores for
nesting. Example: server.port -> CASTD_SERVER_PORT.`,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long:  `Load and validate the configuration, reporting the first problem found.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		fmt.Printf("configuration ok (listening on %s)\n", cfg.Server.Address())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

// toMap converts a config struct to a map, formatting durations and byte
// sizes for readability. Fields tagged masq:"secret" are redacted the same
// way the log handler redacts them.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = strings.ToLower(fieldType.Name)
		}

		if fieldType.Tag.Get("masq") == "secret" {
			if s, ok := field.Interface().(string); !ok || s != "" {
				result[key] = "[REDACTED]"
			} else {
				result[key] = ""
			}
			continue
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(fv)
		case config.ByteSize:
			result[key] = bytesize.Format(bytesize.Size(fv))
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# castd Configuration File")
	fmt.Println("# ========================")
	fmt.Println("#")
	fmt.Println("# Duration format: 30s, 5m, 1h, 30d")
	fmt.Println("# Size format: 5MB, 1GB")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   CASTD_SERVER_HOST, CASTD_SERVER_PORT")
	fmt.Println("#   CASTD_DATABASE_DRIVER, CASTD_DATABASE_DSN")
	fmt.Println("#   CASTD_LOGGING_LEVEL, CASTD_LOGGING_FORMAT")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))
	return nil
}
