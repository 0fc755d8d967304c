package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/pkg/format"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing fetcharr configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the resolved configuration",
	Long: `Dump the resolved configuration values in YAML format.

With no config file present this shows every option with its default value,
so the output doubles as a configuration template:

  fetcharr config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml in ., ./configs, /etc/fetcharr, $HOME/.fetcharr)
  - Environment variables (FETCHARR_SERVER_PORT, FETCHARR_DATABASE_DSN, ...)
  - Command-line flags (for some options)

Environment variables use the FETCHARR_ prefix and underscores for nesting.
Example: server.port -> FETCHARR_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map, rendering durations and sizes in
// their human-readable forms.
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
			key = fieldType.Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		case config.Duration:
			result[key] = fv.String()
		case config.ByteSize:
			result[key] = format.Bytes(fv.Int64())
		default:
			switch field.Kind() {
			case reflect.Struct:
				result[key] = toMap(field.Interface())
			case reflect.Slice:
				items := make([]any, 0, field.Len())
				for j := 0; j < field.Len(); j++ {
					if field.Index(j).Kind() == reflect.Struct {
						items = append(items, toMap(field.Index(j).Interface()))
					} else {
						items = append(items, field.Index(j).Interface())
					}
				}
				result[key] = items
			default:
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# fetcharr Configuration File")
	fmt.Println("# ===========================")
	fmt.Println("#")
	fmt.Println("# All values shown are the resolved configuration.")
	fmt.Println("# Duration format: 30s, 5m, 1h, 30d")
	fmt.Println("# Size format: 5 MB, 1 GB")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   FETCHARR_SERVER_HOST, FETCHARR_SERVER_PORT")
	fmt.Println("#   FETCHARR_DATABASE_DRIVER, FETCHARR_DATABASE_DSN")
	fmt.Println("#   FETCHARR_INDEXER_URL, FETCHARR_TORRENT_URL")
	fmt.Println("#   FETCHARR_LOGGING_LEVEL, FETCHARR_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
