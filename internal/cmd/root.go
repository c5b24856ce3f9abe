package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/pipesearch/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "pipesearch",
	Short: "Automated machine-learning pipeline search",
	Long: `Pipesearch drives pipeline generators, scores their candidates in
worker processes, tunes the best of them and exports ranked results.

Run 'pipesearch serve' for the remote API, 'pipesearch search' for a
one-shot search, or 'pipesearch watch' to follow a running session.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is $HOME/.config/pipesearch/config.yaml)")
	flags.String("log-level", "", "override logging.level (debug, info, warn, error)")
	flags.String("output-dir", "", "override paths.output_dir")
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("paths.output_dir", flags.Lookup("output-dir"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	config.BindEnv()

	// A missing file leaves defaults and environment in place.
	_ = viper.ReadInConfig()
}
