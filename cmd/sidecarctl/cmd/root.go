package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	sidecarURL   string
	outputFormat string
	cfgFile      string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "sidecarctl",
	Short: "CLI for the ComfyUI sidecar supervisor",
	Long:  `sidecarctl is a command line interface for submitting and managing supervised inference jobs on a sidecar host.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sidecarctl/config)")
	rootCmd.PersistentFlags().StringVar(&sidecarURL, "sidecar", "", "sidecar API URL (default from config or http://localhost:8085)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".sidecarctl")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("sidecar_url", "SIDECAR_URL")

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("sidecar_url") != "" && sidecarURL == "" {
			sidecarURL = viper.GetString("sidecar_url")
		}
	}

	if sidecarURL == "" && viper.GetString("sidecar_url") != "" {
		sidecarURL = viper.GetString("sidecar_url")
	}

	if sidecarURL == "" {
		sidecarURL = "http://localhost:8085"
	}
}

// GetSidecarURL returns the configured sidecar URL with trailing slashes removed
func GetSidecarURL() string {
	return strings.TrimRight(sidecarURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetHTTPClient returns the client used for sidecar API calls
func GetHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
