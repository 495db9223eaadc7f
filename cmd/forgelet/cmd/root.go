// Package cmd implements the forgelet command line interface.
package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "forgelet",
	Short: "Forgelet is a self-hosted git-style code hosting core",
	Long: `Forgelet hosts content-addressed repositories served over SSH.

Clients fetch and push through the usual transfer commands; an optional
read-only web mirror renders repositories over HTTP. All hosted state
lives under a single root directory controlled by the configuration.
`,
}

var cfgFile string

var config *Config

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	log.SetFlags(0)
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile,
		"config", "", "config file (default is $HOME/.forgelet.yaml)")
	rootCmd.PersistentFlags().String("loglevel", "info", "log level (info|debug|none)")
	_ = viper.BindPFlag("loglevel", rootCmd.PersistentFlags().Lookup("loglevel"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	setConfigDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if os.Getenv("FORGELET_CONFIG") != "" {
		viper.SetConfigFile(os.Getenv("FORGELET_CONFIG"))
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.AddConfigPath("/etc/forgelet")
		viper.SetConfigName(".forgelet")
	}

	viper.SetEnvPrefix("forgelet")
	viper.AutomaticEnv() // read in environment variables that match
	if err := viper.ReadInConfig(); err == nil {
		infoLogger.Println("Using config file:", viper.ConfigFileUsed())
	}

	var err error
	config, err = newConfig()
	if err != nil {
		logFatalln(err)
	}
}
