package cmd

import (
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forgelet/forgelet/pkg/vcache"
	"github.com/forgelet/forgelet/pkg/web"
)

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Webserver",
	Long:  "A webserver process to browse hosted repositories, read-only",
	Run: func(cmd *cobra.Command, args []string) {
		logger, err := config.logger()
		if err != nil {
			wrapFatalln("logger init", err)
			return
		}
		// the flag wins over the config file, the config over the default
		addr, _ := cmd.Flags().GetString("weblisten")
		if !cmd.Flags().Changed("weblisten") && config.WebListen != "" {
			addr = config.WebListen
		}
		if err := checkPortAvailable(addr); err != nil {
			wrapFatalln("web listener", err)
			return
		}

		resolver, err := newResolver(config, logger)
		if err != nil {
			wrapFatalln("opening repository root", err)
			return
		}
		defer func() {
			if err := resolver.Close(); err != nil {
				logger.Error("closing repositories", zap.Error(err))
			}
		}()

		cacheBytes, err := config.cacheBytes()
		if err != nil {
			wrapFatalln("cache size", err)
			return
		}
		cache, err := vcache.New(vcache.MaxBytes(cacheBytes), vcache.Logger(logger))
		if err != nil {
			wrapFatalln("view cache init", err)
			return
		}

		srv, err := web.NewServer(resolver, web.Cache(cache), web.Logger(logger))
		if err != nil {
			wrapFatalln("server init error", err)
			return
		}
		infoLogger.Printf("serving on %s...", addr)
		if err := http.ListenAndServe(addr, web.InitRouter(srv)); err != nil {
			wrapFatalln("server listen error", err)
			return
		}
	},
}

func init() {
	webCmd.Flags().String("weblisten", ":8080", "web mirror listen address")

	rootCmd.AddCommand(webCmd)
}
