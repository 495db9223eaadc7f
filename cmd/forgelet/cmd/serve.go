package cmd

import (
	"context"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forgelet/forgelet/pkg/auth"
	"github.com/forgelet/forgelet/pkg/objects"
	"github.com/forgelet/forgelet/pkg/repos"
	"github.com/forgelet/forgelet/pkg/sshd"
	"github.com/forgelet/forgelet/pkg/storage/gcs"
	"github.com/forgelet/forgelet/pkg/storage/sthree"
	"github.com/forgelet/forgelet/pkg/vcache"
	"github.com/forgelet/forgelet/pkg/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve hosted repositories over SSH",
	Long: `Serve hosted repositories over SSH.

When weblisten is configured, the read-only web mirror is started on
that address alongside the SSH listener.
`,
	Run: func(cmd *cobra.Command, args []string) {
		logger, err := config.logger()
		if err != nil {
			wrapFatalln("logger init", err)
			return
		}

		// fail fast before touching any state
		if err := checkPortAvailable(config.Listen); err != nil {
			wrapFatalln("ssh listener", err)
			return
		}
		if config.WebListen != "" {
			if err := checkPortAvailable(config.WebListen); err != nil {
				wrapFatalln("web listener", err)
				return
			}
		}

		table, err := config.identityTable()
		if err != nil {
			wrapFatalln("loading identities", err)
			return
		}
		authn, err := auth.New(table, auth.Logger(logger))
		if err != nil {
			wrapFatalln("building authenticator", err)
			return
		}

		pem, err := ioutil.ReadFile(config.HostKey)
		if err != nil {
			wrapFatalln("reading host key (run 'forgelet keygen' first)", err)
			return
		}
		hostKey, err := sshd.LoadHostKey(pem)
		if err != nil {
			wrapFatalln("parsing host key", err)
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

		srv, err := sshd.New(authn, resolver,
			sshd.HostKey(hostKey),
			sshd.Cache(cache),
			sshd.Logger(logger),
		)
		if err != nil {
			wrapFatalln("ssh server init", err)
			return
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, config.Listen)
		})

		if config.WebListen != "" {
			mirror, err := web.NewServer(resolver, web.Cache(cache), web.Logger(logger))
			if err != nil {
				wrapFatalln("web mirror init", err)
				return
			}
			httpSrv := &http.Server{
				Addr:    config.WebListen,
				Handler: web.InitRouter(mirror),
			}
			g.Go(func() error {
				logger.Info("web mirror listening", zap.String("addr", config.WebListen))
				return httpSrv.ListenAndServe()
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			})
		}

		if err := g.Wait(); err != nil && ctx.Err() == nil {
			wrapFatalln("server", err)
			return
		}
		logger.Info("shut down")
	},
}

// newResolver wires the repository resolver over the configured
// payload storage
func newResolver(cfg *Config, logger *zap.Logger) (*repos.Resolver, error) {
	root, err := cfg.ensureRoot()
	if err != nil {
		return nil, err
	}

	scheme, bucket, prefix, err := parseBlobStore(cfg.BlobStore)
	if err != nil {
		return nil, err
	}

	opts := []repos.Option{repos.Logger(logger)}
	switch scheme {
	case "local":
		// the resolver's default store keeps payloads under the root
	case "s3":
		opts = append(opts, repos.WithStoreFactory(func(repoPath, dir string) (objects.Store, error) {
			return objects.New(
				objects.Backend(sthree.New(
					sthree.Bucket(bucket),
					sthree.Prefix(path.Join(prefix, repoPath)),
				)),
				objects.RefsPath(filepath.Join(dir, "refs")),
				objects.Logger(logger),
			)
		}))
	case "gs":
		opts = append(opts, repos.WithStoreFactory(func(repoPath, dir string) (objects.Store, error) {
			backend, err := gcs.New(context.Background(), bucket, path.Join(prefix, repoPath))
			if err != nil {
				return nil, err
			}
			return objects.New(
				objects.Backend(backend),
				objects.RefsPath(filepath.Join(dir, "refs")),
				objects.Logger(logger),
			)
		}))
	}
	return repos.New(root, opts...)
}

func init() {
	// flag defaults mirror the viper defaults, a bound flag's default
	// outranks SetDefault in viper's precedence order
	serveCmd.Flags().String("listen", ":2222", "SSH listen address")
	serveCmd.Flags().String("weblisten", "", "web mirror listen address (mirror disabled when empty)")
	serveCmd.Flags().String("root", "forgelet-repos", "repository root directory")
	serveCmd.Flags().String("hostkey", "forgelet_host_key", "SSH host key path")
	serveCmd.Flags().String("identities", "identities.yaml", "identity table path")
	serveCmd.Flags().String("blobstore", "local", "payload storage: local | s3://bucket/prefix | gs://bucket/prefix")
	serveCmd.Flags().String("cachesize", "64MiB", "derived-view cache budget, e.g. 64MiB")
	for _, key := range []string{"listen", "weblisten", "root", "hostkey", "identities", "blobstore", "cachesize"} {
		_ = viper.BindPFlag(key, serveCmd.Flags().Lookup(key))
	}

	rootCmd.AddCommand(serveCmd)
}
