package cmd

import (
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/forgelet/forgelet/pkg/dlogger"
	"github.com/forgelet/forgelet/pkg/model"
	"go.uber.org/zap"
)

// Config carries the process-wide settings, immutable after start
type Config struct {
	// Listen is the SSH address clients connect to
	Listen string `json:"listen" yaml:"listen"`

	// WebListen enables the read-only mirror when set
	WebListen string `json:"weblisten" yaml:"weblisten"`

	// Root holds every hosted repository
	Root string `json:"root" yaml:"root"`

	// HostKey is the path to the PEM encoded SSH host key
	HostKey string `json:"hostkey" yaml:"hostkey"`

	// Identities is the path to the identity table file
	Identities string `json:"identities" yaml:"identities"`

	// LogLevel is one of info, debug, none
	LogLevel string `json:"loglevel" yaml:"loglevel"`

	// CacheSize bounds the derived-view cache ("64MiB" style values)
	CacheSize string `json:"cachesize" yaml:"cachesize"`

	// BlobStore selects object payload storage:
	// local | s3://bucket/prefix | gs://bucket/prefix
	BlobStore string `json:"blobstore" yaml:"blobstore"`
}

func setConfigDefaults() {
	viper.SetDefault("listen", ":2222")
	viper.SetDefault("root", "forgelet-repos")
	viper.SetDefault("hostkey", "forgelet_host_key")
	viper.SetDefault("identities", "identities.yaml")
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("cachesize", "64MiB")
	viper.SetDefault("blobstore", "local")
}

func newConfig() (*Config, error) {
	c := new(Config)
	if err := viper.Unmarshal(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) logger() (*zap.Logger, error) {
	return dlogger.GetLogger(c.LogLevel)
}

func (c *Config) cacheBytes() (int64, error) {
	if c.CacheSize == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.CacheSize)
	if err != nil {
		return 0, fmt.Errorf("cachesize %q: %w", c.CacheSize, err)
	}
	return n, nil
}

// identityTable loads and validates the configured identity table
func (c *Config) identityTable() (*model.IdentityTable, error) {
	data, err := ioutil.ReadFile(c.Identities)
	if err != nil {
		return nil, fmt.Errorf("reading identity table: %w", err)
	}
	table, err := model.UnmarshalIdentityTable(data)
	if err != nil {
		return nil, fmt.Errorf("identity table %s: %w", c.Identities, err)
	}
	return table, nil
}

// ensureRoot creates the repository root on first start
func (c *Config) ensureRoot() (string, error) {
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return "", fmt.Errorf("repository root %s: %w", abs, err)
	}
	return abs, nil
}

// checkPortAvailable fails fast when the address cannot be bound,
// before any state is touched
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is not available: %w", addr, err)
	}
	return ln.Close()
}

// parseBlobStore splits a bucket-style blobstore URL
func parseBlobStore(raw string) (scheme, bucket, prefix string, err error) {
	switch {
	case raw == "" || raw == "local":
		return "local", "", "", nil
	case strings.HasPrefix(raw, "s3://"):
		scheme = "s3"
		raw = strings.TrimPrefix(raw, "s3://")
	case strings.HasPrefix(raw, "gs://"):
		scheme = "gs"
		raw = strings.TrimPrefix(raw, "gs://")
	default:
		return "", "", "", fmt.Errorf("unsupported blobstore %q", raw)
	}
	parts := strings.SplitN(raw, "/", 2)
	if parts[0] == "" {
		return "", "", "", fmt.Errorf("blobstore %q: missing bucket", raw)
	}
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return scheme, bucket, prefix, nil
}
