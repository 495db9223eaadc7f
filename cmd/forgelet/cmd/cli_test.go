package cmd

import (
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestParseBlobStore(t *testing.T) {
	for name, tc := range map[string]struct {
		raw    string
		scheme string
		bucket string
		prefix string
	}{
		"empty":          {raw: "", scheme: "local"},
		"local":          {raw: "local", scheme: "local"},
		"s3 bare":        {raw: "s3://bucket", scheme: "s3", bucket: "bucket"},
		"s3 prefixed":    {raw: "s3://bucket/some/prefix", scheme: "s3", bucket: "bucket", prefix: "some/prefix"},
		"gs prefixed":    {raw: "gs://bucket/p", scheme: "gs", bucket: "bucket", prefix: "p"},
		"trailing slash": {raw: "gs://bucket/p/", scheme: "gs", bucket: "bucket", prefix: "p"},
	} {
		tc := tc
		t.Run(name, func(t *testing.T) {
			scheme, bucket, prefix, err := parseBlobStore(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.scheme, scheme)
			assert.Equal(t, tc.bucket, bucket)
			assert.Equal(t, tc.prefix, prefix)
		})
	}

	for name, raw := range map[string]string{
		"unknown scheme": "ftp://bucket",
		"missing bucket": "s3:///prefix",
	} {
		raw := raw
		t.Run("refused "+name, func(t *testing.T) {
			_, _, _, err := parseBlobStore(raw)
			require.Error(t, err)
		})
	}
}

func TestCheckPortAvailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = checkPortAvailable(ln.Addr().String())
	require.Error(t, err, "a bound port is reported unavailable")
	assert.Contains(t, err.Error(), "not available")

	require.NoError(t, ln.Close())
	assert.NoError(t, checkPortAvailable(ln.Addr().String()))
}

func TestCacheBytes(t *testing.T) {
	c := &Config{CacheSize: "64MiB"}
	n, err := c.cacheBytes()
	require.NoError(t, err)
	assert.EqualValues(t, 64*1024*1024, n)

	c = &Config{CacheSize: "not-a-size"}
	_, err = c.cacheBytes()
	require.Error(t, err)

	c = &Config{}
	n, err = c.cacheBytes()
	require.NoError(t, err)
	assert.Zero(t, n, "empty size falls back to the cache default")
}

func TestIdentityTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identities.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(`
identities:
  - name: dev
    keys:
      - ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIICLJnNJnPKKyVVcCl1d1eh60zQbwKa9JvcbYHTirw2A dev@host
    grants:
      - repo: team/**
        capability: rw
`), 0600))

	c := &Config{Identities: path}
	table, err := c.identityTable()
	require.NoError(t, err)
	require.Len(t, table.Identities, 1)
	assert.Equal(t, "dev", table.Identities[0].Name)

	c = &Config{Identities: filepath.Join(dir, "missing.yaml")}
	_, err = c.identityTable()
	require.Error(t, err)
}

func TestKeygen(t *testing.T) {
	dir := t.TempDir()
	oldConfig := config
	defer func() { config = oldConfig }()
	config = &Config{HostKey: filepath.Join(dir, "host_key")}

	keygenCmd.Run(keygenCmd, nil)

	pemBytes, err := ioutil.ReadFile(config.HostKey)
	require.NoError(t, err)
	signer, err := ssh.ParsePrivateKey(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", signer.PublicKey().Type())

	fi, err := os.Stat(config.HostKey)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())

	pubBytes, err := ioutil.ReadFile(config.HostKey + ".pub")
	require.NoError(t, err)
	pub, _, _, _, err := ssh.ParseAuthorizedKey(pubBytes)
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey().Marshal(), pub.Marshal())
}
