package cmd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io/ioutil"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
)

var keygenForce bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the server host key",
	Long: `Generates an ed25519 host key at the configured hostkey path,
plus the matching public key alongside it with a .pub suffix.
`,
	Run: func(cmd *cobra.Command, args []string) {
		path := config.HostKey
		if _, err := os.Stat(path); err == nil && !keygenForce {
			wrapFatalln("refusing to overwrite "+path+" (use --force)", nil)
			return
		}

		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			wrapFatalln("generating key", err)
			return
		}

		block, err := ssh.MarshalPrivateKey(priv, "forgelet host key")
		if err != nil {
			wrapFatalln("encoding private key", err)
			return
		}
		if err := ioutil.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
			wrapFatalln("writing "+path, err)
			return
		}

		sshPub, err := ssh.NewPublicKey(pub)
		if err != nil {
			wrapFatalln("encoding public key", err)
			return
		}
		if err := ioutil.WriteFile(path+".pub", ssh.MarshalAuthorizedKey(sshPub), 0644); err != nil {
			wrapFatalln("writing "+path+".pub", err)
			return
		}
		infoLogger.Printf("host key written to %s", path)
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "overwrite an existing host key")
	rootCmd.AddCommand(keygenCmd)
}
