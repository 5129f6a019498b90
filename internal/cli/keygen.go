package cli

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var keygenDir string

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVar(&keygenDir, "out", "keys", "Directory to write the prime/shadow keypairs into")
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the independent prime and shadow RSA signing keypairs",
	Long: "Creates private_prime.pem/public_prime.pem and\n" +
		"private_shadow.pem/public_shadow.pem. The two keypairs are\n" +
		"generated independently so compromising one never yields the other.",
	RunE: runKeygen,
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(keygenDir, 0700); err != nil {
		return fmt.Errorf("chimera keygen: create directory: %w", err)
	}
	for _, name := range []string{"prime", "shadow"} {
		if err := generateKeyPair(keygenDir, name); err != nil {
			return fmt.Errorf("chimera keygen: %s: %w", name, err)
		}
	}
	fmt.Printf("wrote prime and shadow keypairs to %s\n", keygenDir)
	return nil
}

func generateKeyPair(dir, name string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}

	privPath := filepath.Join(dir, fmt.Sprintf("private_%s.pem", name))
	privBlock := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(privBlock), 0600); err != nil {
		return err
	}

	pubPath := filepath.Join(dir, fmt.Sprintf("public_%s.pem", name))
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return err
	}
	pubBlock := &pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}
	return os.WriteFile(pubPath, pem.EncodeToMemory(pubBlock), 0644)
}
