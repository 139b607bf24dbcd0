// Command keymint is the client-side license tool. It activates a
// license key against the published registry, re-checks the locally
// stored credential, removes it, and generates signing key pairs for
// operators.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"keymint/internal/signing"
	"keymint/internal/validator"
)

const checkTimeout = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "activate":
		err = runActivate(os.Args[2:])
	case "check":
		err = runCheck(os.Args[2:])
	case "deactivate":
		err = runDeactivate(os.Args[2:])
	case "keygen":
		err = runKeygen()
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: keymint <command> [flags]

Commands:
  activate    activate a license key on this machine
  check       verify the locally stored license
  deactivate  remove the locally stored license
  keygen      generate a new signing key pair (operators only)

Run "keymint <command> -h" for command flags.
`)
}

// validatorFlags registers the flags shared by activate, check, and
// deactivate. Environment variables provide the defaults so installers
// can bake the registry location in once.
func validatorFlags(fs *flag.FlagSet) (url, publicKey, keyID, dir *string, insecure *bool) {
	url = fs.String("registry-url", os.Getenv("KEYMINT_LICENSE_REGISTRY_URL"),
		"URL of the published public registry")
	publicKey = fs.String("public-key", os.Getenv("KEYMINT_LICENSE_PUBLIC_KEY"),
		"base64 Ed25519 public key used to verify the registry")
	keyID = fs.String("key-id", os.Getenv("KEYMINT_LICENSE_KEY_ID"),
		"expected signing key identifier")
	dir = fs.String("dir", defaultStateDir(),
		"directory for the local credential and registry cache")
	insecure = fs.Bool("insecure", false,
		"allow a plain-HTTP registry URL (local development only)")
	return
}

func defaultStateDir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "keymint")
	}
	return ".keymint"
}

func newValidator(url, publicKey, keyID, dir string, insecure bool) (*validator.Validator, error) {
	return validator.New(validator.Options{
		RegistryURL:   url,
		PublicKey:     publicKey,
		KeyID:         keyID,
		AllowInsecure: insecure,
		CachePath:     filepath.Join(dir, "registry-cache.json"),
		RecordPath:    filepath.Join(dir, "license.json"),
	})
}

func runActivate(args []string) error {
	fs := flag.NewFlagSet("activate", flag.ExitOnError)
	key := fs.String("key", "", "license key (KM-XXXX-XXXX-XXXX-XXXX)")
	email := fs.String("email", "", "email address used at purchase")
	url, publicKey, keyID, dir, insecure := validatorFlags(fs)
	fs.Parse(args)

	if *key == "" {
		return fmt.Errorf("-key is required")
	}

	v, err := newValidator(*url, *publicKey, *keyID, *dir, *insecure)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	result, err := v.Activate(ctx, *key, *email)
	if err != nil {
		return err
	}
	printResult(result)
	if result.Status != validator.StatusTrusted {
		os.Exit(1)
	}
	return nil
}

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	url, publicKey, keyID, dir, insecure := validatorFlags(fs)
	fs.Parse(args)

	v, err := newValidator(*url, *publicKey, *keyID, *dir, *insecure)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	result, err := v.Check(ctx)
	if err != nil {
		return err
	}
	printResult(result)
	if result.Status != validator.StatusTrusted {
		os.Exit(1)
	}
	return nil
}

func runDeactivate(args []string) error {
	fs := flag.NewFlagSet("deactivate", flag.ExitOnError)
	url, publicKey, keyID, dir, insecure := validatorFlags(fs)
	fs.Parse(args)

	v, err := newValidator(*url, *publicKey, *keyID, *dir, *insecure)
	if err != nil {
		return err
	}
	if err := v.Remove(); err != nil {
		return err
	}
	fmt.Println("License removed from this machine.")
	return nil
}

func runKeygen() error {
	private, public, err := signing.GenerateKeyPair()
	if err != nil {
		return err
	}
	fmt.Printf("Algorithm:   %s\n", signing.Algorithm)
	fmt.Printf("Private key: %s\n", private)
	fmt.Printf("Public key:  %s\n", public)
	fmt.Println()
	fmt.Println("Store the private key in the server's KEYMINT_LICENSE_PRIVATE_KEY.")
	fmt.Println("Ship the public key with the client as KEYMINT_LICENSE_PUBLIC_KEY.")
	return nil
}

func printResult(result *validator.Result) {
	fmt.Printf("Status:  %s\n", result.Status)
	fmt.Printf("Source:  %s\n", result.Source)
	fmt.Printf("Message: %s\n", result.Message)
	if result.Record != nil {
		fmt.Printf("Key:     %s\n", result.Record.LicenseKey)
		fmt.Printf("Tier:    %s", result.Record.Tier)
		if result.Record.IsFounder {
			fmt.Printf(" (founder)")
		}
		fmt.Println()
	}
}
