package cmdline

import (
	"context"
	"crypto"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/uefisign/uefisign/internal/audit"
	"github.com/uefisign/uefisign/internal/config"
	"github.com/uefisign/uefisign/sign"
)

var signFlags struct {
	key         string
	cert        string
	addcert     string
	output      string
	detached    bool
	provider    string
	keyform     string
	digest      string
	pageHashes  bool
	description string
	url         string
	configPath  string
	verbose     bool
}

var signCmd = &cobra.Command{
	Use:   "sign <input>",
	Short: "Sign a PE/COFF image with an Authenticode signature",
	Args:  cobra.ExactArgs(1),
	RunE:  runSign,
}

func init() {
	f := signCmd.Flags()
	f.StringVar(&signFlags.key, "key", "", "locator for the private key (required)")
	f.StringVar(&signFlags.cert, "cert", "", "path to signer's X.509 certificate in PEM (required)")
	f.StringVar(&signFlags.addcert, "addcert", "", "path to a PEM file of intermediate certificates")
	f.StringVar(&signFlags.output, "output", "", "output path (default: <input>.signed, or <input>.pk7 if --detached)")
	f.BoolVar(&signFlags.detached, "detached", false, "emit a detached signature instead of splicing it into the image")
	f.StringVar(&signFlags.provider, "provider", "", "name of external cryptographic provider (with --keyform=EXTERNAL)")
	f.StringVar(&signFlags.provider, "engine", "", "alias for --provider")
	f.StringVar(&signFlags.keyform, "keyform", "PEM", "key form: PEM | DER | EXTERNAL")
	f.StringVar(&signFlags.digest, "digest", "sha256", "digest algorithm: sha1 | sha256")
	f.BoolVar(&signFlags.pageHashes, "page-hashes", false, "attach per-page digests to the signature")
	f.StringVar(&signFlags.description, "description", "", "human-readable program name carried in the signature")
	f.StringVar(&signFlags.url, "url", "", "URL describing the signed content, carried in the signature")
	f.StringVarP(&signFlags.configPath, "config", "c", "", "provider configuration file (PKCS#11 module path, token label, PIN)")
	f.BoolVarP(&signFlags.verbose, "verbose", "v", false, "enable informational diagnostics")

	_ = f.MarkDeprecated("engine", "use --provider")
	RootCmd.AddCommand(signCmd)
}

func runSign(cmd *cobra.Command, args []string) error {
	digestAlg, err := parseDigest(signFlags.digest)
	if err != nil {
		return err
	}

	req := &sign.Request{
		InputPath:   args[0],
		OutputPath:  signFlags.output,
		Key:         signFlags.key,
		KeyForm:     sign.KeyForm(strings.ToUpper(signFlags.keyform)),
		Provider:    signFlags.provider,
		CertPath:    signFlags.cert,
		AddCertPath: signFlags.addcert,
		Detached:    signFlags.detached,
		Digest:      digestAlg,
		PageHashes:  signFlags.pageHashes,
		Description: signFlags.description,
		URL:         signFlags.url,
		Verbose:     signFlags.verbose,
	}
	if req.Key == "" {
		return fmt.Errorf("--key is required")
	}
	if req.CertPath == "" {
		return fmt.Errorf("--cert is required")
	}

	if signFlags.configPath != "" && req.Provider != "" {
		req.Key, err = resolveExternalLocator(signFlags.configPath, req.Provider, req.Key)
		if err != nil {
			return err
		}
	}

	run := audit.New(cmd.ErrOrStderr(), req.Verbose)
	result, err := sign.Run(context.Background(), req, run)
	if err != nil {
		return err
	}
	if req.Verbose {
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", result.OutputPath)
	}
	return nil
}

func parseDigest(name string) (crypto.Hash, error) {
	switch strings.ToLower(name) {
	case "sha1":
		return crypto.SHA1, nil
	case "", "sha256":
		return crypto.SHA256, nil
	default:
		return 0, fmt.Errorf("unsupported --digest %q (want sha1 or sha256)", name)
	}
}

// resolveExternalLocator merges a named section of the provider config
// file into a bare key locator, the way --config lets --key stay a short
// name (a PKCS#11 key label, a KMS key ID) while the module path, token
// label, and PIN live in a file instead of on the command line.
func resolveExternalLocator(configPath, provider, key string) (string, error) {
	cfg, err := config.ReadFile(configPath)
	if err != nil {
		return "", err
	}
	section, err := cfg.Provider(provider)
	if err != nil {
		return "", err
	}
	if strings.Contains(key, "=") {
		// Caller already passed a fully-formed locator; config only fills
		// in gaps for providers that take a bare key name.
		return key, nil
	}
	switch provider {
	case "pkcs11":
		var parts []string
		if section.Module != "" {
			parts = append(parts, "module="+section.Module)
		}
		if section.TokenLabel != "" {
			parts = append(parts, "slot="+section.TokenLabel)
		}
		parts = append(parts, "label="+key)
		if pin := section.PinFor(); pin != "" {
			parts = append(parts, "pin="+pin)
		}
		return strings.Join(parts, ";"), nil
	default:
		return key, nil
	}
}
