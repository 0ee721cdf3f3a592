package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"gatewarden/services/keys"
)

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "ROOT/OPS key generation and rotation manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newKeysGenerateCommand())
	cmd.AddCommand(newKeysSignRotationCommand())
	cmd.AddCommand(newKeysVerifyCommand())
	cmd.AddCommand(newKeysInspectBundleCommand())
	return cmd
}

func newKeysGenerateCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an Ed25519 key pair as an age identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, secret, err := keys.GenerateSigner()
			if err != nil {
				return err
			}
			if err := writeOutput(output, []byte(secret+"\n")); err != nil {
				return err
			}
			out := cmd.ErrOrStderr()
			if output == "" || output == "-" {
				out = cmd.OutOrStdout()
			}
			fmt.Fprintf(out, "# kid: %s\n", signer.KeyID())
			fmt.Fprintf(out, "# public key (v2): %s\n", keys.EncodePublicKey(keys.V2, signer.PublicKey()))
			fmt.Fprintf(out, "# public key (v1): %s\n", keys.EncodePublicKey(keys.V1, signer.PublicKey()))
			if r := signer.Recipient(); r != "" {
				fmt.Fprintf(out, "# age recipient: %s\n", r)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "Write the secret key to this file instead of stdout")
	return cmd
}

func newKeysSignRotationCommand() *cobra.Command {
	var (
		rootKeyFile  string
		opsPublicKey string
		versions     []string
		reason       string
		output       string
	)

	cmd := &cobra.Command{
		Use:   "sign-rotation",
		Short: "Sign a rotation manifest registering an OPS key with the offline ROOT key",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := secretFrom(rootKeyFile, "GATEWARDEN_ROOT_KEY")
			if err != nil {
				return err
			}
			root, err := keys.LoadSigner(secret)
			if err != nil {
				return fmt.Errorf("root key: %w", err)
			}
			pub, err := keys.ParsePublicKey(opsPublicKey)
			if err != nil {
				return fmt.Errorf("ops public key: %w", err)
			}
			parsed := make([]keys.Version, 0, len(versions))
			for _, v := range versions {
				version, err := keys.ParseVersion(v)
				if err != nil {
					return err
				}
				parsed = append(parsed, version)
			}

			manifest := keys.NewRotationManifest(pub, parsed, reason, time.Now())
			if err := manifest.Sign(root); err != nil {
				return err
			}
			raw, err := keys.MarshalManifest(manifest)
			if err != nil {
				return err
			}
			return writeOutput(output, raw)
		},
	}

	cmd.Flags().StringVar(&rootKeyFile, "root-key", "", "File holding the ROOT age secret key (default $GATEWARDEN_ROOT_KEY)")
	cmd.Flags().StringVar(&opsPublicKey, "ops-public-key", "", "OPS public key to register (base64 or hex)")
	cmd.Flags().StringSliceVar(&versions, "versions", []string{"v2"}, "Key versions the OPS key serves")
	cmd.Flags().StringVar(&reason, "reason", "", "Free-form reason recorded in the manifest")
	cmd.Flags().StringVar(&output, "output", "", "Destination manifest file (default stdout)")
	_ = cmd.MarkFlagRequired("ops-public-key")
	return cmd
}

func newKeysVerifyCommand() *cobra.Command {
	var (
		manifestFile  string
		rootPublicKey string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a rotation manifest against the ROOT public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := keys.ParsePublicKey(rootPublicKey)
			if err != nil {
				return fmt.Errorf("root public key: %w", err)
			}
			raw, err := os.ReadFile(manifestFile)
			if err != nil {
				return err
			}
			manifest, err := keys.UnmarshalManifest(raw)
			if err != nil {
				return err
			}
			if err := manifest.Verify(root); err != nil {
				return err
			}
			pub, err := manifest.OpsPublicKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: OPS key %s for %v signed by ROOT %s at %s\n",
				keys.Fingerprint(pub), manifest.KeyVersions, manifest.RootKeyID, manifest.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestFile, "manifest", "", "Rotation manifest file")
	cmd.Flags().StringVar(&rootPublicKey, "root-public-key", os.Getenv("ROOT_PUBLIC_KEY"), "ROOT public key (default $ROOT_PUBLIC_KEY)")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

func newKeysInspectBundleCommand() *cobra.Command {
	var (
		bundleFile    string
		rootPublicKey string
	)

	cmd := &cobra.Command{
		Use:   "inspect-bundle",
		Short: "Verify a key bundle and list the keys it carries",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := keys.ParsePublicKey(rootPublicKey)
			if err != nil {
				return fmt.Errorf("root public key: %w", err)
			}
			f, err := os.Open(bundleFile)
			if err != nil {
				return err
			}
			defer f.Close()

			index, err := keys.ReadBundle(f, root)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "bundle created %s, root %s\n", index.CreatedAt.Format(time.RFC3339), index.RootKeyID)
			for _, k := range index.Keys {
				fmt.Fprintf(out, "  %s %s %s\n", k.KeyID, k.Version, k.PublicKey)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().StringVar(&rootPublicKey, "root-public-key", os.Getenv("ROOT_PUBLIC_KEY"), "ROOT public key (default $ROOT_PUBLIC_KEY)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
