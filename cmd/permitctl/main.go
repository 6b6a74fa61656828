// Command permitctl provisions server keys and API credentials for the
// permit signer.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/crypto/bcrypt"

	"github.com/better-wallet/permit-signer/cmd/permitctl/commands"
	"github.com/better-wallet/permit-signer/internal/secretstore"
)

func privateKeyFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "private-key",
		Aliases: []string{"k"},
		Sources: cli.EnvVars("X25519_PRIVATE_KEY"),
		Usage:   "Base64url server private key",
	}
}

func requirePrivateKey(cmd *cli.Command) (string, error) {
	key := cmd.String("private-key")
	if key == "" {
		return "", fmt.Errorf("--private-key or X25519_PRIVATE_KEY is required")
	}
	return key, nil
}

func main() {
	cmd := &cli.Command{
		Name:  "permitctl",
		Usage: "Key tooling for the permit signer",
		Commands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "Generate a server X25519 key pair",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunKeygen(os.Stdout)
				},
			},
			{
				Name:  "pubkey",
				Usage: "Print the public key of a server private key",
				Flags: []cli.Flag{privateKeyFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key, err := requirePrivateKey(cmd)
					if err != nil {
						return err
					}
					return commands.RunPubKey(os.Stdout, key)
				},
			},
			{
				Name:  "seal",
				Usage: "Seal a hex signing key to a server public key",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "public-key",
						Aliases:  []string{"p"},
						Required: true,
						Usage:    "Base64url server public key",
					},
					&cli.StringFlag{
						Name:     "signing-key",
						Aliases:  []string{"s"},
						Sources:  cli.EnvVars("SIGNING_KEY"),
						Required: true,
						Usage:    "Hex secp256k1 private key of the permit owner",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunSeal(os.Stdout, cmd.String("public-key"), cmd.String("signing-key"))
				},
			},
			{
				Name:  "split",
				Usage: "Split a server private key into Shamir shares",
				Flags: []cli.Flag{
					privateKeyFlag(),
					&cli.IntFlag{
						Name:  "parts",
						Value: 5,
						Usage: "Number of shares to produce",
					},
					&cli.IntFlag{
						Name:  "threshold",
						Value: 3,
						Usage: "Shares needed to reconstruct the key",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key, err := requirePrivateKey(cmd)
					if err != nil {
						return err
					}
					return commands.RunSplit(os.Stdout, key, int(cmd.Int("parts")), int(cmd.Int("threshold")))
				},
			},
			{
				Name:  "encrypt",
				Usage: "Encrypt a server private key with a KMS provider",
				Flags: []cli.Flag{
					privateKeyFlag(),
					&cli.StringFlag{
						Name:     "provider",
						Required: true,
						Usage:    "KMS provider (local, aws-kms, vault)",
					},
					&cli.StringFlag{
						Name:    "master-key",
						Sources: cli.EnvVars("KMS_LOCAL_MASTER_KEY"),
						Usage:   "Hex 32-byte master key for the local provider",
					},
					&cli.StringFlag{
						Name:    "aws-key-id",
						Sources: cli.EnvVars("KMS_AWS_KEY_ID"),
						Usage:   "AWS KMS key id or ARN",
					},
					&cli.StringFlag{
						Name:    "aws-region",
						Sources: cli.EnvVars("KMS_AWS_REGION"),
						Usage:   "AWS region",
					},
					&cli.StringFlag{
						Name:    "vault-address",
						Sources: cli.EnvVars("VAULT_ADDRESS"),
						Usage:   "Vault address",
					},
					&cli.StringFlag{
						Name:    "vault-token",
						Sources: cli.EnvVars("VAULT_TOKEN"),
						Usage:   "Vault token",
					},
					&cli.StringFlag{
						Name:    "vault-transit-key",
						Sources: cli.EnvVars("VAULT_TRANSIT_KEY"),
						Usage:   "Vault Transit key name",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key, err := requirePrivateKey(cmd)
					if err != nil {
						return err
					}
					provider, err := secretstore.NewKMSProvider(ctx, &secretstore.KMSConfig{
						Provider:          cmd.String("provider"),
						LocalMasterKeyHex: cmd.String("master-key"),
						AWSKMSKeyID:       cmd.String("aws-key-id"),
						AWSKMSRegion:      cmd.String("aws-region"),
						VaultAddress:      cmd.String("vault-address"),
						VaultToken:        cmd.String("vault-token"),
						VaultTransitKey:   cmd.String("vault-transit-key"),
					})
					if err != nil {
						return err
					}
					return commands.RunEncrypt(ctx, os.Stdout, provider, key)
				},
			},
			{
				Name:  "hash-api-key",
				Usage: "Hash an API key for API_KEY_HASH",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "api-key",
						Sources:  cli.EnvVars("API_KEY"),
						Required: true,
						Usage:    "API key callers will send in X-API-Key",
					},
					&cli.IntFlag{
						Name:  "cost",
						Value: bcrypt.DefaultCost,
						Usage: "bcrypt cost",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunHashAPIKey(os.Stdout, cmd.String("api-key"), int(cmd.Int("cost")))
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("permitctl error", slog.Any("error", err))
		os.Exit(1)
	}
}
