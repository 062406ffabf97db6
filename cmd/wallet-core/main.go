package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/hogyzen12/unruggable-app/pkg/config"
)

func main() {
	app := &cli.App{
		Name:  "wallet-core",
		Usage: "Solana signing and broadcast core",
		Description: `Authorizes transactions and messages with an in-memory ed25519 key or a
serial-attached hardware signer, and submits signed transactions to a
Solana JSON-RPC endpoint.

Every signing request and its terminal outcome is journaled; a transaction
handed to the core is never silently dropped.`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "rpc-url",
				Aliases: []string{"u"},
				Value:   "https://api.mainnet-beta.solana.com",
				Usage:   "JSON-RPC endpoint",
				EnvVars: []string{config.EnvWalletRPCURL},
			},
			&cli.StringFlag{
				Name:    "device-port",
				Aliases: []string{"d"},
				Usage:   "Serial port of the hardware signer (auto-detect when set to 'auto')",
				EnvVars: []string{config.EnvWalletDevicePort},
			},
			&cli.IntFlag{
				Name:    "baud-rate",
				Value:   115200,
				Usage:   "Serial baud rate",
				EnvVars: []string{config.EnvWalletBaudRate},
			},
			&cli.StringFlag{
				Name:    "keystore",
				Aliases: []string{"k"},
				Usage:   "Encrypted keypair file for software signing",
				EnvVars: []string{config.EnvWalletKeystorePath},
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "Keystore password",
				EnvVars: []string{"WALLET_KEYSTORE_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "journal-path",
				Usage:   "Durable journal directory (in-memory when empty)",
				EnvVars: []string{config.EnvWalletJournalPath},
			},
			&cli.StringFlag{
				Name:    "commitment",
				Value:   "confirmed",
				Usage:   "Commitment level: processed, confirmed, finalized",
				EnvVars: []string{config.EnvWalletCommitment},
			},
			&cli.IntFlag{
				Name:    "max-attempts",
				Value:   3,
				Usage:   "Maximum broadcast attempts",
				EnvVars: []string{config.EnvWalletMaxAttempts},
			},
			&cli.Uint64Flag{
				Name:    "slot-guard-window",
				Usage:   "Slots a guarded transaction stays valid (0 disables the guard)",
				EnvVars: []string{config.EnvWalletSlotGuardWindow},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvWalletVerbose},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "keygen",
				Usage:  "Generate a keypair and write it to the keystore",
				Action: runKeygen,
			},
			{
				Name:      "balance",
				Usage:     "Show an account's lamport balance",
				ArgsUsage: "[address]",
				Action:    runBalance,
			},
			{
				Name:   "sign-message",
				Usage:  "Sign arbitrary bytes and print the signature",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "message", Aliases: []string{"m"}, Required: true, Usage: "Message to sign"},
				},
				Action: runSignMessage,
			},
			{
				Name:  "send",
				Usage: "Transfer lamports and wait for confirmation",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Required: true, Usage: "Destination address"},
					&cli.Uint64Flag{Name: "lamports", Required: true, Usage: "Amount in lamports"},
					&cli.BoolFlag{Name: "tips", Usage: "Add priority tip transfers"},
				},
				Action: runSend,
			},
			{
				Name:      "confirm",
				Usage:     "Poll a submitted transaction until it confirms",
				ArgsUsage: "<signature>",
				Action:    runConfirm,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func parseConfig(c *cli.Context) (config.CoreConfig, error) {
	cfg := config.DefaultCoreConfig()
	cfg.RPCURL = c.String("rpc-url")
	cfg.DevicePort = c.String("device-port")
	cfg.BaudRate = c.Int("baud-rate")
	cfg.KeystorePath = c.String("keystore")
	cfg.JournalPath = c.String("journal-path")
	cfg.Commitment = c.String("commitment")
	cfg.MaxSubmitAttempts = c.Int("max-attempts")
	cfg.SlotGuardWindow = c.Uint64("slot-guard-window")
	cfg.Verbose = c.Bool("verbose")

	if err := cfg.Validate(); err != nil {
		return config.CoreConfig{}, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}
