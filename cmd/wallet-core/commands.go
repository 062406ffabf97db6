package main

import (
	"context"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/hogyzen12/unruggable-app/pkg/config"
	"github.com/hogyzen12/unruggable-app/pkg/devicetransport"
	"github.com/hogyzen12/unruggable-app/pkg/journal"
	badgerjournal "github.com/hogyzen12/unruggable-app/pkg/journal/badger"
	"github.com/hogyzen12/unruggable-app/pkg/journal/memory"
	"github.com/hogyzen12/unruggable-app/pkg/keys"
	"github.com/hogyzen12/unruggable-app/pkg/orchestrator"
	"github.com/hogyzen12/unruggable-app/pkg/rpcclient"
	"github.com/hogyzen12/unruggable-app/pkg/signer"
	"github.com/hogyzen12/unruggable-app/pkg/submitter"
	"github.com/hogyzen12/unruggable-app/pkg/txassembly"
)

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func buildRPC(cfg config.CoreConfig, logger *zap.Logger) (*rpcclient.Client, error) {
	return rpcclient.New(rpcclient.Config{
		Endpoint:          cfg.RPCURL,
		Commitment:        cfg.Commitment,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            logger,
	})
}

func buildJournal(cfg config.CoreConfig, logger *zap.Logger) (journal.IJournal, error) {
	if cfg.JournalPath == "" {
		return memory.NewMemoryJournal(), nil
	}
	return badgerjournal.NewBadgerJournal(cfg.JournalPath, logger)
}

// buildSigner selects the signing backend: a hardware device when a port is
// configured, the encrypted keystore otherwise.
func buildSigner(c *cli.Context, cfg config.CoreConfig, logger *zap.Logger) (*signer.Signer, func(), error) {
	if cfg.DevicePort != "" {
		tcfg := devicetransport.Config{BaudRate: cfg.BaudRate, Logger: logger}
		var (
			session *devicetransport.Session
			err     error
		)
		if cfg.DevicePort == "auto" {
			session, err = devicetransport.FindAndOpen(tcfg)
		} else {
			session, err = devicetransport.Open(cfg.DevicePort, tcfg)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open hardware signer: %w", err)
		}
		hw := signer.NewHardwareSigner(session, signer.HardwareConfig{
			SignTimeout: cfg.SignTimeout,
			Logger:      logger,
		})
		return signer.NewHardware(hw), func() { _ = hw.Close() }, nil
	}

	if cfg.KeystorePath == "" {
		return nil, nil, fmt.Errorf("no signer configured: set --keystore or --device-port")
	}
	kp, err := keys.LoadKeystore(cfg.KeystorePath, c.String("password"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unlock keystore: %w", err)
	}
	return signer.NewSoftware(kp), kp.Zeroize, nil
}

func buildOrchestrator(c *cli.Context, cfg config.CoreConfig, logger *zap.Logger) (*orchestrator.Orchestrator, *rpcclient.Client, *signer.Signer, func(), error) {
	rpc, err := buildRPC(cfg, logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	jnl, err := buildJournal(cfg, logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	sgn, release, err := buildSigner(c, cfg, logger)
	if err != nil {
		_ = jnl.Close()
		return nil, nil, nil, nil, err
	}

	sub := submitter.New(rpc, submitter.Config{
		Retry: submitter.RetryConfig{
			MaxAttempts:     cfg.MaxSubmitAttempts,
			InitialBackoff:  submitter.DefaultRetryConfig.InitialBackoff,
			MaxBackoff:      submitter.DefaultRetryConfig.MaxBackoff,
			BackoffMultiple: submitter.DefaultRetryConfig.BackoffMultiple,
		},
		ConfirmTimeout: cfg.ConfirmTimeout,
		Logger:         logger,
	})

	cleanup := func() {
		release()
		_ = jnl.Close()
	}
	return orchestrator.New(jnl, sub, logger), rpc, sgn, cleanup, nil
}

func runKeygen(c *cli.Context) error {
	cfg, err := parseConfig(c)
	if err != nil {
		return err
	}
	if cfg.KeystorePath == "" {
		return fmt.Errorf("set --keystore to the output path")
	}
	password := c.String("password")
	if password == "" {
		return fmt.Errorf("set --password to encrypt the keystore")
	}
	if _, err := os.Stat(cfg.KeystorePath); err == nil {
		return fmt.Errorf("keystore %s already exists", cfg.KeystorePath)
	}

	kp, err := keys.Generate("default")
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}
	defer kp.Zeroize()

	if err := keys.SaveKeystore(cfg.KeystorePath, kp, password); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}

	fmt.Printf("Address: %s\nKeystore: %s\n", kp.Address(), cfg.KeystorePath)
	return nil
}

func runBalance(c *cli.Context) error {
	cfg, err := parseConfig(c)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	rpc, err := buildRPC(cfg, logger)
	if err != nil {
		return err
	}

	address := c.Args().First()
	if address == "" {
		sgn, release, err := buildSigner(c, cfg, logger)
		if err != nil {
			return err
		}
		defer release()
		address, err = sgn.Address(c.Context)
		if err != nil {
			return err
		}
	}

	balance, err := rpc.GetBalance(c.Context, address)
	if err != nil {
		return fmt.Errorf("failed to fetch balance: %w", err)
	}
	fmt.Printf("%s: %d lamports (%.9f SOL)\n", address, balance, float64(balance)/1e9)
	return nil
}

func runSignMessage(c *cli.Context) error {
	cfg, err := parseConfig(c)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	orch, _, sgn, cleanup, err := buildOrchestrator(c, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	res := orch.SignMessage(c.Context, &orchestrator.Request{
		Origin:  "cli",
		Signer:  sgn,
		Message: []byte(c.String("message")),
	})
	return printResult(c.Context, res, sgn)
}

func runSend(c *cli.Context) error {
	cfg, err := parseConfig(c)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	orch, rpc, sgn, cleanup, err := buildOrchestrator(c, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	dest, err := txassembly.PublicKeyFromBase58(c.String("to"))
	if err != nil {
		return fmt.Errorf("invalid destination address: %w", err)
	}
	pub, err := sgn.PublicKey(c.Context)
	if err != nil {
		return fmt.Errorf("failed to read signer public key: %w", err)
	}
	from, err := txassembly.PublicKeyFromEd25519(pub)
	if err != nil {
		return err
	}

	blockhash, err := rpc.GetLatestBlockhash(c.Context)
	if err != nil {
		return fmt.Errorf("failed to fetch blockhash: %w", err)
	}

	opts := txassembly.TransferOptions{
		// The device firmware cannot display tip transfers, so tips are a
		// software-signer feature.
		Tips:       c.Bool("tips") && sgn.Kind() == signer.Software,
		SlotWindow: cfg.SlotGuardWindow,
	}
	if cfg.SlotGuardWindow > 0 {
		slot, err := rpc.GetSlot(c.Context)
		if err != nil {
			return fmt.Errorf("failed to fetch slot for guard: %w", err)
		}
		opts.CurrentSlot = slot
	}

	tpl, err := txassembly.NewTransferTemplate(from, dest, c.Uint64("lamports"), blockhash, opts)
	if err != nil {
		return fmt.Errorf("failed to assemble transfer: %w", err)
	}

	res := orch.SignAndSubmit(c.Context, &orchestrator.Request{
		Origin:   "cli",
		Signer:   sgn,
		Template: tpl,
	})
	return printResult(c.Context, res, sgn)
}

func runConfirm(c *cli.Context) error {
	cfg, err := parseConfig(c)
	if err != nil {
		return err
	}
	sig := c.Args().First()
	if sig == "" {
		return fmt.Errorf("usage: confirm <signature>")
	}
	logger, err := buildLogger(cfg.Verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	rpc, err := buildRPC(cfg, logger)
	if err != nil {
		return err
	}
	sub := submitter.New(rpc, submitter.Config{Logger: logger})

	outcome := sub.Confirm(c.Context, sig, cfg.ConfirmTimeout)
	fmt.Printf("%s: %s\n", sig, outcome.Status)
	if outcome.Reason != "" {
		fmt.Println(outcome.Reason)
	}
	if outcome.Status != submitter.StatusConfirmed {
		return fmt.Errorf("transaction not confirmed")
	}
	return nil
}

func printResult(ctx context.Context, res orchestrator.Result, sgn *signer.Signer) error {
	switch res.Status {
	case orchestrator.StatusSigned:
		fmt.Printf("Status:    signed\nRequest:   %s\n", res.ID)
		if len(res.Signature) > 0 {
			fmt.Printf("Signature: %s\n", base58.Encode(res.Signature))
		}
		if res.TxID != "" {
			fmt.Printf("TxID:      %s\n", res.TxID)
		}
		if addr, err := sgn.Address(ctx); err == nil {
			fmt.Printf("Signer:    %s\n", addr)
		}
		return nil
	case orchestrator.StatusRejected:
		fmt.Printf("Status:  rejected\nRequest: %s\n%s\n", res.ID, res.Reason)
		return fmt.Errorf("request rejected")
	case orchestrator.StatusTimedOut:
		fmt.Printf("Status:  timed out\nRequest: %s\n%s\n", res.ID, res.Reason)
		if res.TxID != "" {
			fmt.Printf("TxID:    %s (may still land; use the confirm command)\n", res.TxID)
		}
		return fmt.Errorf("request timed out")
	default:
		fmt.Printf("Status:  failed\nRequest: %s\n%s\n", res.ID, res.Reason)
		return fmt.Errorf("request failed")
	}
}
