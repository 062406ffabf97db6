package config

import (
	"fmt"
	"net/url"
	"time"
)

// Environment variable names for wallet core configuration
const (
	EnvWalletRPCURL          = "WALLET_RPC_URL"
	EnvWalletDevicePort      = "WALLET_DEVICE_PORT"
	EnvWalletBaudRate        = "WALLET_BAUD_RATE"
	EnvWalletKeystorePath    = "WALLET_KEYSTORE_PATH"
	EnvWalletJournalPath     = "WALLET_JOURNAL_PATH"
	EnvWalletMaxAttempts     = "WALLET_MAX_SUBMIT_ATTEMPTS"
	EnvWalletConfirmTimeout  = "WALLET_CONFIRM_TIMEOUT"
	EnvWalletSignTimeout     = "WALLET_SIGN_TIMEOUT"
	EnvWalletCommitment      = "WALLET_COMMITMENT"
	EnvWalletRequestsPerSec  = "WALLET_RPC_REQUESTS_PER_SECOND"
	EnvWalletSlotGuardWindow = "WALLET_SLOT_GUARD_WINDOW"
	EnvWalletVerbose         = "WALLET_VERBOSE"
)

// CoreConfig carries everything the wallet core needs to run.
type CoreConfig struct {
	// RPCURL is the node endpoint transactions are submitted to.
	RPCURL string

	// DevicePort is the serial port of the hardware signer. Empty means
	// auto-detect by USB id, or software-only operation.
	DevicePort string

	// BaudRate for the device serial link.
	BaudRate int

	// KeystorePath is the encrypted software keypair file.
	KeystorePath string

	// JournalPath is the Badger journal directory. Empty selects the
	// in-memory journal.
	JournalPath string

	// MaxSubmitAttempts bounds broadcast retries.
	MaxSubmitAttempts int

	// ConfirmTimeout bounds confirmation polling.
	ConfirmTimeout time.Duration

	// SignTimeout bounds one hardware signing exchange.
	SignTimeout time.Duration

	// Commitment is the node commitment level for queries and preflight.
	Commitment string

	// RequestsPerSecond caps outbound RPC rate. Zero disables the cap.
	RequestsPerSecond float64

	// SlotGuardWindow is how many slots a guarded transaction stays valid.
	// Zero disables the guard instruction.
	SlotGuardWindow uint64

	// Verbose enables debug logging.
	Verbose bool
}

// DefaultCoreConfig returns the settings used when nothing is configured.
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		RPCURL:            "https://api.mainnet-beta.solana.com",
		BaudRate:          115200,
		MaxSubmitAttempts: 3,
		ConfirmTimeout:    45 * time.Second,
		SignTimeout:       60 * time.Second,
		Commitment:        "confirmed",
	}
}

// Validate validates the wallet core configuration
func (c *CoreConfig) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC URL cannot be empty")
	}
	u, err := url.Parse(c.RPCURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid RPC URL: %s", c.RPCURL)
	}

	if c.BaudRate <= 0 {
		return fmt.Errorf("baud rate must be positive, got %d", c.BaudRate)
	}

	if c.MaxSubmitAttempts < 1 {
		return fmt.Errorf("max submit attempts must be at least 1, got %d", c.MaxSubmitAttempts)
	}

	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("confirm timeout must be positive, got %s", c.ConfirmTimeout)
	}
	if c.SignTimeout <= 0 {
		return fmt.Errorf("sign timeout must be positive, got %s", c.SignTimeout)
	}

	switch c.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("unsupported commitment level: %s", c.Commitment)
	}

	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second cannot be negative, got %f", c.RequestsPerSecond)
	}

	return nil
}
