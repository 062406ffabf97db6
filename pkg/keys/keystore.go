package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"
)

// ScryptParams are the key-derivation parameters stored alongside the
// ciphertext so decryption survives future default changes.
type ScryptParams struct {
	N     int    `json:"n"`
	R     int    `json:"r"`
	P     int    `json:"p"`
	DKLen int    `json:"dklen"`
	Salt  string `json:"salt"`
}

// DefaultScryptParams returns interactive-strength scrypt parameters.
func DefaultScryptParams() ScryptParams {
	return ScryptParams{N: 1 << 15, R: 8, P: 1, DKLen: 32}
}

// EncryptedKey is the keystore envelope written to disk. The layout follows
// the keystore-v3 shape: AES-128-CTR ciphertext, scrypt KDF parameters, and
// a MAC over the second half of the derived key plus the ciphertext.
type EncryptedKey struct {
	Version int    `json:"version"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Crypto  struct {
		Cipher       string `json:"cipher"`
		Ciphertext   string `json:"ciphertext"`
		CipherParams struct {
			IV string `json:"iv"`
		} `json:"cipherparams"`
		KDF       string       `json:"kdf"`
		KDFParams ScryptParams `json:"kdfparams"`
		MAC       string       `json:"mac"`
	} `json:"crypto"`
}

const keystoreVersion = 3

// ErrWrongPassword reports a MAC mismatch during decryption.
var ErrWrongPassword = errors.New("keys: wrong password")

// ErrInvalidKeystore reports a structurally malformed envelope: a bad IV,
// out-of-range KDF parameters, or a derived key too short to split into
// cipher and MAC halves.
var ErrInvalidKeystore = errors.New("keys: invalid keystore envelope")

// Upper bound on the scrypt work factor a loaded envelope may request.
// Anything beyond this is a corrupt or hostile file, not a real keystore.
const maxScryptN = 1 << 24

// validate rejects parameter combinations that would panic inside the
// cipher or derive an unusably short key. Scrypt itself requires N to be a
// power of two greater than one.
func (p ScryptParams) validate() error {
	if p.N <= 1 || p.N > maxScryptN || p.N&(p.N-1) != 0 {
		return errors.Wrapf(ErrInvalidKeystore, "scrypt n %d", p.N)
	}
	if p.R <= 0 || p.P <= 0 {
		return errors.Wrapf(ErrInvalidKeystore, "scrypt r=%d p=%d", p.R, p.P)
	}
	if p.DKLen < 32 {
		return errors.Wrapf(ErrInvalidKeystore, "derived key length %d, need at least 32", p.DKLen)
	}
	return nil
}

// Encrypt seals a keypair under a password.
func Encrypt(kp *Keypair, password string) (*EncryptedKey, error) {
	material, err := kp.bytes()
	if err != nil {
		return nil, err
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "generate salt")
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "generate iv")
	}

	params := DefaultScryptParams()
	params.Salt = hex.EncodeToString(salt)

	derived, err := scrypt.Key([]byte(password), salt, params.N, params.R, params.P, params.DKLen)
	if err != nil {
		return nil, errors.Wrap(err, "derive key")
	}

	ciphertext, err := runCTR(derived[:16], iv, material)
	if err != nil {
		return nil, err
	}
	mac := computeMAC(derived[16:32], ciphertext)

	ek := &EncryptedKey{
		Version: keystoreVersion,
		ID:      uuid.New().String(),
		Name:    kp.Name(),
		Address: kp.Address(),
	}
	ek.Crypto.Cipher = "aes-128-ctr"
	ek.Crypto.Ciphertext = hex.EncodeToString(ciphertext)
	ek.Crypto.CipherParams.IV = hex.EncodeToString(iv)
	ek.Crypto.KDF = "scrypt"
	ek.Crypto.KDFParams = params
	ek.Crypto.MAC = hex.EncodeToString(mac)
	return ek, nil
}

// Decrypt opens a keystore envelope. A wrong password fails the MAC check
// before any plaintext is produced.
func Decrypt(ek *EncryptedKey, password string) (*Keypair, error) {
	if ek.Version != keystoreVersion {
		return nil, errors.Errorf("keys: unsupported keystore version %d", ek.Version)
	}
	if ek.Crypto.KDF != "scrypt" {
		return nil, errors.Errorf("keys: unsupported kdf %q", ek.Crypto.KDF)
	}

	salt, err := hex.DecodeString(ek.Crypto.KDFParams.Salt)
	if err != nil {
		return nil, errors.Wrap(err, "decode salt")
	}
	iv, err := hex.DecodeString(ek.Crypto.CipherParams.IV)
	if err != nil {
		return nil, errors.Wrap(err, "decode iv")
	}
	ciphertext, err := hex.DecodeString(ek.Crypto.Ciphertext)
	if err != nil {
		return nil, errors.Wrap(err, "decode ciphertext")
	}
	wantMAC, err := hex.DecodeString(ek.Crypto.MAC)
	if err != nil {
		return nil, errors.Wrap(err, "decode mac")
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.Wrapf(ErrInvalidKeystore, "iv length %d, want %d", len(iv), aes.BlockSize)
	}

	p := ek.Crypto.KDFParams
	if err := p.validate(); err != nil {
		return nil, err
	}
	derived, err := scrypt.Key([]byte(password), salt, p.N, p.R, p.P, p.DKLen)
	if err != nil {
		return nil, errors.Wrap(err, "derive key")
	}

	mac := computeMAC(derived[16:32], ciphertext)
	if subtle.ConstantTimeCompare(mac, wantMAC) != 1 {
		return nil, ErrWrongPassword
	}

	material, err := runCTR(derived[:16], iv, ciphertext)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range material {
			material[i] = 0
		}
	}()

	return FromBytes(material, ek.Name)
}

// LoadKeystore reads and decrypts a keystore file.
func LoadKeystore(path, password string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read keystore %s", path)
	}
	var ek EncryptedKey
	if err := json.Unmarshal(data, &ek); err != nil {
		return nil, errors.Wrap(err, "parse keystore")
	}
	return Decrypt(&ek, password)
}

// SaveKeystore encrypts a keypair and writes the envelope to path with
// owner-only permissions.
func SaveKeystore(path string, kp *Keypair, password string) error {
	ek, err := Encrypt(kp, password)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(ek, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal keystore")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "write keystore %s", path)
	}
	return nil
}

// runCTR applies AES-128-CTR, which is its own inverse.
func runCTR(key, iv, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out, in)
	return out, nil
}

// computeMAC is SHA-256 over the MAC key and the ciphertext.
func computeMAC(key, ciphertext []byte) []byte {
	h := sha256.New()
	h.Write(key)
	h.Write(ciphertext)
	return h.Sum(nil)
}
