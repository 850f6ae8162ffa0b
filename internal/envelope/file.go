package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ezoterikus/ezo-go/internal/kdf"
)

// FormatVersion is the current on-disk envelope version.
const FormatVersion = 2

// KDFHeader records how the file key was derived.
type KDFHeader struct {
	Name        string `json:"name"`
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memoryKiB"`
	Parallelism uint8  `json:"parallelism"`
	Version     int    `json:"version"`
	SaltBase64  string `json:"saltBase64"`
}

// File is the persisted form of a sealed vault.
type File struct {
	FormatVersion    int        `json:"formatVersion"`
	Handle           string     `json:"handle"`
	KDF              *KDFHeader `json:"kdf"`
	NonceBase64      string     `json:"nonceBase64"`
	CiphertextBase64 string     `json:"ciphertextBase64"`

	salt, nonce, ciphertext []byte
}

// NewFile assembles a File from raw parts.
func NewFile(handle string, p kdf.Params, salt, nonce, ciphertext []byte) *File {
	return &File{
		FormatVersion: FormatVersion,
		Handle:        handle,
		KDF: &KDFHeader{
			Name:        kdf.Name,
			Time:        p.Time,
			MemoryKiB:   p.MemoryKiB,
			Parallelism: p.Parallelism,
			Version:     p.Version,
			SaltBase64:  base64.StdEncoding.EncodeToString(salt),
		},
		NonceBase64:      base64.StdEncoding.EncodeToString(nonce),
		CiphertextBase64: base64.StdEncoding.EncodeToString(ciphertext),
		salt:             salt,
		nonce:            nonce,
		ciphertext:       ciphertext,
	}
}

// Marshal encodes f as JSON.
func (f *File) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Params returns the KDF parameters recorded in f.
func (f *File) Params() kdf.Params {
	return kdf.Params{
		Time:        f.KDF.Time,
		MemoryKiB:   f.KDF.MemoryKiB,
		Parallelism: f.KDF.Parallelism,
		Version:     f.KDF.Version,
	}
}

// Salt returns the decoded KDF salt.
func (f *File) Salt() []byte { return f.salt }

// Nonce returns the decoded GCM nonce.
func (f *File) Nonce() []byte { return f.nonce }

// Ciphertext returns the decoded ciphertext including the tag.
func (f *File) Ciphertext() []byte { return f.ciphertext }

// rawFile accepts both the current field names and the older short ones
// (v, name, ivB64, ctB64, kdf.t/m/p/saltB64).
type rawFile struct {
	FormatVersion    int     `json:"formatVersion"`
	V                int     `json:"v"`
	Handle           string  `json:"handle"`
	Name             string  `json:"name"`
	KDF              *rawKDF `json:"kdf"`
	NonceBase64      string  `json:"nonceBase64"`
	IVB64            string  `json:"ivB64"`
	CiphertextBase64 string  `json:"ciphertextBase64"`
	CTB64            string  `json:"ctB64"`
}

type rawKDF struct {
	Name        string `json:"name"`
	Time        uint32 `json:"time"`
	T           uint32 `json:"t"`
	MemoryKiB   uint32 `json:"memoryKiB"`
	M           uint32 `json:"m"`
	Parallelism uint8  `json:"parallelism"`
	P           uint8  `json:"p"`
	Version     int    `json:"version"`
	SaltBase64  string `json:"saltBase64"`
	SaltB64     string `json:"saltB64"`
}

// Defaults applied to older files that omit a cost parameter.
const (
	legacyTime      = 3
	legacyMemoryKiB = 64 * 1024
)

// Parse decodes and structurally validates a persisted envelope. Any
// problem is reported as ErrMalformedEnvelope.
func Parse(data []byte) (*File, error) {
	var raw rawFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if raw.KDF == nil {
		return nil, fmt.Errorf("%w: missing kdf header", ErrMalformedEnvelope)
	}
	if !strings.EqualFold(raw.KDF.Name, kdf.Name) {
		return nil, fmt.Errorf("%w: unsupported kdf %q", ErrMalformedEnvelope, raw.KDF.Name)
	}

	f := &File{
		FormatVersion: firstNonZero(raw.FormatVersion, raw.V, FormatVersion),
		Handle:        firstString(raw.Handle, raw.Name),
		KDF: &KDFHeader{
			Name:        kdf.Name,
			Time:        firstNonZero(raw.KDF.Time, raw.KDF.T, legacyTime),
			MemoryKiB:   firstNonZero(raw.KDF.MemoryKiB, raw.KDF.M, legacyMemoryKiB),
			Parallelism: firstNonZero(raw.KDF.Parallelism, raw.KDF.P, 1),
			Version:     firstNonZero(raw.KDF.Version, kdf.Version),
			SaltBase64:  firstString(raw.KDF.SaltBase64, raw.KDF.SaltB64),
		},
		NonceBase64:      firstString(raw.NonceBase64, raw.IVB64),
		CiphertextBase64: firstString(raw.CiphertextBase64, raw.CTB64),
	}

	var err error
	if f.salt, err = decodeField("salt", f.KDF.SaltBase64); err != nil {
		return nil, err
	}
	if len(f.salt) < kdf.MinSaltSize {
		return nil, fmt.Errorf("%w: salt is %d bytes", ErrMalformedEnvelope, len(f.salt))
	}
	if f.nonce, err = decodeField("nonce", f.NonceBase64); err != nil {
		return nil, err
	}
	if len(f.nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce is %d bytes", ErrMalformedEnvelope, len(f.nonce))
	}
	if f.ciphertext, err = decodeField("ciphertext", f.CiphertextBase64); err != nil {
		return nil, err
	}
	if len(f.ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrMalformedEnvelope)
	}
	return f, nil
}

func decodeField(name, s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, name)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, name, err)
	}
	return b, nil
}

func firstNonZero[T uint8 | uint32 | int](vs ...T) T {
	for _, v := range vs {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstString(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
