package mls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// CipherSuite fixes the DH group, signature scheme, hash, and AEAD used by
// every operation in a group.
type CipherSuite uint16

const (
	P256_SHA256_AES128GCM   CipherSuite = 0x0000
	X25519_SHA256_AES128GCM CipherSuite = 0x0001
)

func (cs CipherSuite) ValidForWire() error {
	return validateEnum(cs, P256_SHA256_AES128GCM, X25519_SHA256_AES128GCM)
}

// SignatureScheme identifies the signing algorithm paired with a suite.
type SignatureScheme uint16

const (
	ECDSA_SECP256R1_SHA256 SignatureScheme = 0x0403
	Ed25519Scheme          SignatureScheme = 0x0807
)

// ProtocolVersion identifies the wire protocol version.
type ProtocolVersion uint8

const MLS10 ProtocolVersion = 0xFF

// SignatureScheme returns the signature algorithm bound to this suite.
func (cs CipherSuite) SignatureScheme() SignatureScheme {
	switch cs {
	case P256_SHA256_AES128GCM:
		return ECDSA_SECP256R1_SHA256
	case X25519_SHA256_AES128GCM:
		return Ed25519Scheme
	default:
		return 0
	}
}

func (cs CipherSuite) curve() (ecdh.Curve, *Error) {
	switch cs {
	case P256_SHA256_AES128GCM:
		return ecdh.P256(), nil
	case X25519_SHA256_AES128GCM:
		return ecdh.X25519(), nil
	default:
		return nil, newErr(ErrUnknownSuite, "ciphersuite", "unsupported cipher suite %#04x", uint16(cs))
	}
}

const (
	hashSize  = sha256.Size
	keySize   = 16 // AES-128-GCM
	nonceSize = 12
)

func (cs CipherSuite) HashSize() int  { return hashSize }
func (cs CipherSuite) KeySize() int   { return keySize }
func (cs CipherSuite) NonceSize() int { return nonceSize }

// Digest returns SHA-256 over the concatenation of its arguments.
func (cs CipherSuite) Digest(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// HKDFExtract implements kdf_extract(salt, ikm) -> prk.
func (cs CipherSuite) HKDFExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

// hkdfLabel builds the {length:u16, opaque<1,7> = "mls10 " + label, context}
// structure that HKDFExpandLabel hashes as HKDF's info parameter.
func hkdfLabel(length int, label string, context []byte) []byte {
	fullLabel := append([]byte("mls10 "), []byte(label)...)

	buf := make([]byte, 0, 2+1+len(fullLabel)+4+len(context))
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(length))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, byte(len(fullLabel)))
	buf = append(buf, fullLabel...)
	var ctxLen [4]byte
	binary.BigEndian.PutUint32(ctxLen[:], uint32(len(context)))
	buf = append(buf, ctxLen[:]...)
	buf = append(buf, context...)
	return buf
}

// HKDFExpandLabel implements kdf_expand_label(prk, label, length, context).
// The key schedule and ECIES callers request at most a hash-length output
// (a single HMAC block); KeyScheduleEpoch.Export passes its caller's length
// through, and HKDF-Expand produces as many blocks as that needs.
func (cs CipherSuite) HKDFExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	info := hkdfLabel(length, label, context)
	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, info)
	if _, err := io.ReadFull(r, out); err != nil {
		panic("mls.ciphersuite: hkdf expand failed: " + err.Error())
	}
	return out
}

// DeriveSecret is shorthand for HKDFExpandLabel(secret, label, context,
// suite hash size).
func (cs CipherSuite) DeriveSecret(secret []byte, label string, context []byte) []byte {
	return cs.HKDFExpandLabel(secret, label, context, cs.HashSize())
}

// HMAC computes HMAC-SHA256(key, msg), used to bind a Handshake's
// confirmation to its epoch's confirmation_key and transcript hash.
func (cs CipherSuite) HMAC(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// NewAEAD constructs the suite's AEAD (AES-128-GCM) over key.
func (cs CipherSuite) NewAEAD(key []byte) (cipher.AEAD, *Error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, wrapErr(ErrCrypto, "ciphersuite", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, wrapErr(ErrCrypto, "ciphersuite", err)
	}
	return aead, nil
}

// HPKEPrivateKey / HPKEPublicKey are the DH key-pair types used for tree
// nodes and init keys, wrapping the suite's crypto/ecdh curve.
type HPKEPrivateKey struct {
	Suite CipherSuite
	priv  *ecdh.PrivateKey
}

type HPKEPublicKey struct {
	Suite CipherSuite
	pub   *ecdh.PublicKey
}

// Data returns the wire encoding of the public key (the curve's native
// point/scalar encoding: uncompressed SEC1 for P-256, 32 raw bytes for
// X25519).
func (pk *HPKEPublicKey) Data() []byte {
	return pk.pub.Bytes()
}

func (pk *HPKEPrivateKey) PublicKey() *HPKEPublicKey {
	return &HPKEPublicKey{Suite: pk.Suite, pub: pk.priv.PublicKey()}
}

func (cs CipherSuite) ParseHPKEPublicKey(data []byte) (*HPKEPublicKey, *Error) {
	curve, cerr := cs.curve()
	if cerr != nil {
		return nil, cerr
	}
	pub, err := curve.NewPublicKey(data)
	if err != nil {
		return nil, wrapErr(ErrCrypto, "ciphersuite", err)
	}
	return &HPKEPublicKey{Suite: cs, pub: pub}, nil
}

// GenerateKeyPair produces a fresh DH key pair for the suite, reading
// entropy from rnd (crypto/rand.Reader by default; test code may inject a
// deterministic reader per the randomness seam). The scalar is read from
// rnd directly, 32 bytes per attempt, retrying while it is not a valid
// scalar for the curve.
func (cs CipherSuite) GenerateKeyPair(rnd io.Reader) (*HPKEPrivateKey, *HPKEPublicKey, *Error) {
	curve, cerr := cs.curve()
	if cerr != nil {
		return nil, nil, cerr
	}
	scalar := make([]byte, 32)
	for attempt := 0; attempt < 256; attempt++ {
		if _, err := io.ReadFull(rnd, scalar); err != nil {
			return nil, nil, wrapErr(ErrCrypto, "ciphersuite", err)
		}
		priv, err := curve.NewPrivateKey(scalar)
		if err != nil {
			continue
		}
		sk := &HPKEPrivateKey{Suite: cs, priv: priv}
		return sk, sk.PublicKey(), nil
	}
	return nil, nil, newErr(ErrCrypto, "ciphersuite", "could not generate a valid key pair from rnd")
}

// DeriveKeyPair computes derive_key_pair(suite, seed): hash the seed into
// the group's scalar space and retry with an incrementing counter until a
// valid scalar is found (needed for P-256, whose scalar space is not every
// 32-byte string; X25519 always succeeds on the first try).
func (cs CipherSuite) DeriveKeyPair(seed []byte) (*HPKEPrivateKey, *HPKEPublicKey, *Error) {
	curve, cerr := cs.curve()
	if cerr != nil {
		return nil, nil, cerr
	}

	domainSep := []byte("mls10 hash-to-group")
	for counter := 0; counter < 256; counter++ {
		h := sha256.New()
		h.Write(domainSep)
		h.Write(seed)
		h.Write([]byte{byte(counter)})
		scalar := h.Sum(nil)

		priv, err := curve.NewPrivateKey(scalar)
		if err != nil {
			continue
		}
		sk := &HPKEPrivateKey{Suite: cs, priv: priv}
		return sk, sk.PublicKey(), nil
	}

	return nil, nil, newErr(ErrCrypto, "ciphersuite", "could not derive a valid key pair from seed")
}

// Seal implements hpke_seal: generate an ephemeral key pair, ECDH with pk,
// derive (key, nonce) via the ECIES labels, and AEAD-seal pt with empty
// AAD.
func (cs CipherSuite) Seal(pk *HPKEPublicKey, pt []byte, rnd io.Reader) (*HPKEPublicKey, []byte, *Error) {
	ephPriv, ephPub, err := cs.GenerateKeyPair(rnd)
	if err != nil {
		return nil, nil, err
	}

	shared, derr := ephPriv.priv.ECDH(pk.pub)
	if derr != nil {
		return nil, nil, wrapErr(ErrCrypto, "ciphersuite", derr)
	}

	key, nonce := cs.deriveECIESSecrets(shared)
	aead, aerr := cs.NewAEAD(key)
	if aerr != nil {
		return nil, nil, aerr
	}

	ct := aead.Seal(nil, nonce, pt, nil)
	return ephPub, ct, nil
}

// Open implements hpke_open, the inverse of Seal.
func (cs CipherSuite) Open(sk *HPKEPrivateKey, ephPub *HPKEPublicKey, ct []byte) ([]byte, *Error) {
	shared, derr := sk.priv.ECDH(ephPub.pub)
	if derr != nil {
		return nil, wrapErr(ErrCrypto, "ciphersuite", derr)
	}

	key, nonce := cs.deriveECIESSecrets(shared)
	aead, aerr := cs.NewAEAD(key)
	if aerr != nil {
		return nil, aerr
	}

	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, wrapErr(ErrCrypto, "ciphersuite", err)
	}
	return pt, nil
}

func (cs CipherSuite) deriveECIESSecrets(shared []byte) (key, nonce []byte) {
	key = cs.HKDFExpandLabel(shared, "ecies key", nil, cs.KeySize())
	nonce = cs.HKDFExpandLabel(shared, "ecies nonce", nil, cs.NonceSize())
	return key, nonce
}

// SignaturePrivateKey / SignaturePublicKey are the signing key-pair types
// bound to a credential, dispatching per-suite to ECDSA-P256 or Ed25519.
type SignaturePrivateKey struct {
	Scheme SignatureScheme
	ecPriv *ecdsa.PrivateKey
	edPriv ed25519.PrivateKey
}

type SignaturePublicKey struct {
	Scheme SignatureScheme
	Data   []byte
}

func (sk *SignaturePrivateKey) PublicKey() SignaturePublicKey {
	switch sk.Scheme {
	case ECDSA_SECP256R1_SHA256:
		data := elliptic.Marshal(sk.ecPriv.Curve, sk.ecPriv.PublicKey.X, sk.ecPriv.PublicKey.Y)
		return SignaturePublicKey{Scheme: sk.Scheme, Data: data}
	case Ed25519Scheme:
		return SignaturePublicKey{Scheme: sk.Scheme, Data: dup(sk.edPriv.Public().(ed25519.PublicKey))}
	default:
		panic("mls.ciphersuite: unknown signature scheme")
	}
}

// GenerateSignatureKeyPair produces a fresh signing key pair for scheme.
func GenerateSignatureKeyPair(scheme SignatureScheme, rnd io.Reader) (*SignaturePrivateKey, *Error) {
	switch scheme {
	case ECDSA_SECP256R1_SHA256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rnd)
		if err != nil {
			return nil, wrapErr(ErrCrypto, "ciphersuite", err)
		}
		return &SignaturePrivateKey{Scheme: scheme, ecPriv: priv}, nil
	case Ed25519Scheme:
		_, priv, err := ed25519.GenerateKey(rnd)
		if err != nil {
			return nil, wrapErr(ErrCrypto, "ciphersuite", err)
		}
		return &SignaturePrivateKey{Scheme: scheme, edPriv: priv}, nil
	default:
		return nil, newErr(ErrUnknownSuite, "ciphersuite", "unsupported signature scheme %#04x", uint16(scheme))
	}
}

// Sign produces a signature over msg with sk.
func Sign(sk *SignaturePrivateKey, msg []byte) ([]byte, *Error) {
	switch sk.Scheme {
	case ECDSA_SECP256R1_SHA256:
		digest := sha256.Sum256(msg)
		sig, err := ecdsa.SignASN1(rand.Reader, sk.ecPriv, digest[:])
		if err != nil {
			return nil, wrapErr(ErrCrypto, "ciphersuite", err)
		}
		return sig, nil
	case Ed25519Scheme:
		return ed25519.Sign(sk.edPriv, msg), nil
	default:
		return nil, newErr(ErrUnknownSuite, "ciphersuite", "unsupported signature scheme %#04x", uint16(sk.Scheme))
	}
}

// Verify checks sig over msg against pk.
func Verify(pk SignaturePublicKey, msg, sig []byte) bool {
	switch pk.Scheme {
	case ECDSA_SECP256R1_SHA256:
		x, y := elliptic.Unmarshal(elliptic.P256(), pk.Data)
		if x == nil {
			return false
		}
		ecPub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
		digest := sha256.Sum256(msg)
		return ecdsa.VerifyASN1(ecPub, digest[:], sig)
	case Ed25519Scheme:
		if len(pk.Data) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pk.Data), msg, sig)
	default:
		return false
	}
}
