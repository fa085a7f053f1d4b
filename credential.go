package mls

import (
	"bytes"

	"github.com/ratchetgroup/mlscore/wire"
)

// CredentialType discriminates the Credential tagged union. Basic is the
// only variant this data model names.
type CredentialType uint8

const CredentialTypeBasic CredentialType = 0

func (ct CredentialType) ValidForWire() error {
	return validateEnum(ct, CredentialTypeBasic)
}

// BasicCredential binds an identity to a signature public key.
//
//	struct {
//	    opaque identity<0..2^16-1>;
//	    SignatureScheme algorithm;
//	    SignaturePublicKey public_key;
//	} BasicCredential;
type BasicCredential struct {
	Identity        []byte
	SignatureScheme SignatureScheme
	PublicKey       SignaturePublicKey
}

//	struct {
//		CredentialType credential_type;
//		select (Credential.credential_type) {
//			case basic:
//				BasicCredential;
//		};
//	} Credential;
type Credential struct {
	Basic *BasicCredential
}

// NewBasicCredential constructs a Credential carrying a Basic variant.
func NewBasicCredential(identity []byte, scheme SignatureScheme, pub SignaturePublicKey) *Credential {
	return &Credential{Basic: &BasicCredential{
		Identity:        dup(identity),
		SignatureScheme: scheme,
		PublicKey:       pub,
	}}
}

func (c *Credential) Type() CredentialType {
	switch {
	case c.Basic != nil:
		return CredentialTypeBasic
	default:
		panic("mls.credential: malformed credential")
	}
}

func (c *Credential) Identity() []byte {
	switch c.Type() {
	case CredentialTypeBasic:
		return c.Basic.Identity
	default:
		panic("mls.credential: can't retrieve identity")
	}
}

func (c *Credential) Scheme() SignatureScheme {
	switch c.Type() {
	case CredentialTypeBasic:
		return c.Basic.SignatureScheme
	default:
		panic("mls.credential: can't retrieve signature scheme")
	}
}

func (c *Credential) PublicKey() SignaturePublicKey {
	switch c.Type() {
	case CredentialTypeBasic:
		return c.Basic.PublicKey
	default:
		panic("mls.credential: can't retrieve public key")
	}
}

// Verify dispatches signature verification to the credential's scheme.
func (c *Credential) Verify(msg, sig []byte) bool {
	return Verify(c.PublicKey(), msg, sig)
}

// Equals compares the public aspects of two credentials.
func (c *Credential) Equals(o *Credential) bool {
	if c.Type() != o.Type() {
		return false
	}
	a, b := c.Basic, o.Basic
	return bytes.Equal(a.Identity, b.Identity) &&
		a.SignatureScheme == b.SignatureScheme &&
		bytes.Equal(a.PublicKey.Data, b.PublicKey.Data)
}

// MarshalWire writes the canonical encoding of the credential.
func (c *Credential) MarshalWire(w *wire.Writer) *Error {
	w.WriteUint8(uint8(c.Type()))
	switch c.Type() {
	case CredentialTypeBasic:
		if err := w.WriteOpaque(c.Basic.Identity, 2); err != nil {
			return wrapErr(ErrCodec, "credential", err)
		}
		w.WriteUint16(uint16(c.Basic.SignatureScheme))
		if err := w.WriteOpaque(c.Basic.PublicKey.Data, 2); err != nil {
			return wrapErr(ErrCodec, "credential", err)
		}
		return nil
	default:
		return newErr(ErrCodec, "credential", "unknown credential type")
	}
}

// UnmarshalCredential reads a standalone Credential from r, rejecting any
// bytes left over once the credential is fully decoded.
func UnmarshalCredential(r *wire.Reader) (*Credential, *Error) {
	cred, err := unmarshalCredentialBody(r)
	if err != nil {
		return nil, err
	}
	if !r.Done() {
		return nil, newErr(ErrCodec, "credential", "Credential decode left trailing bytes")
	}
	return cred, nil
}

// unmarshalCredentialBody reads a Credential's fields without checking for
// trailing bytes, for use when a credential is embedded in a larger
// structure that has more fields following it on the same reader.
func unmarshalCredentialBody(r *wire.Reader) (*Credential, *Error) {
	typ, err := r.ReadUint8()
	if err != nil {
		return nil, wrapErr(ErrCodec, "credential", err)
	}

	switch CredentialType(typ) {
	case CredentialTypeBasic:
		identity, err := r.ReadOpaque(2)
		if err != nil {
			return nil, wrapErr(ErrCodec, "credential", err)
		}
		schemeRaw, err := r.ReadUint16()
		if err != nil {
			return nil, wrapErr(ErrCodec, "credential", err)
		}
		pubData, err := r.ReadOpaque(2)
		if err != nil {
			return nil, wrapErr(ErrCodec, "credential", err)
		}
		scheme := SignatureScheme(schemeRaw)
		return &Credential{Basic: &BasicCredential{
			Identity:        identity,
			SignatureScheme: scheme,
			PublicKey:       SignaturePublicKey{Scheme: scheme, Data: pubData},
		}}, nil
	default:
		return nil, wrapErr(ErrCodec, "credential", wire.UnknownVariantError(typ))
	}
}
