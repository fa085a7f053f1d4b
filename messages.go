package mls

import (
	"io"

	"github.com/ratchetgroup/mlscore/wire"
)

// UserInitKey is a prospective member's pre-published, signed bundle of
// init public keys, one per supported cipher suite.
//
//	UserInitKey := {
//	  user_init_key_id  : opaque<1>
//	  supported_versions: vector<ProtocolVersion, 1>
//	  cipher_suites     : vector<CipherSuite, 1>
//	  init_keys         : vector<opaque<2>, 2>      // one per suite, same order
//	  credential        : Credential
//	  signature         : opaque<2>                 // over all prior fields
//	}
type UserInitKey struct {
	UserInitKeyID     []byte
	SupportedVersions []ProtocolVersion
	CipherSuites      []CipherSuite
	InitKeys          [][]byte
	Credential        *Credential
	Signature         []byte
}

// FindInitKey pairs suite with the InitKeys entry at the same index as
// suite's entry in CipherSuites. Decode enforces len(InitKeys) ==
// len(CipherSuites), so this lookup can never desynchronize at runtime.
func (uik *UserInitKey) FindInitKey(suite CipherSuite) ([]byte, bool) {
	for i, s := range uik.CipherSuites {
		if s == suite {
			return uik.InitKeys[i], true
		}
	}
	return nil, false
}

func (uik *UserInitKey) marshalUnsigned(w *wire.Writer) *Error {
	if err := w.WriteOpaque(uik.UserInitKeyID, 1); err != nil {
		return wrapErr(ErrCodec, "messages", err)
	}
	if err := w.WriteVector(1, func(inner *wire.Writer) {
		for _, v := range uik.SupportedVersions {
			inner.WriteUint8(uint8(v))
		}
	}); err != nil {
		return wrapErr(ErrCodec, "messages", err)
	}
	if err := w.WriteVector(1, func(inner *wire.Writer) {
		for _, s := range uik.CipherSuites {
			inner.WriteUint16(uint16(s))
		}
	}); err != nil {
		return wrapErr(ErrCodec, "messages", err)
	}

	var werr *Error
	if err := w.WriteVector(2, func(inner *wire.Writer) {
		for _, k := range uik.InitKeys {
			if e := inner.WriteOpaque(k, 2); e != nil {
				werr = wrapErr(ErrCodec, "messages", e)
			}
		}
	}); err != nil {
		return wrapErr(ErrCodec, "messages", err)
	}
	if werr != nil {
		return werr
	}

	if uik.Credential == nil {
		return newErr(ErrInvalidParameter, "messages", "UserInitKey has no credential")
	}
	return uik.Credential.MarshalWire(w)
}

// ToBeSigned returns the canonical encoding of every field except
// Signature.
func (uik *UserInitKey) ToBeSigned() ([]byte, *Error) {
	w := wire.NewWriter()
	if err := uik.marshalUnsigned(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Sign sets Credential and Signature.
func (uik *UserInitKey) Sign(sk *SignaturePrivateKey, cred *Credential) *Error {
	uik.Credential = cred
	tbs, err := uik.ToBeSigned()
	if err != nil {
		return err
	}
	sig, serr := Sign(sk, tbs)
	if serr != nil {
		return serr
	}
	uik.Signature = sig
	return nil
}

// Verify checks Signature against Credential.
func (uik *UserInitKey) Verify() bool {
	if uik.Credential == nil {
		return false
	}
	tbs, err := uik.ToBeSigned()
	if err != nil {
		return false
	}
	return uik.Credential.Verify(tbs, uik.Signature)
}

// MarshalWire writes the full UserInitKey, including Signature.
func (uik *UserInitKey) MarshalWire(w *wire.Writer) *Error {
	if err := uik.marshalUnsigned(w); err != nil {
		return err
	}
	if err := w.WriteOpaque(uik.Signature, 2); err != nil {
		return wrapErr(ErrCodec, "messages", err)
	}
	return nil
}

// UnmarshalUserInitKey reads a UserInitKey, enforcing
// len(InitKeys) == len(CipherSuites) (the decided resolution of the
// find_init_key pairing Open Question).
func UnmarshalUserInitKey(r *wire.Reader) (*UserInitKey, *Error) {
	uik, err := unmarshalUserInitKeyBody(r)
	if err != nil {
		return nil, err
	}
	if !r.Done() {
		return nil, newErr(ErrCodec, "messages", "UserInitKey decode left trailing bytes")
	}
	return uik, nil
}

// unmarshalUserInitKeyBody reads a UserInitKey's fields without checking
// for trailing bytes, for use when a UserInitKey is embedded in a larger
// structure (an Add operation) that has more fields following it on the
// same reader.
func unmarshalUserInitKeyBody(r *wire.Reader) (*UserInitKey, *Error) {
	uik := &UserInitKey{}

	id, err := r.ReadOpaque(1)
	if err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}
	uik.UserInitKeyID = id

	versVec, err := r.ReadVector(1)
	if err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}
	for !versVec.Done() {
		v, verr := versVec.ReadUint8()
		if verr != nil {
			return nil, wrapErr(ErrCodec, "messages", verr)
		}
		uik.SupportedVersions = append(uik.SupportedVersions, ProtocolVersion(v))
	}

	suiteVec, err := r.ReadVector(1)
	if err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}
	for !suiteVec.Done() {
		s, serr := suiteVec.ReadUint16()
		if serr != nil {
			return nil, wrapErr(ErrCodec, "messages", serr)
		}
		uik.CipherSuites = append(uik.CipherSuites, CipherSuite(s))
	}

	keysVec, err := r.ReadVector(2)
	if err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}
	for !keysVec.Done() {
		k, kerr := keysVec.ReadOpaque(2)
		if kerr != nil {
			return nil, wrapErr(ErrCodec, "messages", kerr)
		}
		uik.InitKeys = append(uik.InitKeys, k)
	}

	if len(uik.InitKeys) != len(uik.CipherSuites) {
		return nil, newErr(ErrCodec, "messages", "init_keys length %d does not match cipher_suites length %d", len(uik.InitKeys), len(uik.CipherSuites))
	}

	cred, cerr := unmarshalCredentialBody(r)
	if cerr != nil {
		return nil, cerr
	}
	uik.Credential = cred

	sig, serr := r.ReadOpaque(2)
	if serr != nil {
		return nil, wrapErr(ErrCodec, "messages", serr)
	}
	uik.Signature = sig

	return uik, nil
}

// WelcomeInfo is a snapshot of the group state at one epoch, sent to a
// new member encrypted inside a Welcome (State.Add sends the post-Add
// epoch's snapshot) and hashed into Add.WelcomeInfoHash (the pre-Add
// snapshot).
//
//	WelcomeInfo := { version:u8, group_id:opaque<1>, epoch:u32,
//	                 roster:vector<optional(Credential), 4>,
//	                 tree:vector<optional(RatchetNode), 4>,
//	                 transcript_hash:opaque<1>, init_secret:opaque<1> }
type WelcomeInfo struct {
	Version        ProtocolVersion
	GroupID        []byte
	Epoch          uint32
	Roster         *Roster
	Tree           *RatchetTree
	TranscriptHash []byte
	InitSecret     []byte
}

// MarshalWire writes the canonical encoding of the WelcomeInfo.
func (wi *WelcomeInfo) MarshalWire(w *wire.Writer) *Error {
	w.WriteUint8(uint8(wi.Version))
	if err := w.WriteOpaque(wi.GroupID, 1); err != nil {
		return wrapErr(ErrCodec, "messages", err)
	}
	w.WriteUint32(wi.Epoch)
	if err := wi.Roster.MarshalWire(w); err != nil {
		return err
	}
	if err := wi.Tree.MarshalWire(w); err != nil {
		return err
	}
	if err := w.WriteOpaque(wi.TranscriptHash, 1); err != nil {
		return wrapErr(ErrCodec, "messages", err)
	}
	if err := w.WriteOpaque(wi.InitSecret, 1); err != nil {
		return wrapErr(ErrCodec, "messages", err)
	}
	return nil
}

// UnmarshalWelcomeInfo reads a WelcomeInfo for suite.
func UnmarshalWelcomeInfo(suite CipherSuite, r *wire.Reader) (*WelcomeInfo, *Error) {
	version, err := r.ReadUint8()
	if err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}
	groupID, err := r.ReadOpaque(1)
	if err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}
	epoch, err := r.ReadUint32()
	if err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}
	roster, rerr := unmarshalRosterBody(r)
	if rerr != nil {
		return nil, rerr
	}
	tree, terr := unmarshalRatchetTreeBody(suite, r)
	if terr != nil {
		return nil, terr
	}
	transcriptHash, err := r.ReadOpaque(1)
	if err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}
	initSecret, err := r.ReadOpaque(1)
	if err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}

	return &WelcomeInfo{
		Version:        ProtocolVersion(version),
		GroupID:        groupID,
		Epoch:          epoch,
		Roster:         roster,
		Tree:           tree,
		TranscriptHash: transcriptHash,
		InitSecret:     initSecret,
	}, nil
}

// Hash returns the suite's digest of the WelcomeInfo's canonical encoding,
// used as Add's welcome_info_hash.
func (wi *WelcomeInfo) Hash(suite CipherSuite) ([]byte, *Error) {
	w := wire.NewWriter()
	if err := wi.MarshalWire(w); err != nil {
		return nil, err
	}
	return suite.Digest(w.Bytes()), nil
}

// Welcome carries a WelcomeInfo ECIES-sealed to a new member's init key.
//
//	Welcome := { user_init_key_id:opaque<1>, cipher_suite:u16,
//	             encrypted_welcome_info: HPKECiphertext }
type Welcome struct {
	UserInitKeyID        []byte
	CipherSuite          CipherSuite
	EncryptedWelcomeInfo HPKECiphertext
}

// NewWelcome encrypts welcomeInfo to recipientInitPK.
func NewWelcome(suite CipherSuite, userInitKeyID []byte, recipientInitPK *HPKEPublicKey, welcomeInfo *WelcomeInfo, rnd io.Reader) (*Welcome, *Error) {
	w := wire.NewWriter()
	if err := welcomeInfo.MarshalWire(w); err != nil {
		return nil, err
	}

	ephPub, ct, err := suite.Seal(recipientInitPK, w.Bytes(), rnd)
	if err != nil {
		return nil, err
	}

	return &Welcome{
		UserInitKeyID: userInitKeyID,
		CipherSuite:   suite,
		EncryptedWelcomeInfo: HPKECiphertext{
			EphemeralKey: ephPub,
			Ciphertext:   ct,
		},
	}, nil
}

// Decrypt opens the Welcome's WelcomeInfo using initSK.
func (welc *Welcome) Decrypt(initSK *HPKEPrivateKey) (*WelcomeInfo, *Error) {
	pt, err := welc.CipherSuite.Open(initSK, welc.EncryptedWelcomeInfo.EphemeralKey, welc.EncryptedWelcomeInfo.Ciphertext)
	if err != nil {
		return nil, err
	}
	r := wire.NewReader(pt)
	info, werr := UnmarshalWelcomeInfo(welc.CipherSuite, r)
	if werr != nil {
		return nil, werr
	}
	if !r.Done() {
		return nil, newErr(ErrCodec, "messages", "WelcomeInfo decode left trailing bytes")
	}
	return info, nil
}

// MarshalWire writes the canonical encoding of the Welcome.
func (welc *Welcome) MarshalWire(w *wire.Writer) *Error {
	if err := w.WriteOpaque(welc.UserInitKeyID, 1); err != nil {
		return wrapErr(ErrCodec, "messages", err)
	}
	w.WriteUint16(uint16(welc.CipherSuite))
	return marshalHPKECiphertext(w, welc.EncryptedWelcomeInfo)
}

// UnmarshalWelcome reads a Welcome, rejecting any bytes left over once the
// Welcome is fully decoded.
func UnmarshalWelcome(r *wire.Reader) (*Welcome, *Error) {
	id, err := r.ReadOpaque(1)
	if err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}
	suiteRaw, err := r.ReadUint16()
	if err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}
	suite := CipherSuite(suiteRaw)
	ct, cerr := unmarshalHPKECiphertext(suite, r)
	if cerr != nil {
		return nil, cerr
	}
	if !r.Done() {
		return nil, newErr(ErrCodec, "messages", "Welcome decode left trailing bytes")
	}
	return &Welcome{UserInitKeyID: id, CipherSuite: suite, EncryptedWelcomeInfo: ct}, nil
}

// GroupOperationType discriminates the GroupOperation tagged union.
type GroupOperationType uint8

const (
	OperationAdd    GroupOperationType = 1
	OperationUpdate GroupOperationType = 2
	OperationRemove GroupOperationType = 3
)

// Add admits a new member at Index using InitKey, referencing the
// WelcomeInfo it was sent via its hash.
type Add struct {
	Index           uint32
	InitKey         *UserInitKey
	WelcomeInfoHash []byte
}

// Update carries a fresh direct-path encryption from the updating
// member's own leaf.
type Update struct {
	LeafKey *HPKEPublicKey
	Path    DirectPath
}

// Remove blanks Removed's leaf, then carries a direct-path encryption
// from the removing member's own leaf (Update-style).
type Remove struct {
	Removed uint32
	LeafKey *HPKEPublicKey
	Path    DirectPath
}

// GroupOperation is a tagged variant over {Add, Update, Remove},
// discriminated by GroupOperationType and decoded into exactly one
// inhabited arm (per the design note on the source's always-populated
// pseudo-union).
type GroupOperation struct {
	Add    *Add
	Update *Update
	Remove *Remove
}

func (op *GroupOperation) Type() GroupOperationType {
	switch {
	case op.Add != nil:
		return OperationAdd
	case op.Update != nil:
		return OperationUpdate
	case op.Remove != nil:
		return OperationRemove
	default:
		panic("mls.messages: malformed GroupOperation")
	}
}

// MarshalWire writes the discriminator followed by the selected variant.
func (op *GroupOperation) MarshalWire(w *wire.Writer) *Error {
	w.WriteUint8(uint8(op.Type()))
	switch op.Type() {
	case OperationAdd:
		w.WriteUint32(op.Add.Index)
		if err := op.Add.InitKey.MarshalWire(w); err != nil {
			return err
		}
		if err := w.WriteOpaque(op.Add.WelcomeInfoHash, 1); err != nil {
			return wrapErr(ErrCodec, "messages", err)
		}
		return nil
	case OperationUpdate:
		if err := w.WriteOpaque(op.Update.LeafKey.Data(), 2); err != nil {
			return wrapErr(ErrCodec, "messages", err)
		}
		return op.Update.Path.MarshalWire(w)
	case OperationRemove:
		w.WriteUint32(op.Remove.Removed)
		if err := w.WriteOpaque(op.Remove.LeafKey.Data(), 2); err != nil {
			return wrapErr(ErrCodec, "messages", err)
		}
		return op.Remove.Path.MarshalWire(w)
	default:
		return newErr(ErrCodec, "messages", "unknown GroupOperation type")
	}
}

// UnmarshalGroupOperation reads a standalone GroupOperation for suite,
// rejecting any bytes left over once the operation is fully decoded.
func UnmarshalGroupOperation(suite CipherSuite, r *wire.Reader) (*GroupOperation, *Error) {
	op, err := unmarshalGroupOperationBody(suite, r)
	if err != nil {
		return nil, err
	}
	if !r.Done() {
		return nil, newErr(ErrCodec, "messages", "GroupOperation decode left trailing bytes")
	}
	return op, nil
}

// unmarshalGroupOperationBody reads a GroupOperation's fields without
// checking for trailing bytes, for use when an operation is embedded in a
// larger structure (a Handshake) that has more fields following it on the
// same reader.
func unmarshalGroupOperationBody(suite CipherSuite, r *wire.Reader) (*GroupOperation, *Error) {
	typ, err := r.ReadUint8()
	if err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}

	switch GroupOperationType(typ) {
	case OperationAdd:
		index, err := r.ReadUint32()
		if err != nil {
			return nil, wrapErr(ErrCodec, "messages", err)
		}
		initKey, ierr := unmarshalUserInitKeyBody(r)
		if ierr != nil {
			return nil, ierr
		}
		hash, err := r.ReadOpaque(1)
		if err != nil {
			return nil, wrapErr(ErrCodec, "messages", err)
		}
		return &GroupOperation{Add: &Add{Index: index, InitKey: initKey, WelcomeInfoHash: hash}}, nil

	case OperationUpdate:
		keyData, err := r.ReadOpaque(2)
		if err != nil {
			return nil, wrapErr(ErrCodec, "messages", err)
		}
		leafKey, perr := suite.ParseHPKEPublicKey(keyData)
		if perr != nil {
			return nil, perr
		}
		path, derr := UnmarshalDirectPath(suite, r)
		if derr != nil {
			return nil, derr
		}
		return &GroupOperation{Update: &Update{LeafKey: leafKey, Path: path}}, nil

	case OperationRemove:
		removed, err := r.ReadUint32()
		if err != nil {
			return nil, wrapErr(ErrCodec, "messages", err)
		}
		keyData, err := r.ReadOpaque(2)
		if err != nil {
			return nil, wrapErr(ErrCodec, "messages", err)
		}
		leafKey, perr := suite.ParseHPKEPublicKey(keyData)
		if perr != nil {
			return nil, perr
		}
		path, derr := UnmarshalDirectPath(suite, r)
		if derr != nil {
			return nil, derr
		}
		return &GroupOperation{Remove: &Remove{Removed: removed, LeafKey: leafKey, Path: path}}, nil

	default:
		return nil, wrapErr(ErrCodec, "messages", wire.UnknownVariantError(typ))
	}
}

// Handshake is a signed, confirmed group operation.
//
//	Handshake := { prior_epoch:u32, operation:GroupOperation,
//	              signer_index:u32, signature:opaque<2>,
//	              confirmation:opaque<1> }
type Handshake struct {
	PriorEpoch   uint32
	Operation    *GroupOperation
	SignerIndex  uint32
	Signature    []byte
	Confirmation []byte
}

func (hs *Handshake) marshalSigned(w *wire.Writer) *Error {
	w.WriteUint32(hs.PriorEpoch)
	if err := hs.Operation.MarshalWire(w); err != nil {
		return err
	}
	w.WriteUint32(hs.SignerIndex)
	return nil
}

// ToBeSigned returns the canonical encoding of PriorEpoch, Operation, and
// SignerIndex — the fields the signature covers.
func (hs *Handshake) ToBeSigned() ([]byte, *Error) {
	w := wire.NewWriter()
	if err := hs.marshalSigned(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// EncodeWithoutConfirmation returns the canonical encoding of every field
// except Confirmation, the quantity folded into each epoch's running
// transcript hash.
func (hs *Handshake) EncodeWithoutConfirmation() ([]byte, *Error) {
	w := wire.NewWriter()
	if err := hs.marshalSigned(w); err != nil {
		return nil, err
	}
	if err := w.WriteOpaque(hs.Signature, 2); err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}
	return w.Bytes(), nil
}

// MarshalWire writes the full Handshake.
func (hs *Handshake) MarshalWire(w *wire.Writer) *Error {
	if err := hs.marshalSigned(w); err != nil {
		return err
	}
	if err := w.WriteOpaque(hs.Signature, 2); err != nil {
		return wrapErr(ErrCodec, "messages", err)
	}
	if err := w.WriteOpaque(hs.Confirmation, 1); err != nil {
		return wrapErr(ErrCodec, "messages", err)
	}
	return nil
}

// UnmarshalHandshake reads a Handshake for suite, rejecting any bytes left
// over once the Handshake is fully decoded.
func UnmarshalHandshake(suite CipherSuite, r *wire.Reader) (*Handshake, *Error) {
	priorEpoch, err := r.ReadUint32()
	if err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}
	op, operr := unmarshalGroupOperationBody(suite, r)
	if operr != nil {
		return nil, operr
	}
	signerIndex, err := r.ReadUint32()
	if err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}
	sig, err := r.ReadOpaque(2)
	if err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}
	confirmation, err := r.ReadOpaque(1)
	if err != nil {
		return nil, wrapErr(ErrCodec, "messages", err)
	}
	if !r.Done() {
		return nil, newErr(ErrCodec, "messages", "Handshake decode left trailing bytes")
	}

	return &Handshake{
		PriorEpoch:   priorEpoch,
		Operation:    op,
		SignerIndex:  signerIndex,
		Signature:    sig,
		Confirmation: confirmation,
	}, nil
}
