package mls

import (
	"bytes"
	"io"

	"github.com/ratchetgroup/mlscore/treemath"
	"github.com/ratchetgroup/mlscore/wire"
)

// State is a single member's view of a group at a single epoch. A State
// value has exclusive-owner semantics: every operation below either
// returns a brand-new, fully-formed next State or fails without touching
// the receiver, so a caller never observes a half-applied transition.
type State struct {
	Suite          CipherSuite
	GroupID        []byte
	Epoch          uint32
	Tree           *RatchetTree
	Roster         *Roster
	TranscriptHash []byte
	Schedule       *KeyScheduleEpoch
	Index          treemath.LeafIndex
	IdentitySK     *SignaturePrivateKey
}

// encodeGroupContext builds the canonical {group_id, epoch, tree_hash,
// transcript_hash} binding fed as the context to every label derived for
// an epoch's key schedule (and so, through confirmation_key, into the
// Handshake confirmation MAC). Computed fresh from the components every
// time it's needed rather than cached, so a stale copy can never feed a
// derivation by accident.
func encodeGroupContext(groupID []byte, epoch uint32, treeHash, transcriptHash []byte) ([]byte, *Error) {
	w := wire.NewWriter()
	if err := w.WriteOpaque(groupID, 1); err != nil {
		return nil, wrapErr(ErrCodec, "state", err)
	}
	w.WriteUint32(epoch)
	if err := w.WriteOpaque(treeHash, 1); err != nil {
		return nil, wrapErr(ErrCodec, "state", err)
	}
	if err := w.WriteOpaque(transcriptHash, 1); err != nil {
		return nil, wrapErr(ErrCodec, "state", err)
	}
	return w.Bytes(), nil
}

// NewState bootstraps a brand-new single-member group at epoch 0. The
// founder's leaf key pair is derived from leafSecret so the whole
// operation is deterministic given its inputs, matching the rest of the
// module's derive_key_pair-based determinism.
func NewState(groupID []byte, suite CipherSuite, identitySK *SignaturePrivateKey, cred *Credential, leafSecret []byte) (*State, *Error) {
	leafSK, leafPK, err := suite.DeriveKeyPair(leafSecret)
	if err != nil {
		return nil, err
	}

	tree := NewRatchetTree(suite, leafSK, leafPK, leafSecret)
	roster := NewRoster()
	roster.AddAt(0, cred)

	transcriptHash := zeros(suite.HashSize())
	groupCtx, gerr := encodeGroupContext(groupID, 0, tree.TreeHash(), transcriptHash)
	if gerr != nil {
		return nil, gerr
	}
	schedule := deriveEpochSchedule(suite, zeros(suite.HashSize()), zeros(suite.HashSize()), groupCtx)

	return &State{
		Suite:          suite,
		GroupID:        dup(groupID),
		Epoch:          0,
		Tree:           tree,
		Roster:         roster,
		TranscriptHash: transcriptHash,
		Schedule:       schedule,
		Index:          0,
		IdentitySK:     identitySK,
	}, nil
}

// welcomeInfo snapshots s as the WelcomeInfo payload a newly admitted
// member needs to bootstrap this exact epoch: its roster, its tree
// (public keys only — MarshalWire never emits private material), its
// transcript hash, and this epoch's epoch_secret (carried in the
// init_secret field: the one schedule-derived value from which a fresh
// joiner can reconstruct application_secret, confirmation_key, and
// sender_data_secret for this epoch without replaying any operation).
func (s *State) welcomeInfo() *WelcomeInfo {
	return &WelcomeInfo{
		Version:        MLS10,
		GroupID:        dup(s.GroupID),
		Epoch:          s.Epoch,
		Roster:         s.Roster.Clone(),
		Tree:           s.Tree.Clone(),
		TranscriptHash: dup(s.TranscriptHash),
		InitSecret:     dup(s.Schedule.EpochSecret),
	}
}

// JoinFromWelcome constructs the State of a member admitted by a Welcome,
// locating its own leaf by matching initSK's public key against the
// tree's leaves (the adder installs the joiner's init key directly as
// its leaf key, so no separate leaf secret is needed until the joiner's
// first Update).
func JoinFromWelcome(identitySK *SignaturePrivateKey, initSK *HPKEPrivateKey, welcome *Welcome) (*State, *Error) {
	wi, err := welcome.Decrypt(initSK)
	if err != nil {
		return nil, err
	}

	tree := wi.Tree
	leaf, found := findLeafByPublicKey(tree, initSK.PublicKey())
	if !found {
		return nil, newErr(ErrMissingRosterEntry, "state", "no tree leaf matches the joining member's init key")
	}
	tree.setNode(treemath.ToNodeIndex(leaf), ownedNode(initSK, initSK.PublicKey(), nil))

	groupCtx, gerr := encodeGroupContext(wi.GroupID, wi.Epoch, tree.TreeHash(), wi.TranscriptHash)
	if gerr != nil {
		return nil, gerr
	}
	epochSecret := wi.InitSecret
	schedule := &KeyScheduleEpoch{
		Suite:             welcome.CipherSuite,
		EpochSecret:       epochSecret,
		ApplicationSecret: welcome.CipherSuite.DeriveSecret(epochSecret, "app", groupCtx),
		ConfirmationKey:   welcome.CipherSuite.DeriveSecret(epochSecret, "confirm", groupCtx),
		SenderDataSecret:  welcome.CipherSuite.DeriveSecret(epochSecret, "sender data", groupCtx),
		InitSecret:        welcome.CipherSuite.DeriveSecret(epochSecret, "init", groupCtx),
	}

	return &State{
		Suite:          welcome.CipherSuite,
		GroupID:        dup(wi.GroupID),
		Epoch:          wi.Epoch,
		Tree:           tree,
		Roster:         wi.Roster,
		TranscriptHash: dup(wi.TranscriptHash),
		Schedule:       schedule,
		Index:          leaf,
		IdentitySK:     identitySK,
	}, nil
}

func findLeafByPublicKey(tree *RatchetTree, pub *HPKEPublicKey) (treemath.LeafIndex, bool) {
	want := pub.Data()
	n := tree.LeafCount()
	for i := treemath.LeafIndex(0); i < treemath.LeafIndex(n); i++ {
		node := tree.nodeAt(treemath.ToNodeIndex(i))
		if node.Blank() {
			continue
		}
		if bytes.Equal(node.PublicKey.Data(), want) {
			return i, true
		}
	}
	return 0, false
}

// signAndComplete signs op as a Handshake over this epoch, computes the
// tree/roster's next state's key schedule and confirmation, and returns
// both the Handshake to broadcast and the signer's own next State —
// which the signer installs directly rather than round-tripping through
// Handle, since the signer already holds every private key the
// transition needs.
func (s *State) signAndComplete(op *GroupOperation, tree *RatchetTree, roster *Roster, updateSecret []byte) (*Handshake, *State, *Error) {
	hs := &Handshake{
		PriorEpoch:  s.Epoch,
		Operation:   op,
		SignerIndex: uint32(s.Index),
	}
	tbs, err := hs.ToBeSigned()
	if err != nil {
		return nil, nil, err
	}
	sig, serr := Sign(s.IdentitySK, tbs)
	if serr != nil {
		return nil, nil, serr
	}
	hs.Signature = sig

	next, confirmation, cerr := s.nextState(hs, tree, roster, updateSecret)
	if cerr != nil {
		return nil, nil, cerr
	}
	hs.Confirmation = confirmation
	return hs, next, nil
}

// nextState is the single epoch-transition computation shared by the
// signer's own path and a receiver's Handle: fold hs (everything but its
// own Confirmation) into the running transcript hash, derive the new
// epoch's key schedule from updateSecret, and compute the confirmation
// MAC that binds hs to it.
func (s *State) nextState(hs *Handshake, tree *RatchetTree, roster *Roster, updateSecret []byte) (*State, []byte, *Error) {
	encNoConfirm, err := hs.EncodeWithoutConfirmation()
	if err != nil {
		return nil, nil, err
	}
	transcriptNext := s.Suite.Digest(s.TranscriptHash, encNoConfirm)

	groupCtx, gerr := encodeGroupContext(s.GroupID, hs.PriorEpoch+1, tree.TreeHash(), transcriptNext)
	if gerr != nil {
		return nil, nil, gerr
	}

	schedule := deriveEpochSchedule(s.Suite, s.Schedule.InitSecret, updateSecret, groupCtx)
	confirmation := s.Suite.HMAC(schedule.ConfirmationKey, transcriptNext)

	next := &State{
		Suite:          s.Suite,
		GroupID:        dup(s.GroupID),
		Epoch:          hs.PriorEpoch + 1,
		Tree:           tree,
		Roster:         roster,
		TranscriptHash: transcriptNext,
		Schedule:       schedule,
		Index:          s.Index,
		IdentitySK:     s.IdentitySK,
	}
	return next, confirmation, nil
}

// Add admits a new member described by uik. Add.WelcomeInfoHash commits
// to s's own pre-Add WelcomeInfo — a reference existing members can use
// to confirm a later Welcome was built off the same starting epoch —
// computed from state that exists before this transition, so it never
// depends on (and can't circularly require) the very transcript hash it
// will be folded into. The Welcome handed back carries the post-Add
// WelcomeInfo: the epoch state uik's owner actually needs.
func (s *State) Add(uik *UserInitKey, rnd io.Reader) (*Handshake, *Welcome, *State, *Error) {
	if !uik.Verify() {
		return nil, nil, nil, newErr(ErrInvalidSignature, "state", "UserInitKey signature does not verify")
	}
	initKeyData, found := uik.FindInitKey(s.Suite)
	if !found {
		return nil, nil, nil, newErr(ErrUnknownSuite, "state", "UserInitKey has no init key for suite %#04x", uint16(s.Suite))
	}
	pub, perr := s.Suite.ParseHPKEPublicKey(initKeyData)
	if perr != nil {
		return nil, nil, nil, perr
	}

	preHash, herr := s.welcomeInfo().Hash(s.Suite)
	if herr != nil {
		return nil, nil, nil, herr
	}

	tree := s.Tree.Clone()
	leaf := tree.AddLeaf(pub)
	tree.blankAncestors(leaf)
	roster := s.Roster.Clone()
	roster.AddAt(int(leaf), uik.Credential)

	op := &GroupOperation{Add: &Add{Index: uint32(leaf), InitKey: uik, WelcomeInfoHash: preHash}}
	hs, next, err := s.signAndComplete(op, tree, roster, zeros(s.Suite.HashSize()))
	if err != nil {
		return nil, nil, nil, err
	}

	welcome, werr := NewWelcome(s.Suite, uik.UserInitKeyID, pub, next.welcomeInfo(), rnd)
	if werr != nil {
		return nil, nil, nil, werr
	}
	return hs, welcome, next, nil
}

// Update ratchets s's own leaf secret to leafSecret, deriving fresh key
// pairs up its entire direct path and sealing the new path secrets to
// every other member's current resolution.
func (s *State) Update(leafSecret []byte, rnd io.Reader) (*Handshake, *State, *Error) {
	tree := s.Tree.Clone()
	path, leafPK, err := tree.Encrypt(s.Index, leafSecret, rnd)
	if err != nil {
		return nil, nil, err
	}
	op := &GroupOperation{Update: &Update{LeafKey: leafPK, Path: path}}
	hs, next, serr := s.signAndComplete(op, tree, s.Roster.Clone(), tree.rootSecret())
	if serr != nil {
		return nil, nil, serr
	}
	return hs, next, nil
}

// Remove blanks removed's leaf and every node on its direct path, then
// ratchets s's own leaf exactly as Update, so the removed member can no
// longer decrypt anything derived from this point on.
func (s *State) Remove(removed treemath.LeafIndex, leafSecret []byte, rnd io.Reader) (*Handshake, *State, *Error) {
	tree := s.Tree.Clone()
	tree.BlankPath(removed)
	roster := s.Roster.Clone()
	roster.BlankAt(int(removed))

	path, leafPK, err := tree.Encrypt(s.Index, leafSecret, rnd)
	if err != nil {
		return nil, nil, err
	}
	op := &GroupOperation{Remove: &Remove{Removed: uint32(removed), LeafKey: leafPK, Path: path}}
	hs, next, serr := s.signAndComplete(op, tree, roster, tree.rootSecret())
	if serr != nil {
		return nil, nil, serr
	}
	return hs, next, nil
}

// applyOperation replays hs.Operation (signed by signer) against a clone
// of s's tree and roster, returning the resulting tree, roster, and the
// update_secret the epoch transition should fold in. It is the
// receiver-side counterpart to the direct tree mutation Add/Update/Remove
// perform on the signer's own clone.
func (s *State) applyOperation(signer treemath.LeafIndex, op *GroupOperation) (*RatchetTree, *Roster, []byte, *Error) {
	tree := s.Tree.Clone()
	roster := s.Roster.Clone()

	switch op.Type() {
	case OperationAdd:
		if !op.Add.InitKey.Verify() {
			return nil, nil, nil, newErr(ErrInvalidSignature, "state", "Add's UserInitKey signature does not verify")
		}
		initKeyData, found := op.Add.InitKey.FindInitKey(s.Suite)
		if !found {
			return nil, nil, nil, newErr(ErrUnknownSuite, "state", "Add's UserInitKey has no init key for suite %#04x", uint16(s.Suite))
		}
		pub, perr := s.Suite.ParseHPKEPublicKey(initKeyData)
		if perr != nil {
			return nil, nil, nil, perr
		}
		leaf := tree.AddLeaf(pub)
		if uint32(leaf) != op.Add.Index {
			return nil, nil, nil, newErr(ErrInvalidParameter, "state", "Add index %d does not match the tree's next free leaf %d", op.Add.Index, leaf)
		}
		tree.blankAncestors(leaf)
		roster.AddAt(int(leaf), op.Add.InitKey.Credential)
		return tree, roster, zeros(s.Suite.HashSize()), nil

	case OperationUpdate:
		secret, lcaIdx, derr := tree.Decrypt(signer, op.Update.Path, s.Index)
		if derr != nil {
			return nil, nil, nil, derr
		}
		tree.setNode(treemath.ToNodeIndex(signer), publicOnlyNode(op.Update.LeafKey))
		if merr := tree.Merge(signer, op.Update.Path, secret, lcaIdx); merr != nil {
			return nil, nil, nil, merr
		}
		return tree, roster, tree.rootSecret(), nil

	case OperationRemove:
		tree.BlankPath(treemath.LeafIndex(op.Remove.Removed))
		roster.BlankAt(int(op.Remove.Removed))
		secret, lcaIdx, derr := tree.Decrypt(signer, op.Remove.Path, s.Index)
		if derr != nil {
			return nil, nil, nil, derr
		}
		tree.setNode(treemath.ToNodeIndex(signer), publicOnlyNode(op.Remove.LeafKey))
		if merr := tree.Merge(signer, op.Remove.Path, secret, lcaIdx); merr != nil {
			return nil, nil, nil, merr
		}
		return tree, roster, tree.rootSecret(), nil

	default:
		return nil, nil, nil, newErr(ErrCodec, "state", "unknown GroupOperation type")
	}
}

// Handle verifies, applies, and advances past hs, returning s's
// successor at the next epoch. s itself is never mutated: on any
// failure — stale epoch, unknown signer, bad signature, no usable
// decryption key, or a confirmation mismatch — Handle returns an error
// and the caller's existing State remains exactly as it was.
func (s *State) Handle(hs *Handshake) (*State, *Error) {
	if hs.PriorEpoch != s.Epoch {
		return nil, newErr(ErrStaleEpoch, "state", "handshake prior_epoch %d does not match current epoch %d", hs.PriorEpoch, s.Epoch)
	}

	signer := treemath.LeafIndex(hs.SignerIndex)
	signerCred := s.Roster.Get(int(signer))
	if signerCred == nil {
		return nil, newErr(ErrMissingRosterEntry, "state", "no credential at signer leaf %d", hs.SignerIndex)
	}

	tbs, terr := hs.ToBeSigned()
	if terr != nil {
		return nil, terr
	}
	if !signerCred.Verify(tbs, hs.Signature) {
		return nil, newErr(ErrInvalidSignature, "state", "handshake signature does not verify")
	}

	tree, roster, updateSecret, aerr := s.applyOperation(signer, hs.Operation)
	if aerr != nil {
		return nil, aerr
	}

	next, confirmation, cerr := s.nextState(hs, tree, roster, updateSecret)
	if cerr != nil {
		return nil, cerr
	}
	if !bytes.Equal(confirmation, hs.Confirmation) {
		return nil, newErr(ErrInvalidConfirmation, "state", "handshake confirmation does not verify")
	}
	return next, nil
}
