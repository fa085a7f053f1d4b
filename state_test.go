package mls

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/ratchetgroup/mlscore/treemath"
	"github.com/stretchr/testify/require"
)

func newTestUserInitKey(t *testing.T, suite CipherSuite, identity string) (*UserInitKey, *SignaturePrivateKey, *HPKEPrivateKey) {
	t.Helper()
	sigSK, err := GenerateSignatureKeyPair(suite.SignatureScheme(), rand.Reader)
	require.Nil(t, err)
	cred := NewBasicCredential([]byte(identity), suite.SignatureScheme(), sigSK.PublicKey())

	initSK, initPK, kerr := suite.GenerateKeyPair(rand.Reader)
	require.Nil(t, kerr)

	uik := &UserInitKey{
		UserInitKeyID:     []byte(identity),
		SupportedVersions: []ProtocolVersion{MLS10},
		CipherSuites:      []CipherSuite{suite},
		InitKeys:          [][]byte{initPK.Data()},
	}
	require.Nil(t, uik.Sign(sigSK, cred))
	return uik, sigSK, initSK
}

// TestStateCreateJoinConverge is S1: the founder's group creation, an Add
// admitting a second member via Welcome, and the requirement that both
// ends land on an identical application_secret for the new epoch.
func TestStateCreateJoinConverge(t *testing.T) {
	for _, suite := range allSuites {
		founderSK, err := GenerateSignatureKeyPair(suite.SignatureScheme(), rand.Reader)
		require.Nil(t, err)
		founderCred := NewBasicCredential([]byte("alice"), suite.SignatureScheme(), founderSK.PublicKey())

		alice, serr := NewState([]byte("group"), suite, founderSK, founderCred, []byte("alice-leaf-secret"))
		require.Nil(t, serr)
		require.Equal(t, uint32(0), alice.Epoch)

		bobUIK, bobSigSK, bobInitSK := newTestUserInitKey(t, suite, "bob")

		hs, welcome, alice1, aerr := alice.Add(bobUIK, rand.Reader)
		require.Nil(t, aerr)
		require.Equal(t, uint32(1), alice1.Epoch)
		require.Equal(t, OperationAdd, hs.Operation.Type())

		bob, jerr := JoinFromWelcome(bobSigSK, bobInitSK, welcome)
		require.Nil(t, jerr)

		require.Equal(t, alice1.Epoch, bob.Epoch)
		require.True(t, bytes.Equal(alice1.TranscriptHash, bob.TranscriptHash))
		require.True(t, bytes.Equal(alice1.Schedule.ApplicationSecret, bob.Schedule.ApplicationSecret))
		require.True(t, bytes.Equal(alice1.Tree.TreeHash(), bob.Tree.TreeHash()))
	}
}

// TestStateHandleAddConverges is the other half of S1: a third, already
// joined member processing the broadcast Add Handshake via Handle reaches
// the identical next epoch as the signer's own transition.
func TestStateHandleAddConverges(t *testing.T) {
	suite := X25519_SHA256_AES128GCM
	founderSK, err := GenerateSignatureKeyPair(suite.SignatureScheme(), rand.Reader)
	require.Nil(t, err)
	founderCred := NewBasicCredential([]byte("alice"), suite.SignatureScheme(), founderSK.PublicKey())
	alice, serr := NewState([]byte("group"), suite, founderSK, founderCred, []byte("alice-leaf-secret"))
	require.Nil(t, serr)

	bobUIK, bobSigSK, bobInitSK := newTestUserInitKey(t, suite, "bob")
	_, welcomeBob, alice1, aerr := alice.Add(bobUIK, rand.Reader)
	require.Nil(t, aerr)
	bob, jerr := JoinFromWelcome(bobSigSK, bobInitSK, welcomeBob)
	require.Nil(t, jerr)

	carolUIK, carolSigSK, carolInitSK := newTestUserInitKey(t, suite, "carol")
	hsAddCarol, welcomeCarol, alice2, aerr := alice1.Add(carolUIK, rand.Reader)
	require.Nil(t, aerr)

	bob2, herr := bob.Handle(hsAddCarol)
	require.Nil(t, herr)
	require.Equal(t, alice2.Epoch, bob2.Epoch)
	require.True(t, bytes.Equal(alice2.Schedule.ApplicationSecret, bob2.Schedule.ApplicationSecret))

	carol, jerr := JoinFromWelcome(carolSigSK, carolInitSK, welcomeCarol)
	require.Nil(t, jerr)
	require.True(t, bytes.Equal(alice2.Schedule.ApplicationSecret, carol.Schedule.ApplicationSecret))
}

// TestStateAddBlanksStaleAncestors exercises a forward-secrecy gap: a new
// member's direct path must be blanked on Add (spec.md's "blanks B's
// direct path") even when the new leaf reuses a slot whose ancestors were
// freshly repopulated by someone else's Update since that slot went
// blank. Without the blank, the new member's join would leave those
// ancestors holding pre-existing key material nobody derived on their
// behalf.
func TestStateAddBlanksStaleAncestors(t *testing.T) {
	suite := X25519_SHA256_AES128GCM
	founderSK, err := GenerateSignatureKeyPair(suite.SignatureScheme(), rand.Reader)
	require.Nil(t, err)
	founderCred := NewBasicCredential([]byte("alice"), suite.SignatureScheme(), founderSK.PublicKey())
	alice, serr := NewState([]byte("group"), suite, founderSK, founderCred, []byte("alice-leaf-secret"))
	require.Nil(t, serr)

	bobUIK, _, _ := newTestUserInitKey(t, suite, "bob")
	_, _, alice1, aerr := alice.Add(bobUIK, rand.Reader)
	require.Nil(t, aerr)

	carolUIK, _, _ := newTestUserInitKey(t, suite, "carol")
	_, _, alice2, aerr := alice1.Add(carolUIK, rand.Reader)
	require.Nil(t, aerr)

	daveUIK, _, _ := newTestUserInitKey(t, suite, "dave")
	_, _, alice3, aerr := alice2.Add(daveUIK, rand.Reader)
	require.Nil(t, aerr)

	_, alice4, rerr := alice3.Remove(treemath.LeafIndex(1), []byte("alice-remove-leaf-secret"), rand.Reader)
	require.Nil(t, rerr)

	// Alice's own Update repopulates every ancestor on her direct path,
	// which in this 4-leaf tree is exactly bob's former ancestors too.
	_, alice5, uerr := alice4.Update([]byte("alice-update-leaf-secret"), rand.Reader)
	require.Nil(t, uerr)

	eveUIK, _, _ := newTestUserInitKey(t, suite, "eve")
	hsAddEve, _, alice6, aerr := alice5.Add(eveUIK, rand.Reader)
	require.Nil(t, aerr)
	// eve lands back in bob's now-free slot.
	require.Equal(t, uint32(1), hsAddEve.Operation.Add.Index)

	eveLeaf := treemath.LeafIndex(hsAddEve.Operation.Add.Index)
	for _, a := range treemath.DirectPath(eveLeaf, alice6.Tree.LeafCount()) {
		require.True(t, alice6.Tree.nodeAt(a).Blank(),
			"ancestor %d on eve's direct path must be blanked by Add, not reused from alice's prior Update", a)
	}
}

// TestStateUpdateConverges is S2: a member's Update, handled by every
// other member, produces an epoch every party agrees on, and rotates the
// application_secret away from the prior epoch's (forward secrecy).
func TestStateUpdateConverges(t *testing.T) {
	suite := P256_SHA256_AES128GCM
	founderSK, err := GenerateSignatureKeyPair(suite.SignatureScheme(), rand.Reader)
	require.Nil(t, err)
	founderCred := NewBasicCredential([]byte("alice"), suite.SignatureScheme(), founderSK.PublicKey())
	alice, serr := NewState([]byte("group"), suite, founderSK, founderCred, []byte("alice-leaf-secret"))
	require.Nil(t, serr)

	bobUIK, bobSigSK, bobInitSK := newTestUserInitKey(t, suite, "bob")
	_, welcome, alice1, aerr := alice.Add(bobUIK, rand.Reader)
	require.Nil(t, aerr)
	bob, jerr := JoinFromWelcome(bobSigSK, bobInitSK, welcome)
	require.Nil(t, jerr)

	hsUpdate, alice2, uerr := alice1.Update([]byte("alice-second-leaf-secret"), rand.Reader)
	require.Nil(t, uerr)

	bob2, herr := bob.Handle(hsUpdate)
	require.Nil(t, herr)

	require.Equal(t, alice2.Epoch, bob2.Epoch)
	require.True(t, bytes.Equal(alice2.Schedule.ApplicationSecret, bob2.Schedule.ApplicationSecret))
	require.False(t, bytes.Equal(alice1.Schedule.ApplicationSecret, alice2.Schedule.ApplicationSecret))
}

// TestStateRemoveRevokesAccess is S3: removing a member produces a Remove
// handshake and leaves the removed member unable to decrypt anything
// derived from a subsequent Update.
func TestStateRemoveRevokesAccess(t *testing.T) {
	suite := X25519_SHA256_AES128GCM
	founderSK, err := GenerateSignatureKeyPair(suite.SignatureScheme(), rand.Reader)
	require.Nil(t, err)
	founderCred := NewBasicCredential([]byte("alice"), suite.SignatureScheme(), founderSK.PublicKey())
	alice, serr := NewState([]byte("group"), suite, founderSK, founderCred, []byte("alice-leaf-secret"))
	require.Nil(t, serr)

	bobUIK, bobSigSK, bobInitSK := newTestUserInitKey(t, suite, "bob")
	_, welcome, alice1, aerr := alice.Add(bobUIK, rand.Reader)
	require.Nil(t, aerr)
	bob, jerr := JoinFromWelcome(bobSigSK, bobInitSK, welcome)
	require.Nil(t, jerr)

	// snapshot of bob's tree before removal, to play the removed member's
	// perspective against a later Update without going through Handle
	// (bob is the one being removed, so bob never advances past this
	// epoch itself).
	bobTreeBeforeRemoval := bob.Tree.Clone()

	hsRemove, alice2, rerr := alice1.Remove(bob.Index, []byte("alice-third-leaf-secret"), rand.Reader)
	require.Nil(t, rerr)
	require.Equal(t, OperationRemove, hsRemove.Operation.Type())

	// Alice updates again in the new epoch; bob's stale, pre-removal tree
	// can no longer decrypt anything on this path.
	hsUpdate, _, uerr := alice2.Update([]byte("alice-fourth-leaf-secret"), rand.Reader)
	require.Nil(t, uerr)

	_, _, derr := bobTreeBeforeRemoval.Decrypt(treemath.LeafIndex(hsUpdate.SignerIndex), hsUpdate.Operation.Update.Path, bob.Index)
	require.NotNil(t, derr)
	require.Equal(t, ErrNoDecryptionKey, derr.Kind)
}

// TestStateHandleRejectsStaleEpoch checks that a Handshake whose prior_epoch
// doesn't match the receiver's current epoch is rejected outright.
func TestStateHandleRejectsStaleEpoch(t *testing.T) {
	suite := P256_SHA256_AES128GCM
	founderSK, err := GenerateSignatureKeyPair(suite.SignatureScheme(), rand.Reader)
	require.Nil(t, err)
	founderCred := NewBasicCredential([]byte("alice"), suite.SignatureScheme(), founderSK.PublicKey())
	alice, serr := NewState([]byte("group"), suite, founderSK, founderCred, []byte("alice-leaf-secret"))
	require.Nil(t, serr)

	bobUIK, bobSigSK, bobInitSK := newTestUserInitKey(t, suite, "bob")
	hsAdd, welcome, _, aerr := alice.Add(bobUIK, rand.Reader)
	require.Nil(t, aerr)
	bob, jerr := JoinFromWelcome(bobSigSK, bobInitSK, welcome)
	require.Nil(t, jerr)

	// bob re-handling the same (now stale) Add a second time must fail.
	_, herr := bob.Handle(hsAdd)
	require.NotNil(t, herr)
	require.Equal(t, ErrStaleEpoch, herr.Kind)
}

// TestStateHandleRejectsTamperedSignature is S4: corrupting a
// Handshake's signature after it was produced makes Handle reject it.
func TestStateHandleRejectsTamperedSignature(t *testing.T) {
	suite := X25519_SHA256_AES128GCM
	founderSK, err := GenerateSignatureKeyPair(suite.SignatureScheme(), rand.Reader)
	require.Nil(t, err)
	founderCred := NewBasicCredential([]byte("alice"), suite.SignatureScheme(), founderSK.PublicKey())
	alice, serr := NewState([]byte("group"), suite, founderSK, founderCred, []byte("alice-leaf-secret"))
	require.Nil(t, serr)

	bobUIK, bobSigSK, bobInitSK := newTestUserInitKey(t, suite, "bob")
	_, welcome, alice1, aerr := alice.Add(bobUIK, rand.Reader)
	require.Nil(t, aerr)
	bob, jerr := JoinFromWelcome(bobSigSK, bobInitSK, welcome)
	require.Nil(t, jerr)

	hsUpdate, _, uerr := alice1.Update([]byte("alice-second-leaf-secret"), rand.Reader)
	require.Nil(t, uerr)
	hsUpdate.Signature[0] ^= 0xFF

	_, herr := bob.Handle(hsUpdate)
	require.NotNil(t, herr)
	require.Equal(t, ErrInvalidSignature, herr.Kind)
}

// TestStateHandleRejectsTamperedConfirmation checks that a Handshake
// whose Confirmation was corrupted after signing is rejected even though
// its signature still verifies.
func TestStateHandleRejectsTamperedConfirmation(t *testing.T) {
	suite := P256_SHA256_AES128GCM
	founderSK, err := GenerateSignatureKeyPair(suite.SignatureScheme(), rand.Reader)
	require.Nil(t, err)
	founderCred := NewBasicCredential([]byte("alice"), suite.SignatureScheme(), founderSK.PublicKey())
	alice, serr := NewState([]byte("group"), suite, founderSK, founderCred, []byte("alice-leaf-secret"))
	require.Nil(t, serr)

	bobUIK, bobSigSK, bobInitSK := newTestUserInitKey(t, suite, "bob")
	_, welcome, alice1, aerr := alice.Add(bobUIK, rand.Reader)
	require.Nil(t, aerr)
	bob, jerr := JoinFromWelcome(bobSigSK, bobInitSK, welcome)
	require.Nil(t, jerr)

	hsUpdate, _, uerr := alice1.Update([]byte("alice-second-leaf-secret"), rand.Reader)
	require.Nil(t, uerr)
	hsUpdate.Confirmation[0] ^= 0xFF

	_, herr := bob.Handle(hsUpdate)
	require.NotNil(t, herr)
	require.Equal(t, ErrInvalidConfirmation, herr.Kind)
}

// TestStateAddRejectsUnverifiableUserInitKey checks that Add refuses a
// UserInitKey whose signature doesn't verify, rather than silently
// admitting an unauthenticated member.
func TestStateAddRejectsUnverifiableUserInitKey(t *testing.T) {
	suite := X25519_SHA256_AES128GCM
	founderSK, err := GenerateSignatureKeyPair(suite.SignatureScheme(), rand.Reader)
	require.Nil(t, err)
	founderCred := NewBasicCredential([]byte("alice"), suite.SignatureScheme(), founderSK.PublicKey())
	alice, serr := NewState([]byte("group"), suite, founderSK, founderCred, []byte("alice-leaf-secret"))
	require.Nil(t, serr)

	bobUIK, _, _ := newTestUserInitKey(t, suite, "bob")
	bobUIK.Signature[0] ^= 0xFF

	_, _, _, aerr := alice.Add(bobUIK, rand.Reader)
	require.NotNil(t, aerr)
	require.Equal(t, ErrInvalidSignature, aerr.Kind)
}

// TestStateCreateIsDeterministic checks that NewState with the same inputs
// (including leafSecret) always reaches a byte-identical tree hash and
// application_secret, matching the rest of the module's
// derive_key_pair-based determinism contract.
func TestStateCreateIsDeterministic(t *testing.T) {
	suite := P256_SHA256_AES128GCM
	sk, err := GenerateSignatureKeyPair(suite.SignatureScheme(), rand.Reader)
	require.Nil(t, err)
	cred := NewBasicCredential([]byte("alice"), suite.SignatureScheme(), sk.PublicKey())

	a, aerr := NewState([]byte("group"), suite, sk, cred, []byte("fixed-leaf-secret"))
	require.Nil(t, aerr)
	b, berr := NewState([]byte("group"), suite, sk, cred, []byte("fixed-leaf-secret"))
	require.Nil(t, berr)

	require.True(t, bytes.Equal(a.Tree.TreeHash(), b.Tree.TreeHash()))
	require.True(t, bytes.Equal(a.Schedule.ApplicationSecret, b.Schedule.ApplicationSecret))
}
