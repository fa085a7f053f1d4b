package mls

import (
	"io"

	"github.com/ratchetgroup/mlscore/treemath"
	"github.com/ratchetgroup/mlscore/wire"
)

// HPKECiphertext is a single ECIES-sealed path secret, addressed to one
// node in a copath resolution.
type HPKECiphertext struct {
	EphemeralKey *HPKEPublicKey
	Ciphertext   []byte
}

// PathStep is one level of a DirectPath: the new public key installed at
// that ancestor, plus one HPKECiphertext per node in that level's copath
// resolution.
type PathStep struct {
	PublicKey   *HPKEPublicKey
	PathSecrets []HPKECiphertext
}

// DirectPath is the sequence of PathSteps produced by Encrypt, one per
// ancestor on the direct path from leaf to root (leaf level excluded: the
// leaf's own new public key is carried separately by the caller).
type DirectPath []PathStep

func marshalHPKECiphertext(w *wire.Writer, ct HPKECiphertext) *Error {
	if err := w.WriteOpaque(ct.EphemeralKey.Data(), 2); err != nil {
		return wrapErr(ErrCodec, "tree", err)
	}
	if err := w.WriteOpaque(ct.Ciphertext, 2); err != nil {
		return wrapErr(ErrCodec, "tree", err)
	}
	return nil
}

func unmarshalHPKECiphertext(suite CipherSuite, r *wire.Reader) (HPKECiphertext, *Error) {
	ephData, err := r.ReadOpaque(2)
	if err != nil {
		return HPKECiphertext{}, wrapErr(ErrCodec, "tree", err)
	}
	eph, perr := suite.ParseHPKEPublicKey(ephData)
	if perr != nil {
		return HPKECiphertext{}, perr
	}
	ct, err := r.ReadOpaque(2)
	if err != nil {
		return HPKECiphertext{}, wrapErr(ErrCodec, "tree", err)
	}
	return HPKECiphertext{EphemeralKey: eph, Ciphertext: ct}, nil
}

// MarshalWire writes path as vector<RatchetNode,4>, where each RatchetNode
// is {public_key, node_secrets: vector<HPKECiphertext,2>}.
func (path DirectPath) MarshalWire(w *wire.Writer) *Error {
	var werr *Error
	err := w.WriteVector(4, func(inner *wire.Writer) {
		for _, step := range path {
			if e := inner.WriteOpaque(step.PublicKey.Data(), 2); e != nil {
				werr = wrapErr(ErrCodec, "tree", e)
				return
			}
			e := inner.WriteVector(2, func(secrets *wire.Writer) {
				for _, ct := range step.PathSecrets {
					if e := marshalHPKECiphertext(secrets, ct); e != nil {
						werr = e
					}
				}
			})
			if e != nil {
				werr = wrapErr(ErrCodec, "tree", e)
			}
		}
	})
	if werr != nil {
		return werr
	}
	if err != nil {
		return wrapErr(ErrCodec, "tree", err)
	}
	return nil
}

// UnmarshalDirectPath reads a DirectPath for suite.
func UnmarshalDirectPath(suite CipherSuite, r *wire.Reader) (DirectPath, *Error) {
	vec, err := r.ReadVector(4)
	if err != nil {
		return nil, wrapErr(ErrCodec, "tree", err)
	}

	var path DirectPath
	for !vec.Done() {
		pubData, err := vec.ReadOpaque(2)
		if err != nil {
			return nil, wrapErr(ErrCodec, "tree", err)
		}
		pub, perr := suite.ParseHPKEPublicKey(pubData)
		if perr != nil {
			return nil, perr
		}

		secretsVec, err := vec.ReadVector(2)
		if err != nil {
			return nil, wrapErr(ErrCodec, "tree", err)
		}
		var secrets []HPKECiphertext
		for !secretsVec.Done() {
			ct, cerr := unmarshalHPKECiphertext(suite, secretsVec)
			if cerr != nil {
				return nil, cerr
			}
			secrets = append(secrets, ct)
		}

		path = append(path, PathStep{PublicKey: pub, PathSecrets: secrets})
	}
	return path, nil
}

// RatchetTree is the flat-array, left-balanced binary tree of asymmetric
// key pairs that carries the protocol's cryptographic guarantees. Nodes
// are addressed by treemath.NodeIndex; the tree owns its nodes exclusively
// and stores at most a public key for any node it does not hold the
// private key of.
type RatchetTree struct {
	Suite CipherSuite
	Nodes []*Node
}

// NewRatchetTree returns a single-leaf tree owning leaf's full key pair.
func NewRatchetTree(suite CipherSuite, leafPriv *HPKEPrivateKey, leafPub *HPKEPublicKey, leafSecret []byte) *RatchetTree {
	return &RatchetTree{
		Suite: suite,
		Nodes: []*Node{ownedNode(leafPriv, leafPub, leafSecret)},
	}
}

// LeafCount returns the number of leaves currently in the tree.
func (t *RatchetTree) LeafCount() treemath.LeafCount {
	return treemath.LeafWidth(treemath.NodeCount(len(t.Nodes)))
}

func (t *RatchetTree) nodeAt(x treemath.NodeIndex) *Node {
	if int(x) >= len(t.Nodes) {
		return nil
	}
	return t.Nodes[x]
}

func (t *RatchetTree) setNode(x treemath.NodeIndex, n *Node) {
	for treemath.NodeIndex(len(t.Nodes)) <= x {
		t.Nodes = append(t.Nodes, nil)
	}
	t.Nodes[x] = n
}

// LeftmostFree returns the index of the first blank or nonexistent leaf
// slot, used by AddLeaf to prefer reusing a removed member's slot over
// growing the tree.
func (t *RatchetTree) LeftmostFree() treemath.LeafIndex {
	n := t.LeafCount()
	for i := treemath.LeafIndex(0); i < treemath.LeafIndex(n); i++ {
		if t.nodeAt(treemath.ToNodeIndex(i)).Blank() {
			return i
		}
	}
	return treemath.LeafIndex(n)
}

// AddLeaf installs pub at the leftmost free leaf slot, extending the tree
// by one leaf (and one blank parent) if no blank slot exists.
func (t *RatchetTree) AddLeaf(pub *HPKEPublicKey) treemath.LeafIndex {
	leaf := t.LeftmostFree()
	x := treemath.ToNodeIndex(leaf)

	newLeafCount := treemath.LeafCount(leaf) + 1
	if newLeafCount < t.LeafCount() {
		newLeafCount = t.LeafCount()
	}
	newWidth := treemath.NodeWidth(newLeafCount)
	for treemath.NodeCount(len(t.Nodes)) < newWidth {
		t.Nodes = append(t.Nodes, nil)
	}

	t.setNode(x, publicOnlyNode(pub))
	return leaf
}

// BlankPath clears leaf's own node and every ancestor on its direct path.
// Used on Remove; the copath is never touched.
func (t *RatchetTree) BlankPath(leaf treemath.LeafIndex) {
	t.setNode(treemath.ToNodeIndex(leaf), nil)
	t.blankAncestors(leaf)
}

// blankAncestors clears every ancestor on leaf's direct path without
// touching leaf's own node. Used on Add: leaf's direct path can pass
// through nodes an earlier Update populated, and those have to be
// discarded rather than reused by the new member.
func (t *RatchetTree) blankAncestors(leaf treemath.LeafIndex) {
	for _, a := range treemath.DirectPath(leaf, t.LeafCount()) {
		t.setNode(a, nil)
	}
}

// resolution returns the minimal set of non-blank descendants of x that
// cover it: {x} if x is filled, the concatenation of the children's
// resolutions if x is blank and internal, or the empty set if x is a
// blank leaf.
func (t *RatchetTree) resolution(x treemath.NodeIndex) []treemath.NodeIndex {
	n := t.nodeAt(x)
	if !n.Blank() {
		return []treemath.NodeIndex{x}
	}
	if treemath.IsLeaf(x) {
		return nil
	}

	n0 := t.LeafCount()
	left := treemath.Left(x)
	right := treemath.Right(x, n0)
	var out []treemath.NodeIndex
	if left != nil {
		out = append(out, t.resolution(*left)...)
	}
	if right != nil {
		out = append(out, t.resolution(*right)...)
	}
	return out
}

// Encrypt performs the ratcheting hash-chain path encryption described by
// the tree's Encrypt operation: s0 = leafSecret; at level k >= 1,
// sk = Hash(sk-1); the node at that level gets derive_key_pair(sk); for
// each level, sk is ECIES-sealed to every node in that level's copath
// resolution. It installs the new owned keys into the caller's own tree
// as it goes and returns the encoded steps for the direct path (excluding
// the leaf level, whose public key is returned separately).
func (t *RatchetTree) Encrypt(from treemath.LeafIndex, leafSecret []byte, rnd io.Reader) (DirectPath, *HPKEPublicKey, *Error) {
	secret := dup(leafSecret)
	leafSK, leafPK, err := t.Suite.DeriveKeyPair(secret)
	if err != nil {
		return nil, nil, err
	}
	t.setNode(treemath.ToNodeIndex(from), ownedNode(leafSK, leafPK, secret))

	path := treemath.DirectPath(from, t.LeafCount())
	copath := treemath.Copath(from, t.LeafCount())

	steps := make(DirectPath, len(path))
	for i, ancestor := range path {
		secret = t.Suite.Digest(secret)
		sk, pk, derr := t.Suite.DeriveKeyPair(secret)
		if derr != nil {
			return nil, nil, derr
		}
		t.setNode(ancestor, ownedNode(sk, pk, secret))

		resolved := t.resolution(copath[i])
		cts := make([]HPKECiphertext, len(resolved))
		for j, rn := range resolved {
			target := t.nodeAt(rn)
			ephPub, ct, serr := t.Suite.Seal(target.PublicKey, secret, rnd)
			if serr != nil {
				return nil, nil, serr
			}
			cts[j] = HPKECiphertext{EphemeralKey: ephPub, Ciphertext: ct}
		}
		steps[i] = PathStep{PublicKey: pk, PathSecrets: cts}
	}

	return steps, leafPK, nil
}

// Decrypt locates the ciphertext addressed to receiver's owned private
// key within path, opens it, and returns the path secret at the lowest
// common ancestor of from and receiver together with that ancestor's
// index into path. Fails with NoDecryptionKey if receiver holds no
// private key anywhere in the relevant copath resolution, or if path
// carries a different number of ciphertexts at that level than the
// receiver's view of the resolution has nodes (as for a removed member
// whose own tree still holds its old leaf).
func (t *RatchetTree) Decrypt(from treemath.LeafIndex, path DirectPath, receiver treemath.LeafIndex) ([]byte, int, *Error) {
	directPath := treemath.DirectPath(from, t.LeafCount())
	copath := treemath.Copath(from, t.LeafCount())
	lca := treemath.Ancestor(from, receiver)

	lcaIdx := -1
	for i, a := range directPath {
		if a == lca {
			lcaIdx = i
			break
		}
	}
	if lcaIdx < 0 {
		return nil, 0, newErr(ErrNoDecryptionKey, "tree", "sender's direct path does not cover the common ancestor")
	}

	resolved := t.resolution(copath[lcaIdx])
	step := path[lcaIdx]
	if len(resolved) != len(step.PathSecrets) {
		return nil, 0, newErr(ErrNoDecryptionKey, "tree", "copath resolution size mismatch")
	}

	for j, rn := range resolved {
		owner := t.nodeAt(rn)
		if !owner.Owned() {
			continue
		}
		ct := step.PathSecrets[j]
		secret, err := t.Suite.Open(owner.PrivateKey, ct.EphemeralKey, ct.Ciphertext)
		if err != nil {
			return nil, 0, err
		}
		return secret, lcaIdx, nil
	}

	return nil, 0, newErr(ErrNoDecryptionKey, "tree", "no owned private key under the copath resolution")
}

// Merge installs the public keys from path into the caller's tree along
// from's direct path. Ancestors below the supplied lcaIdx (strictly
// descended from from but not from the receiver's own leaf) are merged as
// public-only; lcaIdx and everything above it are re-derived from
// secretAtLCA by continuing the hash chain, so the caller recovers the
// matching private keys too. Pass lcaIdx < 0 to merge public keys only
// (the case where the caller is neither sender nor decrypting receiver).
func (t *RatchetTree) Merge(from treemath.LeafIndex, path DirectPath, secretAtLCA []byte, lcaIdx int) *Error {
	directPath := treemath.DirectPath(from, t.LeafCount())
	if len(directPath) != len(path) {
		return newErr(ErrCodec, "tree", "direct path length mismatch")
	}

	secret := dup(secretAtLCA)
	for i, ancestor := range directPath {
		switch {
		case lcaIdx < 0 || i < lcaIdx:
			t.setNode(ancestor, publicOnlyNode(path[i].PublicKey))
		case i == lcaIdx:
			sk, pk, err := t.Suite.DeriveKeyPair(secret)
			if err != nil {
				return err
			}
			t.setNode(ancestor, ownedNode(sk, pk, secret))
		default:
			secret = t.Suite.Digest(secret)
			sk, pk, err := t.Suite.DeriveKeyPair(secret)
			if err != nil {
				return err
			}
			t.setNode(ancestor, ownedNode(sk, pk, secret))
		}
	}
	return nil
}

// MergePublic installs only the public keys of path, for members that are
// neither the sender nor able to decrypt any path secret on it (kept
// distinct from Merge so callers applying a Remove's blank-then-Update
// don't need a sentinel lcaIdx).
func (t *RatchetTree) MergePublic(from treemath.LeafIndex, path DirectPath) *Error {
	return t.Merge(from, path, nil, -1)
}

func (t *RatchetTree) nodeHash(x treemath.NodeIndex) []byte {
	n := t.nodeAt(x)
	if treemath.IsLeaf(x) {
		leaf := treemath.ToLeafIndex(x)
		var idxBytes [4]byte
		idxBytes[0] = byte(leaf >> 24)
		idxBytes[1] = byte(leaf >> 16)
		idxBytes[2] = byte(leaf >> 8)
		idxBytes[3] = byte(leaf)
		if n.Blank() {
			return t.Suite.Digest(idxBytes[:])
		}
		return t.Suite.Digest(idxBytes[:], n.PublicKey.Data())
	}

	left := treemath.Left(x)
	right := treemath.Right(x, t.LeafCount())
	var leftHash, rightHash []byte
	if left != nil {
		leftHash = t.nodeHash(*left)
	}
	if right != nil {
		rightHash = t.nodeHash(*right)
	}
	if n.Blank() {
		return t.Suite.Digest(leftHash, rightHash)
	}
	return t.Suite.Digest(n.PublicKey.Data(), leftHash, rightHash)
}

// TreeHash computes the recursive tree hash binding every node's public
// key and position into a single digest.
func (t *RatchetTree) TreeHash() []byte {
	return t.nodeHash(treemath.Root(t.LeafCount()))
}

// rootSecret returns the root node's secret_hash, the update_secret fed
// into the key schedule after an Encrypt (Update or Remove) has run.
// Returns an all-zero string if the root is blank, which can't happen
// after a successful Encrypt but guards Merge-only callers that haven't
// derived a root key pair themselves.
func (t *RatchetTree) rootSecret() []byte {
	root := t.nodeAt(treemath.Root(t.LeafCount()))
	if root.Blank() || root.SecretHash == nil {
		return zeros(t.Suite.HashSize())
	}
	return dup(root.SecretHash)
}

// Clone returns a deep copy safe for independent mutation.
func (t *RatchetTree) Clone() *RatchetTree {
	out := &RatchetTree{Suite: t.Suite, Nodes: make([]*Node, len(t.Nodes))}
	for i, n := range t.Nodes {
		if n == nil {
			continue
		}
		clone := *n
		clone.SecretHash = dup(n.SecretHash)
		out.Nodes[i] = &clone
	}
	return out
}

func marshalOptionalPublicKey(w *wire.Writer, n *Node) *Error {
	if n.Blank() {
		w.WriteUint8(0)
		return nil
	}
	w.WriteUint8(1)
	if err := w.WriteOpaque(n.PublicKey.Data(), 2); err != nil {
		return wrapErr(ErrCodec, "tree", err)
	}
	return nil
}

// MarshalWire writes the tree as vector<optional(RatchetNode), 4>, one
// public-key-only entry per node slot.
func (t *RatchetTree) MarshalWire(w *wire.Writer) *Error {
	var werr *Error
	err := w.WriteVector(4, func(inner *wire.Writer) {
		for _, n := range t.Nodes {
			if n == nil {
				n = &Node{}
			}
			if e := marshalOptionalPublicKey(inner, n); e != nil {
				werr = e
			}
		}
	})
	if werr != nil {
		return werr
	}
	if err != nil {
		return wrapErr(ErrCodec, "tree", err)
	}
	return nil
}

// UnmarshalRatchetTree reads a standalone public-keys-only tree snapshot
// (as delivered in a WelcomeInfo) for the given suite, rejecting any bytes
// left over once the tree is fully decoded.
func UnmarshalRatchetTree(suite CipherSuite, r *wire.Reader) (*RatchetTree, *Error) {
	out, err := unmarshalRatchetTreeBody(suite, r)
	if err != nil {
		return nil, err
	}
	if !r.Done() {
		return nil, newErr(ErrCodec, "tree", "RatchetTree decode left trailing bytes")
	}
	return out, nil
}

// unmarshalRatchetTreeBody reads a tree's fields without checking for
// trailing bytes, for use when a tree is embedded in a larger structure
// that has more fields following it on the same reader.
func unmarshalRatchetTreeBody(suite CipherSuite, r *wire.Reader) (*RatchetTree, *Error) {
	vec, err := r.ReadVector(4)
	if err != nil {
		return nil, wrapErr(ErrCodec, "tree", err)
	}

	out := &RatchetTree{Suite: suite}
	for !vec.Done() {
		present, err := vec.ReadUint8()
		if err != nil {
			return nil, wrapErr(ErrCodec, "tree", err)
		}
		if present == 0 {
			out.Nodes = append(out.Nodes, nil)
			continue
		}
		data, err := vec.ReadOpaque(2)
		if err != nil {
			return nil, wrapErr(ErrCodec, "tree", err)
		}
		pub, perr := suite.ParseHPKEPublicKey(data)
		if perr != nil {
			return nil, perr
		}
		out.Nodes = append(out.Nodes, publicOnlyNode(pub))
	}
	return out, nil
}
