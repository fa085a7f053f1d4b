package mls

// Node is a single ratchet-tree slot. A node is blank iff PublicKey is nil.
// PrivateKey and SecretHash are populated only for nodes this member owns
// (on its own direct path); every other filled node carries a public key
// only.
type Node struct {
	PublicKey  *HPKEPublicKey
	PrivateKey *HPKEPrivateKey
	SecretHash []byte
}

// Blank reports whether the node carries no key material at all.
func (n *Node) Blank() bool {
	return n == nil || n.PublicKey == nil
}

// Owned reports whether this member holds the node's private key.
func (n *Node) Owned() bool {
	return n != nil && n.PrivateKey != nil
}

func publicOnlyNode(pub *HPKEPublicKey) *Node {
	return &Node{PublicKey: pub}
}

func ownedNode(sk *HPKEPrivateKey, pk *HPKEPublicKey, secretHash []byte) *Node {
	return &Node{PublicKey: pk, PrivateKey: sk, SecretHash: dup(secretHash)}
}
