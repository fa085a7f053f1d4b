package mls

import "github.com/ratchetgroup/mlscore/wire"

// Roster is the ordered sequence of optional Credentials indexed by leaf.
// Its length must always equal the tree's leaf count; a nil entry marks a
// removed or not-yet-filled slot.
type Roster struct {
	entries []*Credential
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{}
}

// Size returns the number of leaves the roster covers.
func (r *Roster) Size() int {
	return len(r.entries)
}

// AddAt sets the credential at leaf, growing the roster with blank slots
// if necessary to keep roster.len == tree.leaf_count.
func (r *Roster) AddAt(leaf int, cred *Credential) {
	for len(r.entries) <= leaf {
		r.entries = append(r.entries, nil)
	}
	r.entries[leaf] = cred
}

// BlankAt clears the credential at leaf without shrinking the roster.
func (r *Roster) BlankAt(leaf int) {
	if leaf < len(r.entries) {
		r.entries[leaf] = nil
	}
}

// Get returns the credential at leaf, or nil if blank or out of range.
func (r *Roster) Get(leaf int) *Credential {
	if leaf < 0 || leaf >= len(r.entries) {
		return nil
	}
	return r.entries[leaf]
}

// Clone returns a deep-enough copy: credentials themselves are immutable
// once signed, so only the slice backing needs copying.
func (r *Roster) Clone() *Roster {
	out := &Roster{entries: make([]*Credential, len(r.entries))}
	copy(out.entries, r.entries)
	return out
}

// MarshalWire writes the roster as vector<optional(Credential), 4>.
func (r *Roster) MarshalWire(w *wire.Writer) *Error {
	var werr *Error
	err := w.WriteVector(4, func(inner *wire.Writer) {
		for _, cred := range r.entries {
			if cred == nil {
				inner.WriteUint8(0)
				continue
			}
			inner.WriteUint8(1)
			if e := cred.MarshalWire(inner); e != nil {
				werr = e
			}
		}
	})
	if werr != nil {
		return werr
	}
	if err != nil {
		return wrapErr(ErrCodec, "roster", err)
	}
	return nil
}

// UnmarshalRoster reads a standalone roster encoded as
// vector<optional(Credential), 4>, rejecting any bytes left over once the
// roster is fully decoded.
func UnmarshalRoster(r *wire.Reader) (*Roster, *Error) {
	out, err := unmarshalRosterBody(r)
	if err != nil {
		return nil, err
	}
	if !r.Done() {
		return nil, newErr(ErrCodec, "roster", "Roster decode left trailing bytes")
	}
	return out, nil
}

// unmarshalRosterBody reads a roster's fields without checking for
// trailing bytes, for use when a roster is embedded in a larger structure
// that has more fields following it on the same reader.
func unmarshalRosterBody(r *wire.Reader) (*Roster, *Error) {
	vec, err := r.ReadVector(4)
	if err != nil {
		return nil, wrapErr(ErrCodec, "roster", err)
	}

	out := NewRoster()
	for !vec.Done() {
		present, err := vec.ReadUint8()
		if err != nil {
			return nil, wrapErr(ErrCodec, "roster", err)
		}
		if present == 0 {
			out.entries = append(out.entries, nil)
			continue
		}
		cred, cerr := unmarshalCredentialBody(vec)
		if cerr != nil {
			return nil, cerr
		}
		out.entries = append(out.entries, cred)
	}
	return out, nil
}
