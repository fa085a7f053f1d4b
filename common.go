package mls

import (
	"fmt"
)

func dup(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

// zeros returns an all-zero buffer of length n, used as the seed
// all-zero init_secret at group creation and as the no-fresh-entropy
// update_secret for an Add.
func zeros(n int) []byte {
	return make([]byte, n)
}

func validateEnum(v interface{}, known ...interface{}) error {
	for _, kv := range known {
		if v == kv {
			return nil
		}
	}
	return fmt.Errorf("Unknown enum value: %v", v)
}
