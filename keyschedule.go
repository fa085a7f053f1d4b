package mls

// KeyScheduleEpoch holds the secrets derived for a single epoch, expanded
// from the prior epoch's init_secret and the tree's fresh update_secret
// under a GroupContext binding.
//
//	epoch_secret        = kdf_extract(init_secret, update_secret)
//	application_secret  = kdf_expand_label(epoch_secret, "app", Hash.out, group_context)
//	confirmation_key    = kdf_expand_label(epoch_secret, "confirm", Hash.out, group_context)
//	sender_data_secret  = kdf_expand_label(epoch_secret, "sender data", Hash.out, group_context)
//	init_secret'        = kdf_expand_label(epoch_secret, "init", Hash.out, group_context)
type KeyScheduleEpoch struct {
	Suite             CipherSuite
	EpochSecret       []byte
	ApplicationSecret []byte
	ConfirmationKey   []byte
	SenderDataSecret  []byte
	InitSecret        []byte
}

// deriveEpochSchedule computes the full KeyScheduleEpoch for a transition
// out of initSecret (the previous epoch's init_secret' output, or the
// all-zero string at group creation) driven by updateSecret (the tree's
// root secret_hash after the epoch's direct-path operation, or the
// all-zero string for an Add, which injects no fresh entropy of its own).
func deriveEpochSchedule(suite CipherSuite, initSecret, updateSecret, groupContext []byte) *KeyScheduleEpoch {
	epochSecret := suite.HKDFExtract(initSecret, updateSecret)
	return &KeyScheduleEpoch{
		Suite:             suite,
		EpochSecret:       epochSecret,
		ApplicationSecret: suite.DeriveSecret(epochSecret, "app", groupContext),
		ConfirmationKey:   suite.DeriveSecret(epochSecret, "confirm", groupContext),
		SenderDataSecret:  suite.DeriveSecret(epochSecret, "sender data", groupContext),
		InitSecret:        suite.DeriveSecret(epochSecret, "init", groupContext),
	}
}

// SenderDataKey derives the AEAD key used to protect per-sender metadata
// from this epoch's sender_data_secret.
func (k *KeyScheduleEpoch) SenderDataKey() []byte {
	return k.Suite.HKDFExpandLabel(k.SenderDataSecret, "sender data key", nil, k.Suite.KeySize())
}

// Export derives an application-specific secret of the requested length
// from this epoch's application_secret, per the exporter interface
// expected of an MLS-style key schedule.
func (k *KeyScheduleEpoch) Export(label string, context []byte, length int) []byte {
	return k.Suite.HKDFExpandLabel(k.ApplicationSecret, label, context, length)
}
