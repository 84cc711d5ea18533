package kernel

// RotateKeys rotates the vault's root key to a fresh generation, keeping
// every prior generation around for decrypting data written before the
// rotation (keyring.Rotate's job). Grounded on
// original_source/autocapture_nx/kernel/key_rotation.py's rotate_keys,
// whose only externally observable property (confirmed by
// test_key_rotation.py) is that data written before rotation is still
// readable after it.
func RotateKeys(h *Handle) (int, error) {
	generation, err := h.Keyring.Rotate()
	if err != nil {
		return 0, err
	}
	if h.Builder != nil {
		_, _, _ = h.Builder.Record("keyring.rotated", "keyring.rotated", nil, nil, map[string]interface{}{
			"generation": generation,
		})
	}
	return generation, nil
}
