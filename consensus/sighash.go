package consensus

// SignatureScript layout for a non-coinbase input: a CompactSize-prefixed
// DER signature followed by a CompactSize-prefixed compressed secp256k1
// public key. One signature scheme, so the script needs no tagging.
const maxSignatureBytes = 80
const maxPubkeyBytes = 33

// BuildSignatureScript encodes sig and pubkey into the wire ScriptSig shape.
func BuildSignatureScript(sig, pubkey []byte) []byte {
	out := AppendCompactSize(nil, uint64(len(sig)))
	out = append(out, sig...)
	out = AppendCompactSize(out, uint64(len(pubkey)))
	out = append(out, pubkey...)
	return out
}

// ParseSignatureScript decodes the layout BuildSignatureScript produces.
func ParseSignatureScript(script []byte) (sig, pubkey []byte, err error) {
	c := newCursor(script)
	sigLen, err := c.readCompactSize(maxSignatureBytes)
	if err != nil {
		return nil, nil, err
	}
	sig, err = c.readExact(int(sigLen))
	if err != nil {
		return nil, nil, err
	}
	pubLen, err := c.readCompactSize(maxPubkeyBytes)
	if err != nil {
		return nil, nil, err
	}
	pubkey, err = c.readExact(int(pubLen))
	if err != nil {
		return nil, nil, err
	}
	return sig, pubkey, nil
}

// SighashDigest computes the digest an input's signature binds: the
// network's chain id, version, every input's prevout and sequence, every
// output, locktime, and the index of the input being signed. No input's
// SignatureScript is covered, so a signature never signs over script
// bytes. chainID provides cross-network replay protection.
func SighashDigest(tx *Transaction, inputIndex int, chainID uint32) Hash256 {
	var buf []byte
	buf = appendU32LE(buf, chainID)
	buf = appendU32LE(buf, tx.Version)
	buf = AppendCompactSize(buf, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.Prev.Txid[:]...)
		buf = appendU32LE(buf, in.Prev.Index)
		buf = appendU32LE(buf, in.Sequence)
	}
	buf = AppendCompactSize(buf, uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = appendU64LE(buf, out.Value)
		buf = append(buf, out.Recipient[:]...)
	}
	buf = appendU32LE(buf, tx.LockTime)
	buf = appendU32LE(buf, uint32(inputIndex))
	return DoubleSHA256(buf)
}
