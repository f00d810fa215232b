package normalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// Chain names returned by WalletChain.
const (
	ChainEthereum = "ethereum"
	ChainBitcoin  = "bitcoin"
	ChainTron     = "tron"
)

var (
	ethPattern    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	btcPattern    = regexp.MustCompile(`^[13][1-9A-HJ-NP-Za-km-z]{25,34}$`)
	bech32Pattern = regexp.MustCompile(`^bc1[02-9ac-hj-np-z]{11,71}$`)
	tronPattern   = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)
)

// WalletChain reports the chain of a canonical wallet address, or "" when the
// format is not recognized.
func WalletChain(canonical string) string {
	_, chain, err := wallet(canonical)
	if err != nil {
		return ""
	}
	return chain
}

// wallet validates an address and returns its canonical form and chain.
// Ethereum and bech32 addresses are case-insensitive and canonicalize to
// lowercase after any checksum is verified; base58 addresses are case-sensitive
// and kept verbatim.
func wallet(raw string) (string, string, error) {
	switch {
	case ethPattern.MatchString(raw):
		if hasMixedCase(raw[2:]) && !validEIP55(raw) {
			return "", "", invalid(schemas.EntityWallet, raw, "EIP-55 checksum mismatch")
		}
		return strings.ToLower(raw), ChainEthereum, nil

	case bech32Pattern.MatchString(strings.ToLower(raw)):
		if hasMixedCase(raw) {
			return "", "", invalid(schemas.EntityWallet, raw, "mixed-case bech32 address")
		}
		lower := strings.ToLower(raw)
		if !validBech32(lower) {
			return "", "", invalid(schemas.EntityWallet, raw, "bech32 checksum mismatch")
		}
		return lower, ChainBitcoin, nil

	case btcPattern.MatchString(raw):
		if !validBase58Check(raw, 0x00, 0x05) {
			return "", "", invalid(schemas.EntityWallet, raw, "base58check checksum mismatch")
		}
		return raw, ChainBitcoin, nil

	case tronPattern.MatchString(raw):
		if !validBase58Check(raw, 0x41) {
			return "", "", invalid(schemas.EntityWallet, raw, "base58check checksum mismatch")
		}
		return raw, ChainTron, nil
	}
	return "", "", invalid(schemas.EntityWallet, raw, "unrecognized wallet format")
}

func hasMixedCase(s string) bool {
	return strings.ToLower(s) != s && strings.ToUpper(s) != s
}

// validEIP55 checks the mixed-case checksum encoding of an Ethereum address.
func validEIP55(addr string) bool {
	body := addr[2:]
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(strings.ToLower(body)))
	digest := hex.EncodeToString(h.Sum(nil))

	for i, c := range body {
		if c >= '0' && c <= '9' {
			continue
		}
		upper := digest[i] >= '8'
		if upper != (c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// validBase58Check decodes a 25-byte base58 payload and verifies the version
// byte and the double-SHA256 checksum.
func validBase58Check(addr string, versions ...byte) bool {
	raw, err := base58.Decode(addr)
	if err != nil || len(raw) != 25 {
		return false
	}
	if bytes.IndexByte(versions, raw[0]) < 0 {
		return false
	}
	first := sha256.Sum256(raw[:21])
	second := sha256.Sum256(first[:])
	return bytes.Equal(second[:4], raw[21:])
}

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// validBech32 verifies the BIP-173/BIP-350 checksum of a lowercase address.
func validBech32(addr string) bool {
	sep := strings.LastIndexByte(addr, '1')
	if sep < 1 || sep+7 > len(addr) {
		return false
	}
	hrp, data := addr[:sep], addr[sep+1:]

	values := make([]int, 0, len(hrp)*2+1+len(data))
	for _, c := range hrp {
		values = append(values, int(c)>>5)
	}
	values = append(values, 0)
	for _, c := range hrp {
		values = append(values, int(c)&31)
	}
	for _, c := range data {
		idx := strings.IndexRune(bech32Charset, c)
		if idx < 0 {
			return false
		}
		values = append(values, idx)
	}

	chk := bech32Polymod(values)
	// 1 is bech32 (segwit v0), 0x2bc830a3 is bech32m (taproot and later).
	return chk == 1 || chk == 0x2bc830a3
}

func bech32Polymod(values []int) int {
	gen := [5]int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := 1
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ v
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}
