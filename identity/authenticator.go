/*
 * Copyright 2024-2025 Provenant Labs, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package identity

import (
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/provenant-ai/provenant/common"
)

// ChallengeMessage returns the canonical message a submitter signs over the
// given content digest; the digest is always embedded in the signed message
func ChallengeMessage(digest string) string {
	return fmt.Sprintf("provenant verification request: %s", strings.ToLower(strings.TrimPrefix(digest, "0x")))
}

// Authenticate recovers the secp256k1 signer of the given personal message and
// compares the recovered address to the claimed identity; the comparison is
// case-insensitive. Malformed signatures and failed recoveries yield false --
// callers cannot distinguish a wrong signer from an unparsable signature.
func Authenticate(identity, message, signature string) bool {
	if identity == "" || signature == "" {
		return false
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		common.Log.Debugf("failed to decode signature for claimed identity %s; %s", identity, err.Error())
		return false
	}

	if len(sig) != 65 {
		common.Log.Debugf("failed to authenticate claimed identity %s; invalid %d-byte signature", identity, len(sig))
		return false
	}

	// normalize the recovery id; eth_sign-style signatures carry 27/28
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return false
	}

	pub, err := ethcrypto.SigToPub(hashPersonalMessage(message), sig)
	if err != nil {
		common.Log.Debugf("failed to recover signer for claimed identity %s; %s", identity, err.Error())
		return false
	}

	return strings.EqualFold(ethcrypto.PubkeyToAddress(*pub).Hex(), identity)
}

// hashPersonalMessage applies the EIP-191 personal message prefix
func hashPersonalMessage(message string) []byte {
	return ethcrypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)))
}
