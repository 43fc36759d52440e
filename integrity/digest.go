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

package integrity

import (
	"strings"

	"github.com/provenant-ai/provenant/common"
)

// Hash returns the canonical hex-encoded sha256 digest of the given content
func Hash(content string) string {
	return common.SHA256(content)
}

// Verify recomputes the digest of the given content and compares it to the
// expected digest; the comparison tolerates a 0x prefix and mixed-case hex
func Verify(content, digest string) bool {
	expected := strings.TrimPrefix(strings.ToLower(digest), "0x")
	return Hash(content) == expected
}
