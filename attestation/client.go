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

package attestation

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/provenant-ai/provenant/common"
)

// ClaimStatusPending indicates the network has accepted the claim but not yet attested it
const ClaimStatusPending = "pending"

// ClaimStatusConfirmed indicates the network confirmed the claim
const ClaimStatusConfirmed = "confirmed"

// ClaimStatusRejected indicates the network rejected the claim
const ClaimStatusRejected = "rejected"

const defaultRequestTimeout = time.Second * 10

// Claim represents the attestation network's view of a submitted claim
type Claim struct {
	ID     *string                `json:"id"`
	Status *string                `json:"status"`
	Proof  map[string]interface{} `json:"proof,omitempty"`
}

// Error surfaces an attestation network failure; transient errors are
// retryable by orchestration policy, permanent errors are not
type Error struct {
	Message    string
	StatusCode int
	Transient  bool
}

func (e *Error) Error() string {
	return e.Message
}

// IsTransient returns true if the given error is a retryable attestation network error
func IsTransient(err error) bool {
	if atterr, ok := err.(*Error); ok {
		return atterr.Transient
	}
	return false
}

// API is the operation-level contract the orchestrator consumes; the client is
// a relay -- it never decides verification outcome
type API interface {
	SubmitClaim(params map[string]interface{}) (*Claim, error)
	ClaimStatus(id string) (*Claim, error)
	VerifyProof(claimDigest string, proof map[string]interface{}) bool
}

// Client is a thin HTTP wrapper over the external attestation network; every
// call carries a bounded timeout and no call retries internally -- retry
// policy belongs to the orchestrator
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient initializes an attestation network client from the environment
func NewClient() *Client {
	timeout := defaultRequestTimeout
	if os.Getenv("ATTESTATION_NETWORK_TIMEOUT") != "" {
		if parsed, err := time.ParseDuration(os.Getenv("ATTESTATION_NETWORK_TIMEOUT")); err == nil {
			timeout = parsed
		}
	}

	return &Client{
		baseURL: strings.TrimSuffix(os.Getenv("ATTESTATION_NETWORK_URL"), "/"),
		token:   os.Getenv("ATTESTATION_NETWORK_TOKEN"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SubmitClaim relays a claim to the attestation network and returns the
// network-assigned claim with its initial status
func (c *Client) SubmitClaim(params map[string]interface{}) (*Claim, error) {
	status, resp, err := c.do("POST", "claims", params)
	if err != nil {
		return nil, err
	}

	claim := claimFactory(resp)
	if claim.ID == nil {
		return nil, &Error{
			Message:    fmt.Sprintf("attestation network returned %d response without a claim id", status),
			StatusCode: status,
		}
	}

	common.Log.Debugf("submitted claim to attestation network: %s", *claim.ID)
	return claim, nil
}

// ClaimStatus fetches the current status of a previously submitted claim
func (c *Client) ClaimStatus(id string) (*Claim, error) {
	_, resp, err := c.do("GET", fmt.Sprintf("claims/%s", id), nil)
	if err != nil {
		return nil, err
	}

	return claimFactory(resp), nil
}

// VerifyProof checks a proof artifact against the given claim digest; the
// artifact carries the attested digest, the network round root and a sha256
// inclusion path from digest to root
func (c *Client) VerifyProof(claimDigest string, proof map[string]interface{}) bool {
	digest, digestOk := proof["digest"].(string)
	if !digestOk || !strings.EqualFold(strings.TrimPrefix(digest, "0x"), strings.TrimPrefix(claimDigest, "0x")) {
		return false
	}

	root, rootOk := proof["root"].(string)
	if !rootOk {
		return false
	}

	current, err := hex.DecodeString(strings.TrimPrefix(digest, "0x"))
	if err != nil {
		return false
	}

	path, pathOk := proof["path"].([]interface{})
	if !pathOk {
		return false
	}

	for _, raw := range path {
		node, nodeOk := raw.(map[string]interface{})
		if !nodeOk {
			return false
		}

		nodeHash, nodeHashOk := node["hash"].(string)
		if !nodeHashOk {
			return false
		}

		sibling, err := hex.DecodeString(strings.TrimPrefix(nodeHash, "0x"))
		if err != nil {
			return false
		}

		h := sha256.New()
		if position, positionOk := node["position"].(string); positionOk && position == "left" {
			h.Write(sibling)
			h.Write(current)
		} else {
			h.Write(current)
			h.Write(sibling)
		}
		current = h.Sum(nil)
	}

	return strings.EqualFold(hex.EncodeToString(current), strings.TrimPrefix(root, "0x"))
}

func (c *Client) do(method, path string, params map[string]interface{}) (int, map[string]interface{}, error) {
	var body *bytes.Buffer = bytes.NewBuffer(nil)
	if params != nil {
		payload, err := json.Marshal(params)
		if err != nil {
			return 0, nil, &Error{Message: fmt.Sprintf("failed to marshal attestation network request; %s", err.Error())}
		}
		body = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequest(method, fmt.Sprintf("%s/%s", c.baseURL, path), body)
	if err != nil {
		return 0, nil, &Error{Message: fmt.Sprintf("failed to initialize attestation network request; %s", err.Error())}
	}

	req.Header.Set("content-type", "application/json")
	if c.token != "" {
		req.Header.Set("authorization", fmt.Sprintf("bearer %s", c.token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// timeouts and connection failures are transient
		return 0, nil, &Error{
			Message:   fmt.Sprintf("attestation network request failed; %s", err.Error()),
			Transient: true,
		}
	}
	defer resp.Body.Close()

	response := map[string]interface{}{}
	json.NewDecoder(resp.Body).Decode(&response)

	if resp.StatusCode >= 500 {
		return resp.StatusCode, nil, &Error{
			Message:    fmt.Sprintf("attestation network returned %d response", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Transient:  true,
		}
	} else if resp.StatusCode >= 400 {
		msg := fmt.Sprintf("attestation network returned %d response", resp.StatusCode)
		if errmsg, errmsgOk := response["message"].(string); errmsgOk {
			msg = fmt.Sprintf("%s; %s", msg, errmsg)
		}
		return resp.StatusCode, nil, &Error{
			Message:    msg,
			StatusCode: resp.StatusCode,
		}
	}

	return resp.StatusCode, response, nil
}

func claimFactory(params map[string]interface{}) *Claim {
	claim := &Claim{}

	if id, idOk := params["id"].(string); idOk {
		claim.ID = common.StringOrNil(id)
	}
	if status, statusOk := params["status"].(string); statusOk {
		claim.Status = common.StringOrNil(status)
	}
	if proof, proofOk := params["proof"].(map[string]interface{}); proofOk {
		claim.Proof = proof
	}

	return claim
}
