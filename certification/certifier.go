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

package certification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/provenant-ai/provenant/common"
)

const defaultRequestTimeout = time.Second * 10

// Error surfaces a certification gateway failure; transient errors are
// redelivered by the consumer, permanent errors are recorded and dropped
type Error struct {
	Message    string
	StatusCode int
	Transient  bool
}

func (e *Error) Error() string {
	return e.Message
}

// IsTransient returns true if the given error is a retryable certification gateway error
func IsTransient(err error) bool {
	if certerr, ok := err.(*Error); ok {
		return certerr.Transient
	}
	return false
}

// API is the downstream certification contract; certification is strictly
// fire-and-forget from the verification lifecycle's perspective
type API interface {
	Certify(params map[string]interface{}) error
}

// Gateway is a thin HTTP wrapper over the external certification gateway
type Gateway struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewGateway initializes a certification gateway client from the environment
func NewGateway() *Gateway {
	timeout := defaultRequestTimeout
	if os.Getenv("CERTIFICATION_GATEWAY_TIMEOUT") != "" {
		if parsed, err := time.ParseDuration(os.Getenv("CERTIFICATION_GATEWAY_TIMEOUT")); err == nil {
			timeout = parsed
		}
	}

	return &Gateway{
		baseURL: strings.TrimSuffix(os.Getenv("CERTIFICATION_GATEWAY_URL"), "/"),
		token:   os.Getenv("CERTIFICATION_GATEWAY_TOKEN"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Certify relays a certified verification to the downstream gateway
func (g *Gateway) Certify(params map[string]interface{}) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return &Error{Message: fmt.Sprintf("failed to marshal certification request; %s", err.Error())}
	}

	req, err := http.NewRequest("POST", fmt.Sprintf("%s/certificates", g.baseURL), bytes.NewBuffer(payload))
	if err != nil {
		return &Error{Message: fmt.Sprintf("failed to initialize certification request; %s", err.Error())}
	}

	req.Header.Set("content-type", "application/json")
	if g.token != "" {
		req.Header.Set("authorization", fmt.Sprintf("bearer %s", g.token))
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &Error{
			Message:   fmt.Sprintf("certification gateway request failed; %s", err.Error()),
			Transient: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &Error{
			Message:    fmt.Sprintf("certification gateway returned %d response", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Transient:  true,
		}
	} else if resp.StatusCode >= 400 {
		return &Error{
			Message:    fmt.Sprintf("certification gateway returned %d response", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}

	common.Log.Debugf("relayed certified verification to certification gateway; %d response", resp.StatusCode)
	return nil
}
