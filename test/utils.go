// +build integration

package test

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const defaultAPIBaseURL = "http://localhost:8080"

var httpClient = &http.Client{
	Timeout: time.Second * 30,
}

func apiBaseURL() string {
	if os.Getenv("API_BASE_URL") != "" {
		return os.Getenv("API_BASE_URL")
	}
	return defaultAPIBaseURL
}

func apiRequest(method, path string, params map[string]interface{}) (int, map[string]interface{}, error) {
	var body *bytes.Buffer = bytes.NewBuffer(nil)
	if params != nil {
		payload, err := json.Marshal(params)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequest(method, fmt.Sprintf("%s%s", apiBaseURL(), path), body)
	if err != nil {
		return 0, nil, err
	}

	req.Header.Set("content-type", "application/json")
	if os.Getenv("API_TOKEN") != "" {
		req.Header.Set("authorization", fmt.Sprintf("bearer %s", os.Getenv("API_TOKEN")))
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	response := map[string]interface{}{}
	json.NewDecoder(resp.Body).Decode(&response)
	return resp.StatusCode, response, nil
}

type submitter struct {
	key *ecdsa.PrivateKey
}

func submitterFactory() (*submitter, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &submitter{key: key}, nil
}

func (s *submitter) identity() string {
	return ethcrypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

func (s *submitter) sign(message string) (string, error) {
	hash := ethcrypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)))
	sig, err := ethcrypto.Sign(hash, s.key)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// awaitVerificationStatus polls the verification until it leaves the given
// status or the timeout elapses
func awaitVerificationStatus(verificationID, status string, timeout time.Duration) (map[string]interface{}, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		code, verification, err := apiRequest("GET", fmt.Sprintf("/api/v1/verifications/%s", verificationID), nil)
		if err != nil {
			return nil, err
		}
		if code != 200 {
			return nil, fmt.Errorf("failed to fetch verification %s; %d response", verificationID, code)
		}
		if current, ok := verification["status"].(string); ok && current != status {
			return verification, nil
		}
		time.Sleep(time.Second)
	}
	return nil, fmt.Errorf("verification %s still %s after %s", verificationID, status, timeout)
}
