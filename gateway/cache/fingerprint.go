// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Key is the part of an invocation that determines its response.
type Key struct {
	ProjectID  string
	AgentName  string
	TenantID   string
	Prompt     string
	Context    map[string]interface{}
	Parameters map[string]interface{}
}

// Fingerprint derives the cache key for an invocation. encoding/json writes
// map keys in sorted order at every depth, so logically equal maps hash the
// same regardless of insertion order. A nil map equals an empty one.
func Fingerprint(k Key) (string, error) {
	reqContext, err := canonical(k.Context)
	if err != nil {
		return "", fmt.Errorf("context is not serializable: %w", err)
	}
	params, err := canonical(k.Parameters)
	if err != nil {
		return "", fmt.Errorf("parameters are not serializable: %w", err)
	}

	h := sha256.New()
	parts := [][]byte{[]byte(k.ProjectID), []byte(k.AgentName), []byte(k.TenantID), []byte(k.Prompt), reqContext, params}
	for _, part := range parts {
		// Length-prefix each part so field boundaries cannot be shifted.
		fmt.Fprintf(h, "%d:", len(part))
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonical(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	return json.Marshal(m)
}
