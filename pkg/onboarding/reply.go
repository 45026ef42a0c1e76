// Copyright 2025 Kadir Pekel
//
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

package onboarding

import (
	"encoding/json"
	"reflect"
	"strings"
)

// AssistantReply is the decoded structured provider output.
//
// Decoding is fallible but never fails: when the raw text does not carry the
// expected JSON structure, Fallback is true and Message holds the entire raw
// text, with no extraction and Complete false.
type AssistantReply struct {
	Message  string
	Data     map[string]interface{}
	Complete bool
	Fallback bool
}

// structuredReply mirrors the JSON contract the system prompt asks for.
type structuredReply struct {
	Message       string                 `json:"message"`
	ExtractedData map[string]interface{} `json:"extractedData"`
	IsComplete    bool                   `json:"isComplete"`
}

// DecodeAssistantReply parses the provider's raw text into an AssistantReply.
func DecodeAssistantReply(raw string) AssistantReply {
	fallback := AssistantReply{Message: raw, Fallback: true}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return fallback
	}

	var parsed structuredReply
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return fallback
	}

	message := parsed.Message
	if message == "" {
		message = raw
	}

	return AssistantReply{
		Message:  message,
		Data:     parsed.ExtractedData,
		Complete: parsed.IsComplete,
	}
}

// MergePatch shallow-merges an extraction patch into collected data.
// Later writes for the same key overwrite earlier ones (corrections); nil
// patch values are dropped before merging. The input map is not mutated.
// Returns the merged map and whether anything changed.
func MergePatch(data, patch map[string]interface{}) (map[string]interface{}, bool) {
	merged := make(map[string]interface{}, len(data)+len(patch))
	for key, value := range data {
		merged[key] = value
	}

	changed := false
	for key, value := range patch {
		if value == nil {
			continue
		}
		if existing, ok := merged[key]; !ok || !reflect.DeepEqual(existing, value) {
			changed = true
		}
		merged[key] = value
	}

	return merged, changed
}
