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

package definition

// CollectedData maps field keys to the values gathered so far.
type CollectedData map[string]interface{}

// KeyedField pairs a field with its key.
type KeyedField struct {
	Key   string
	Field Field
}

// CollectedField is a field together with its collected value.
type CollectedField struct {
	Key   string
	Field Field
	Value interface{}
}

// PendingFields returns the fields not yet present in data, in key order.
func PendingFields(def *Definition, data CollectedData) []KeyedField {
	var pending []KeyedField
	for _, key := range def.FieldKeys() {
		if _, ok := data[key]; !ok {
			pending = append(pending, KeyedField{Key: key, Field: def.Fields[key]})
		}
	}
	return pending
}

// CollectedFields returns the fields already present in data, in key order.
func CollectedFields(def *Definition, data CollectedData) []CollectedField {
	var collected []CollectedField
	for _, key := range def.FieldKeys() {
		if value, ok := data[key]; ok {
			collected = append(collected, CollectedField{Key: key, Field: def.Fields[key], Value: value})
		}
	}
	return collected
}

// IsComplete reports whether every required field key is present in data.
// Optional fields never affect completeness.
func IsComplete(def *Definition, data CollectedData) bool {
	for key, field := range def.Fields {
		if !field.Required {
			continue
		}
		if _, ok := data[key]; !ok {
			return false
		}
	}
	return true
}
