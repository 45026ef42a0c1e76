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

import (
	"fmt"
	"strings"
)

// RenderCompletionMessage substitutes {field} tokens in the definition's
// completion template with values from the webhook response body.
//
// Returns ok=false when the definition has no completion section, when the
// response is nil, or when any referenced field is missing from the response.
// A partially rendered message is never produced.
func RenderCompletionMessage(def *Definition, response map[string]interface{}) (string, bool) {
	if def.Completion == nil {
		return "", false
	}
	if response == nil {
		return "", false
	}

	message := def.Completion.MessageTemplate
	for _, field := range def.Completion.ResponseFields {
		value, ok := response[field]
		if !ok || value == nil {
			return "", false
		}
		message = strings.ReplaceAll(message, "{"+field+"}", fmt.Sprintf("%v", value))
	}

	return message, true
}
