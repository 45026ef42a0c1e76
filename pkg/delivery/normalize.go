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

package delivery

import "strings"

// NormalizePhone canonicalizes a destination phone number.
//
// Argentine mobile numbers must carry the "9" mobile prefix after the
// country code ("54911..." not "5411..."), otherwise WhatsApp resolves them
// to the landline identity and messages silently go nowhere.
func NormalizePhone(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)

	if strings.HasPrefix(digits, "54") && !strings.HasPrefix(digits, "549") {
		digits = "549" + digits[2:]
	}

	return digits
}
