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

// Package definition owns the onboarding schema: which fields a flow must
// collect, the webhook fired on completion and the optional completion
// message template. Definitions are immutable once loaded.
package definition

import (
	"fmt"
	"sort"
)

// SubField describes the shape of nested array items or object properties.
type SubField struct {
	Type        string      `yaml:"type" json:"type"`
	Required    bool        `yaml:"required,omitempty" json:"required,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Default     interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	Format      string      `yaml:"format,omitempty" json:"format,omitempty"`
	Items       interface{} `yaml:"items,omitempty" json:"items,omitempty"`
}

// Field is one named, typed datum within a Definition.
type Field struct {
	Type        string              `yaml:"type" json:"type"`
	Required    bool                `yaml:"required,omitempty" json:"required,omitempty"`
	Description string              `yaml:"description" json:"description"`
	Values      []string            `yaml:"values,omitempty" json:"values,omitempty"`
	Default     interface{}         `yaml:"default,omitempty" json:"default,omitempty"`
	Format      string              `yaml:"format,omitempty" json:"format,omitempty"`
	Example     interface{}         `yaml:"example,omitempty" json:"example,omitempty"`
	Items       map[string]SubField `yaml:"items,omitempty" json:"items,omitempty"`
	Properties  map[string]SubField `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// WebhookSpec describes how the completion webhook is delivered.
type WebhookSpec struct {
	Event      string                 `yaml:"event" json:"event"`
	Method     string                 `yaml:"method" json:"method"`
	Headers    map[string]string      `yaml:"headers,omitempty" json:"headers,omitempty"`
	BodyFormat map[string]interface{} `yaml:"body_format,omitempty" json:"body_format,omitempty"`
}

// CompletionSpec declares the message rendered from the webhook response.
type CompletionSpec struct {
	MessageTemplate string   `yaml:"message_template" json:"message_template"`
	ResponseFields  []string `yaml:"response_fields" json:"response_fields"`
}

// Definition is an onboarding schema.
type Definition struct {
	ID          string           `yaml:"id" json:"id"`
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description" json:"description"`
	Fields      map[string]Field `yaml:"fields" json:"fields"`
	Webhook     *WebhookSpec     `yaml:"webhook,omitempty" json:"webhook,omitempty"`
	Completion  *CompletionSpec  `yaml:"completion,omitempty" json:"completion,omitempty"`
}

// Validate checks structural invariants after loading.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("definition id is required")
	}
	if d.Name == "" {
		return fmt.Errorf("definition %q: name is required", d.ID)
	}
	if len(d.Fields) == 0 {
		return fmt.Errorf("definition %q: at least one field is required", d.ID)
	}
	for key, field := range d.Fields {
		if field.Type == "" {
			return fmt.Errorf("definition %q: field %q has no type", d.ID, key)
		}
	}
	if d.Completion != nil && d.Completion.MessageTemplate == "" {
		return fmt.Errorf("definition %q: completion requires message_template", d.ID)
	}
	return nil
}

// FieldKeys returns the field keys in deterministic order.
func (d *Definition) FieldKeys() []string {
	keys := make([]string, 0, len(d.Fields))
	for key := range d.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
