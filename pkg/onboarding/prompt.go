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
	"fmt"
	"strings"

	"github.com/kadirpekel/nudge/pkg/definition"
	"github.com/kadirpekel/nudge/pkg/store"
)

// BuildSystemPrompt renders the per-turn system prompt from the definition,
// the data collected so far and the conversation status.
func BuildSystemPrompt(def *definition.Definition, data definition.CollectedData, status store.Status) string {
	var b strings.Builder

	fmt.Fprintf(&b, `Sos el asistente de onboarding de %s. Guiás al dueño del negocio para completar su configuración a través de una conversación natural.

Hablás en español argentino (voseo). Sos amigable y profesional. Respondé en texto plano, sin markdown. Sé conciso: 2-4 oraciones. No inventes datos, usá solo lo que el usuario te diga.

%s

`, def.Name, def.Description)

	b.WriteString("Campos a recopilar:\n")
	for _, key := range def.FieldKeys() {
		field := def.Fields[key]
		b.WriteString(describeField(key, field))
	}

	collected := definition.CollectedFields(def, data)
	if len(collected) > 0 {
		b.WriteString("\nDatos ya recopilados:\n")
		for _, cf := range collected {
			value, _ := json.Marshal(cf.Value)
			fmt.Fprintf(&b, "- %s: %s\n", cf.Key, value)
		}
	} else {
		b.WriteString("\nDatos ya recopilados: (ninguno)\n")
	}

	var pendingRequired, pendingOptional []string
	for _, pf := range definition.PendingFields(def, data) {
		if pf.Field.Required {
			pendingRequired = append(pendingRequired, pf.Key)
		} else {
			pendingOptional = append(pendingOptional, pf.Key)
		}
	}
	if len(pendingRequired) > 0 {
		fmt.Fprintf(&b, "\nCampos obligatorios pendientes: %s\n", strings.Join(pendingRequired, ", "))
	}
	if len(pendingOptional) > 0 {
		fmt.Fprintf(&b, "Campos opcionales pendientes: %s\n", strings.Join(pendingOptional, ", "))
	}

	b.WriteString("\n")
	b.WriteString(statusInstruction(status))

	b.WriteString(`

Respondé SIEMPRE con un único objeto JSON, sin texto fuera del JSON:
{"message": "tu respuesta para el usuario", "extractedData": {<campos que extrajiste de este intercambio, o {} si no hay>}, "isComplete": <true solo cuando el usuario confirmó explícitamente que los datos están bien>}

En extractedData incluí solo campos con información concreta dada por el usuario. No repitas campos ya recopilados salvo que el usuario los esté corrigiendo.`)

	return b.String()
}

func describeField(key string, field definition.Field) string {
	var b strings.Builder

	required := "opcional"
	if field.Required {
		required = "obligatorio"
	}
	fmt.Fprintf(&b, "- %s (%s, %s): %s", key, field.Type, required, field.Description)

	if len(field.Values) > 0 {
		fmt.Fprintf(&b, " [valores: %s]", strings.Join(field.Values, ", "))
	}
	if field.Format != "" {
		fmt.Fprintf(&b, " [formato: %s]", field.Format)
	}
	if field.Example != nil {
		example, _ := json.Marshal(field.Example)
		fmt.Fprintf(&b, " [ejemplo: %s]", example)
	}
	b.WriteString("\n")

	return b.String()
}

func statusInstruction(status store.Status) string {
	switch status {
	case store.StatusReviewing:
		return "Todos los datos obligatorios ya están. Presentá un resumen de lo recopilado, preguntá si está todo bien y mencioná los campos opcionales que todavía puede agregar. Marcá isComplete en true solo cuando el usuario confirme."
	default:
		return "Preguntá por UN campo pendiente a la vez, de forma natural. No apures al usuario ni le pidas varios datos juntos. Si pregunta algo fuera de tema, redirigilo amablemente al proceso de configuración."
	}
}
