package protocol

import (
	"encoding/json"
	"sort"

	"github.com/invopop/jsonschema"
)

// Schemas returns one JSON Schema per wire event, keyed by event name.
func Schemas() map[string]*jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	return map[string]*jsonschema.Schema{
		"envelope":       reflector.Reflect(&Envelope{}),
		EventUserMessage: reflector.Reflect(&UserMessage{}),
		EventTyping:      reflector.Reflect(&Typing{}),
		EventPreferences: reflector.Reflect(&Preferences{}),
		EventConnected:   reflector.Reflect(&Ack{}),
		EventBotResponse: reflector.Reflect(&BotResponse{}),
		EventBotTyping:   reflector.Reflect(&BotTyping{}),
		EventError:       reflector.Reflect(&ErrorEvent{}),
	}
}

func SchemaNames() []string {
	names := make([]string, 0, 8)
	for name := range Schemas() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemaJSON renders the named schema as indented JSON.
func SchemaJSON(name string) ([]byte, bool, error) {
	schema, ok := Schemas()[name]
	if !ok {
		return nil, false, nil
	}
	b, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, true, err
	}
	return b, true, nil
}
