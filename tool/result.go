package tool

import "encoding/json"

// Destination decides where a tool result is routed once the relay has it.
type Destination int

const (
	// ToServer feeds the result text back into the model's context as a
	// function_call_output, so the model can narrate it.
	ToServer Destination = iota
	// ToClient sends an empty function_call_output upstream and pushes the
	// real result to the downstream client out of band, bypassing model
	// re-narration.
	ToClient
)

func (d Destination) String() string {
	switch d {
	case ToClient:
		return "to_client"
	default:
		return "to_server"
	}
}

// Result is what a handler produces: either plain text or a JSON-serializable
// value, plus its destination. Use Text or JSON to construct one.
type Result struct {
	text        string
	value       any
	structured  bool
	destination Destination
}

func Text(text string, dest Destination) Result {
	return Result{text: text, destination: dest}
}

func JSON(value any, dest Destination) Result {
	return Result{value: value, structured: true, destination: dest}
}

// Error builds a ToServer result carrying an error payload, used when a
// handler fails so the conversation continues instead of aborting.
func Error(err error) Result {
	return JSON(map[string]string{"error": err.Error()}, ToServer)
}

func (r Result) Destination() Destination {
	return r.destination
}

// Output renders the canonical wire text: plain text as-is, structured
// values via encoding/json, nothing as the empty string.
func (r Result) Output() string {
	if !r.structured {
		return r.text
	}
	if r.value == nil {
		return ""
	}
	data, err := json.Marshal(r.value)
	if err != nil {
		return ""
	}
	return string(data)
}
