package smooth

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
)

// DecodeOutput decodes a task's structured output into v. Output produced
// against a response_model is usually valid JSON, but the model occasionally
// emits slightly malformed text; string outputs that fail to parse are run
// through a JSON repair pass before giving up.
func DecodeOutput(output any, v any) error {
	if output == nil {
		return fmt.Errorf("task output is empty")
	}
	switch out := output.(type) {
	case string:
		if err := json.Unmarshal([]byte(out), v); err == nil {
			return nil
		}
		repaired, err := jsonrepair.JSONRepair(out)
		if err != nil {
			return fmt.Errorf("task output is not valid JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), v); err != nil {
			return fmt.Errorf("decode repaired task output: %w", err)
		}
		return nil
	default:
		raw, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("encode task output: %w", err)
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("decode task output: %w", err)
		}
		return nil
	}
}
