package process

import (
	"encoding/json"
	"fmt"
)

// ConfirmationToken is printed by the recorder once capturing has actually begun.
const ConfirmationToken = "R"

func IsConfirmationToken(line string) bool {
	return line == ConfirmationToken
}

// EncodeArgument serializes v into the single JSON argument the recorder expects.
func EncodeArgument(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("unable to serialize %#+v: %w", v, err)
	}
	return string(b), nil
}
