package cli

import (
	"encoding/json"
	"io"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// writeStructured writes v as JSON or YAML. It reports false for the text
// format so the caller can render its own layout.
func writeStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return true, goerr.Wrap(err, "failed to encode json")
		}
		return true, nil

	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		if err := enc.Encode(v); err != nil {
			return true, goerr.Wrap(err, "failed to encode yaml")
		}
		return true, nil

	case formatText, "":
		return false, nil
	}

	return true, goerr.New("unknown output format", goerr.V("format", format))
}
