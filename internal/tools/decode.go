package tools

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// DecodeArgs decodes a validated params map into a typed Go struct,
// matching kadirpekel-hector/pkg/config/loader.go's decodeConfig use of
// mapstructure with a duration/slice decode-hook chain.
func DecodeArgs(params map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		TagName:     "json",
		ErrorUnused: false,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("tools: build arg decoder: %w", err)
	}
	if err := decoder.Decode(params); err != nil {
		return fmt.Errorf("tools: decode arguments: %w", err)
	}
	return nil
}
