// Package jsoncodec is the JSON codec used for message payloads and reports.
package jsoncodec

import (
	"github.com/bytedance/sonic"
)

// ContentType is the content type stamped on JSON payloads.
const ContentType = "application/json"

var defaultConfig = sonic.ConfigStd

// Marshal encodes v with encoding/json compatible semantics.
func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}
