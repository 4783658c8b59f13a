//go:build !sonic

package controlplane

import "github.com/goccy/go-json"

// event stream payloads
var jsonMarshal = json.Marshal
