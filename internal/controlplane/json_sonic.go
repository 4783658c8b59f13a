//go:build sonic

package controlplane

import "github.com/bytedance/sonic"

// event stream payloads
var jsonMarshal = sonic.Marshal
