package utils

import (
	"github.com/denisbrodbeck/machineid"
)

// HWID is an app-scoped hash of the machine id, empty when the platform does not expose one.
var HWID = func() string {
	id, err := machineid.ProtectedID("cardsync")
	if err != nil {
		return ""
	}
	if len(id) > 16 {
		id = id[:16]
	}
	return id
}()
