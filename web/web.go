// Package web carries the browser console, embedded as a tar archive so
// the appliance ships as a single binary.
package web

import _ "embed"

//go:embed ui.tar
var Assets []byte
