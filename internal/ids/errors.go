package ids

import "errors"

var errBadWireLength = errors.New("ids: wire representation must be exactly 8 bytes")
