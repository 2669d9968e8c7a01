package protocol

import "errors"

var (
	ErrDuplicateType    = errors.New("protocol: type already registered")
	ErrUnregisteredType = errors.New("protocol: type not registered")
	ErrNilSchema        = errors.New("protocol: nil schema")
	ErrEnvelopeValues   = errors.New("protocol: bad header or footer values")
)
