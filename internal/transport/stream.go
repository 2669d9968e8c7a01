package transport

import "github.com/danmuck/wirepack/internal/protocol"

// deliver decodes data from source and passes every complete or invalid
// outcome to fn, following Trailing until the input is used up or a frame
// is left incomplete.
func deliver(p *protocol.Protocol, source string, data []byte, fn func(protocol.Outcome) error) error {
	for len(data) > 0 {
		out, err := p.Decode(data, source)
		if err != nil {
			return err
		}
		if out.Kind == protocol.Incomplete {
			return nil
		}
		if err := fn(out); err != nil {
			return err
		}
		if out.Kind != protocol.OK {
			return nil
		}
		data = out.Trailing
	}
	return nil
}
