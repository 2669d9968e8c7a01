package schema

// Source produces a field's value instead of the caller. The set of
// implementations is closed: Static, Compute, LengthOf, SizeOf, ValueFrom.
type Source interface {
	source()
	String() string
}

// Static fixes a field to a constant. The constant is set on every new
// instance, checked on decode, and caller assignments are ignored.
type Static struct{ Value any }

// Compute calls Fn at encode time.
type Compute struct {
	Name string
	Fn   func(*Context) (any, error)
}

// LengthOf is the character count of a str, the byte count of a blob, the item
// count of an array, or the encoded byte length of a nested structure.
type LengthOf struct{ Path string }

// SizeOf is the encoded byte length of the referenced value. In headers and
// footers, "body", "message" and "payload" name the whole encoded body.
type SizeOf struct{ Path string }

// ValueFrom copies the referenced value.
type ValueFrom struct{ Path string }

func (Static) source()    {}
func (Compute) source()   {}
func (LengthOf) source()  {}
func (SizeOf) source()    {}
func (ValueFrom) source() {}

func (s Static) String() string { return "static" }

func (c Compute) String() string {
	if c.Name != "" {
		return "compute(" + c.Name + ")"
	}
	return "compute"
}

func (s LengthOf) String() string  { return "length_of(" + s.Path + ")" }
func (s SizeOf) String() string    { return "size_of(" + s.Path + ")" }
func (s ValueFrom) String() string { return "value_from(" + s.Path + ")" }

func sourcePath(src Source) (string, bool) {
	switch s := src.(type) {
	case LengthOf:
		return s.Path, true
	case SizeOf:
		return s.Path, true
	case ValueFrom:
		return s.Path, true
	default:
		return "", false
	}
}

// Context is what a Compute function sees.
type Context struct {
	// Instance holds the owning structure's values resolved so far.
	Instance *Instance
	// Body is the encoded body: the bytes written before this field for
	// fields inside a message, the complete body for headers and footers.
	Body []byte
	// Message is the wrapped message when evaluating headers and footers.
	Message *Instance
}

// Lookup resolves a dotted path against the owning instance, then against the
// wrapped message.
func (c *Context) Lookup(path string) (any, error) {
	if c.Instance != nil {
		v, err := c.Instance.Lookup(path)
		if err == nil || c.Message == nil {
			return v, err
		}
	}
	if c.Message != nil {
		return c.Message.Lookup(path)
	}
	return nil, &PathError{Path: path, Reason: "no instance in context"}
}
