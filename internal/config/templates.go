package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "telemetry":
		return telemetryTemplate, nil
	case "minimal":
		return minimalTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const minimalTemplate = `[[schema]]
name = "Ping"
  [[schema.field]]
  name = "seq"
  type = "uint(32)"
`

const telemetryTemplate = `[log]
level = "info"
timestamp = true

[limits]
max_type_name_len = 256
max_buffered_bytes = 8388608

[inspect]
name = "packerctl"
addr = "127.0.0.1:9200"
cors_origins = ["http://localhost:3000"]

[transport]
addr = "127.0.0.1:9300"
write_timeout = "15s"
max_connect_attempts = 5

[transport.tls]
enabled = false

[metrics]
enabled = true
labels = { node = "local" }

[[enum]]
name = "kind"
size = 1
values = { ping = 1, pong = 2, data = 3 }

[[schema]]
name = "Header"
partial = true
  [[schema.field]]
  name = "version"
  type = "uint(8)"
  [[schema.field]]
  name = "length"
  type = "uint(16)"

[[schema]]
name = "Meta"
partial = true
  [[schema.field]]
  name = "source"
  type = "str"
  [[schema.field]]
  name = "seq"
  type = "uint(32)"

[[schema]]
name = "Status"
bitwise = true
  [[schema.field]]
  name = "priority"
  type = "bits(3)"
  [[schema.field]]
  name = "urgent"
  type = "bool"
  [[schema.field]]
  name = "offset"
  type = "sbits(4)"
  [[schema.field]]
  name = "code"
  type = "uint(8)"

[[schema]]
name = "Telemetry"
  [[schema.field]]
  name = "header"
  nested = "Header"
    [[schema.field.assign]]
    target = "length"
    length_of = "readings"
  [[schema.field]]
  name = "kind"
  type = "kind"
  [[schema.field]]
  name = "readings"
  type = "uint(16)"
  count_prefixed = true
  [[schema.field]]
  name = "note"
  type = "str"
  when = "kind"
  equals = "data"
  [[schema.field]]
  name = "meta"
  nested = "Meta"
  serializer = "cbor"

[[header]]
name = "magic"
type = "uint(16)"
static = 0xCAFE

[[header]]
name = "fields"
type = "uint(8)"
compute = "field_count"

[[footer]]
name = "size"
type = "uint(32)"
size_of = "body"

[[footer]]
name = "crc"
type = "uint(32)"
compute = "crc32_body"
`
