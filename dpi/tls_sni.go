package dpi

import "encoding/binary"

// ExtractClientHelloSNI walks a TLS handshake ClientHello message (the bytes
// returned by a crypto-fragment reassembler's contiguous prefix, starting at
// the handshake header) and returns the server name from the SNI extension,
// if present. It is not a general TLS parser: anything it cannot walk
// confidently, it gives up on rather than guessing.
func ExtractClientHelloSNI(b []byte) (string, bool) {
	// Handshake header: type(1) + length(3).
	if len(b) < 4 || b[0] != 0x01 {
		return "", false
	}
	b = b[4:]

	// ClientHello body: version(2) + random(32) + session_id.
	if len(b) < 34 {
		return "", false
	}
	b = b[34:]
	if len(b) < 1 {
		return "", false
	}
	sidLen := int(b[0])
	b = b[1:]
	if len(b) < sidLen {
		return "", false
	}
	b = b[sidLen:]

	// cipher_suites.
	if len(b) < 2 {
		return "", false
	}
	csLen := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < csLen {
		return "", false
	}
	b = b[csLen:]

	// compression_methods.
	if len(b) < 1 {
		return "", false
	}
	cmLen := int(b[0])
	b = b[1:]
	if len(b) < cmLen {
		return "", false
	}
	b = b[cmLen:]

	// extensions.
	if len(b) < 2 {
		return "", false
	}
	extTotal := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < extTotal {
		return "", false
	}
	b = b[:extTotal]

	for len(b) >= 4 {
		extType := binary.BigEndian.Uint16(b)
		extLen := int(binary.BigEndian.Uint16(b[2:]))
		b = b[4:]
		if len(b) < extLen {
			return "", false
		}
		body := b[:extLen]
		b = b[extLen:]
		if extType != 0x0000 { // server_name
			continue
		}
		if len(body) < 2 {
			continue
		}
		listLen := int(binary.BigEndian.Uint16(body))
		body = body[2:]
		if len(body) < listLen {
			continue
		}
		for len(body) >= 3 {
			nameType := body[0]
			nameLen := int(binary.BigEndian.Uint16(body[1:]))
			body = body[3:]
			if len(body) < nameLen {
				break
			}
			name := body[:nameLen]
			body = body[nameLen:]
			if nameType == 0x00 { // host_name
				return string(name), true
			}
		}
	}
	return "", false
}
