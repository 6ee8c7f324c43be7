package sni

import (
	"errors"
	"strings"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
)

// MaxClientHelloSize bounds how many bytes the relay will buffer while
// waiting for a complete ClientHello. Anything larger is treated as
// hostile or broken.
const MaxClientHelloSize = 16 * 1024

// ErrNeedMore reports that the buffer ends mid-ClientHello. The caller
// should read more bytes and call Extract again.
var ErrNeedMore = errors.New("sni: incomplete client hello")

const (
	recordTypeHandshake  = 0x16
	handshakeClientHello = 0x01
	extServerName        = 0x0000
	nameTypeHostname     = 0x00
	recordHeaderLen      = 5
)

// Extract parses the leading bytes of a TLS connection and returns the
// SNI hostname, lowercased. It never mutates data.
//
// Errors:
//   - ErrNeedMore: data is a valid prefix but the ClientHello is not
//     complete yet.
//   - domain.ErrNotTLS: data cannot be the start of a TLS handshake.
//   - domain.ErrNoSNI: the ClientHello is complete but carries no
//     server_name extension.
//   - domain.ErrClientHelloTooLarge: the ClientHello would exceed
//     MaxClientHelloSize.
func Extract(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrNeedMore
	}
	if data[0] != recordTypeHandshake {
		return "", domain.ErrNotTLS.WithDetails("first byte is not a handshake record")
	}
	if len(data) < recordHeaderLen {
		return "", ErrNeedMore
	}
	// Legacy record version: major must be 3 for every TLS version in use.
	if data[1] != 0x03 {
		return "", domain.ErrNotTLS.WithDetails("unsupported record version")
	}

	recordLen := int(data[3])<<8 | int(data[4])
	total := recordHeaderLen + recordLen
	if total > MaxClientHelloSize {
		return "", domain.ErrClientHelloTooLarge
	}
	if len(data) < total {
		return "", ErrNeedMore
	}

	return parseClientHello(data[recordHeaderLen:total])
}

// parseClientHello walks a complete handshake record body. The record is
// fully buffered at this point, so any truncation inside it is malformed
// input rather than a short read.
func parseClientHello(hs []byte) (string, error) {
	malformed := func(what string) error {
		return domain.ErrMalformedMessage.WithDetails("client hello: " + what)
	}

	if len(hs) < 4 {
		return "", malformed("truncated handshake header")
	}
	if hs[0] != handshakeClientHello {
		return "", domain.ErrNotTLS.WithDetails("handshake is not a client hello")
	}
	bodyLen := int(hs[1])<<16 | int(hs[2])<<8 | int(hs[3])
	body := hs[4:]
	if bodyLen > len(body) {
		// The hello continues in a following record. Nobody fragments the
		// ClientHello in practice; treat it as oversized input.
		return "", domain.ErrClientHelloTooLarge.WithDetails("client hello spans records")
	}
	body = body[:bodyLen]

	// client_version(2) + random(32)
	if len(body) < 34 {
		return "", malformed("truncated version/random")
	}
	body = body[34:]

	// session_id
	if len(body) < 1 {
		return "", malformed("truncated session id")
	}
	sessLen := int(body[0])
	body = body[1:]
	if len(body) < sessLen {
		return "", malformed("session id overruns body")
	}
	body = body[sessLen:]

	// cipher_suites
	if len(body) < 2 {
		return "", malformed("truncated cipher suites")
	}
	csLen := int(body[0])<<8 | int(body[1])
	body = body[2:]
	if len(body) < csLen {
		return "", malformed("cipher suites overrun body")
	}
	body = body[csLen:]

	// compression_methods
	if len(body) < 1 {
		return "", malformed("truncated compression methods")
	}
	compLen := int(body[0])
	body = body[1:]
	if len(body) < compLen {
		return "", malformed("compression methods overrun body")
	}
	body = body[compLen:]

	// A hello without an extensions block is legal, just useless to us.
	if len(body) == 0 {
		return "", domain.ErrNoSNI
	}
	if len(body) < 2 {
		return "", malformed("truncated extensions length")
	}
	extLen := int(body[0])<<8 | int(body[1])
	body = body[2:]
	if len(body) < extLen {
		return "", malformed("extensions overrun body")
	}
	exts := body[:extLen]

	for len(exts) >= 4 {
		extType := int(exts[0])<<8 | int(exts[1])
		extDataLen := int(exts[2])<<8 | int(exts[3])
		exts = exts[4:]
		if len(exts) < extDataLen {
			return "", malformed("extension overruns block")
		}
		if extType == extServerName {
			return parseServerName(exts[:extDataLen])
		}
		exts = exts[extDataLen:]
	}
	if len(exts) != 0 {
		return "", malformed("trailing extension bytes")
	}
	return "", domain.ErrNoSNI
}

// parseServerName walks the server_name extension and returns the first
// hostname entry.
func parseServerName(ext []byte) (string, error) {
	malformed := func(what string) error {
		return domain.ErrMalformedMessage.WithDetails("server_name: " + what)
	}

	if len(ext) < 2 {
		return "", malformed("truncated list length")
	}
	listLen := int(ext[0])<<8 | int(ext[1])
	ext = ext[2:]
	if len(ext) < listLen {
		return "", malformed("list overruns extension")
	}
	list := ext[:listLen]

	for len(list) >= 3 {
		nameType := list[0]
		nameLen := int(list[1])<<8 | int(list[2])
		list = list[3:]
		if len(list) < nameLen {
			return "", malformed("entry overruns list")
		}
		if nameType == nameTypeHostname {
			host := string(list[:nameLen])
			if host == "" {
				return "", domain.ErrNoSNI
			}
			return strings.ToLower(host), nil
		}
		list = list[nameLen:]
	}
	return "", domain.ErrNoSNI
}
