package relay

import "encoding/base64"

// encodeBase64 and decodeBase64 are the single site touching the wire
// encoding for frame payloads. Any payload that may contain arbitrary
// bytes is base64-encoded before it goes on the JSON wire.
func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
