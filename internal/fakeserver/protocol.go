package fakeserver

import (
	"bufio"
	"bytes"
	"net"
)

type protocolType int

const (
	protocolTCP protocolType = iota
	protocolHTTP
)

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST"), []byte("PUT "), []byte("HEAD"),
	[]byte("OPTI"), []byte("PATC"), []byte("DELE"), []byte("CONN"),
}

// detectProtocol peeks at the first bytes to tell HTTP (WebSocket upgrades
// and the REST API) from length-prefixed TCP frames.
func detectProtocol(conn net.Conn) (protocolType, *bufio.Reader, error) {
	reader := bufio.NewReader(conn)

	peek, err := reader.Peek(4)
	if err != nil {
		return protocolTCP, reader, err
	}
	for _, m := range httpMethods {
		if bytes.HasPrefix(peek, m) {
			return protocolHTTP, reader, nil
		}
	}
	return protocolTCP, reader, nil
}
