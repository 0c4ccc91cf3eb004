package main

import (
	"flag"
	"fmt"
	"net"

	tls13 "github.com/tls13lab/handshake"
)

var addr string
var pskIdentity string
var pskKey string

func main() {
	flag.StringVar(&addr, "addr", "localhost:4430", "server address")
	flag.StringVar(&pskIdentity, "psk-identity", "", "hex-encoded external PSK identity")
	flag.StringVar(&pskKey, "psk-key", "", "hex-encoded external PSK key")
	flag.Parse()

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		fmt.Println("invalid addr:", err)
		return
	}

	config := &tls13.Config{ServerName: host}
	if pskIdentity != "" {
		psk, err := tls13.ExternalPSK(pskIdentity, pskKey, tls13.TLS_AES_128_GCM_SHA256)
		if err != nil {
			fmt.Println("invalid psk:", err)
			return
		}
		cache := tls13.PSKMapCache{}
		cache.Put(host, psk)
		config.PSKs = cache
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Println("dial failed:", err)
		return
	}

	tlsConn := tls13.NewConn(conn, config, true)
	if alert := tlsConn.Handshake(); alert != tls13.AlertNoAlert {
		fmt.Println("TLS handshake failed:", alert)
		return
	}

	request := "GET / HTTP/1.0\r\n\r\n"
	if _, err := tlsConn.Write([]byte(request)); err != nil {
		fmt.Println("write failed:", err)
		return
	}

	buffer := make([]byte, 1024)
	for {
		n, err := tlsConn.Read(buffer)
		if n > 0 {
			fmt.Print(string(buffer[:n]))
		}
		if err != nil {
			break
		}
	}
}
