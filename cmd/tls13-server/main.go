package main

import (
	"flag"
	"log"
	"net"

	tls13 "github.com/tls13lab/handshake"
)

var port string
var pskIdentity string
var pskKey string

func main() {
	flag.StringVar(&port, "port", "4430", "listen port")
	flag.StringVar(&pskIdentity, "psk-identity", "", "hex-encoded external PSK identity")
	flag.StringVar(&pskKey, "psk-key", "", "hex-encoded external PSK key")
	flag.Parse()

	config := &tls13.Config{
		ServerName:         "localhost",
		SendSessionTickets: true,
	}
	if pskIdentity != "" {
		psk, err := tls13.ExternalPSK(pskIdentity, pskKey, tls13.TLS_AES_128_GCM_SHA256)
		if err != nil {
			log.Fatalf("server: invalid psk: %s", err)
		}
		cache := tls13.PSKMapCache{}
		cache.Put(pskIdentity, psk)
		config.PSKs = cache
	}

	listener, err := net.Listen("tcp", "0.0.0.0:"+port)
	if err != nil {
		log.Fatalf("server: listen: %s", err)
	}
	log.Print("server: listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("server: accept: %s", err)
			break
		}
		log.Printf("server: accepted from %s", conn.RemoteAddr())
		go handleClient(conn, config)
	}
}

func handleClient(conn net.Conn, config *tls13.Config) {
	defer conn.Close()

	tlsConn := tls13.NewConn(conn, config, false)
	if alert := tlsConn.Handshake(); alert != tls13.AlertNoAlert {
		log.Printf("server: handshake failed: %v", alert)
		return
	}

	buf := make([]byte, 1024)
	for {
		log.Print("server: conn: waiting")
		n, err := tlsConn.Read(buf)
		if err != nil {
			log.Printf("server: conn: read: %s", err)
			break
		}
		if n == 0 {
			continue
		}

		if _, err := tlsConn.Write([]byte("hello world")); err != nil {
			log.Printf("server: write: %s", err)
			break
		}
		break
	}
	log.Println("server: conn: closed")
}
