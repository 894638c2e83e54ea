// Command client is a minimal line client for the chat server: stdin goes
// to the server, server output goes to stdout.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9999", "chat server address")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		logrus.Fatalf("connect to %s: %v", *addr, err)
	}
	defer func() { _ = conn.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := io.Copy(os.Stdout, conn); err != nil {
			logrus.Debugf("read: %v", err)
		}
		fmt.Fprintln(os.Stderr, "connection closed")
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if _, err := fmt.Fprintf(conn, "%s\n", scanner.Text()); err != nil {
			logrus.Errorf("send: %v", err)
			break
		}
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	<-done
}
