package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Seednode/tracebox/protocol"
	"github.com/Seednode/tracebox/session"
)

// lineConn is a player connected over plain TCP, one message per line.
type lineConn struct {
	conn net.Conn
}

func (l *lineConn) SendLine(line string) error {
	_ = l.conn.SetWriteDeadline(time.Now().Add(timeout))

	_, err := io.WriteString(l.conn, line+protocol.Delimiter)

	return err
}

func (l *lineConn) Close() error {
	return l.conn.Close()
}

func (l *lineConn) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

// serveLines accepts line protocol players until ctx is cancelled.
func serveLines(ctx context.Context, cfg *Config, coord *session.Coordinator, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			handleLineConn(cfg, coord, conn)
		}()
	}
}

func handleLineConn(cfg *Config, coord *session.Coordinator, conn net.Conn) {
	t := &lineConn{conn: conn}

	s, err := coord.Accept(t)
	if err != nil {
		logf(cfg, "CONNS: Refused %s: %v", t.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	defer coord.Disconnect(s)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), cfg.maxLine+len(protocol.Delimiter))

	for {
		if cfg.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(cfg.idleTimeout))
		}
		if !scanner.Scan() {
			break
		}

		coord.Receive(s, scanner.Text())
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logf(cfg, "CONNS: Read from %s failed: %v", t.RemoteAddr(), err)
	}
}
