/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
	"html"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

func serveHomePage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		host := r.Host
		if h, _, err := net.SplitHostPort(r.Host); err == nil {
			host = h
		}

		var body strings.Builder

		body.WriteString("<h1>tracebox</h1>")
		body.WriteString("<p>Two players trace a shape together. Each connects, sends <code>ready &lt;name&gt;</code>, ")
		body.WriteString("then streams <code>x,y</code> positions until the round is won.</p>")
		body.WriteString(fmt.Sprintf("<p>Line protocol: <code>%s</code></p>",
			html.EscapeString(net.JoinHostPort(host, strconv.Itoa(cfg.port)))))
		body.WriteString(fmt.Sprintf("<p>Websocket: <code>%s</code></p>", html.EscapeString(wsURL(cfg, r))))
		body.WriteString(fmt.Sprintf(`<p><a href="%s/status">Current status</a></p>`, cfg.prefix))
		body.WriteString(fmt.Sprintf(`<img src="%s/qr" alt="QR code for the websocket address" width="320" height="320">`, cfg.prefix))

		page := newPage("tracebox", body.String())

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		written, err := w.Write([]byte(page))
		if err != nil {
			return
		}

		logf(cfg, "SERVE: Home page (%s) to %s in %s",
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveHealthCheck(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)

		_, err := w.Write([]byte("Ok\n"))
		if err != nil {
			errs <- err

			return
		}
	}
}

func serveRobots(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		data := `User-agent: *
Disallow: /`

		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(cfg, w)

		_, err := w.Write([]byte(data))
		if err != nil {
			errs <- err

			return
		}
	}
}
