/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
	"log"
	"strings"
	"time"
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

// errorf is logged regardless of verbosity.
func errorf(format string, args ...any) {
	log.Printf("%s | ERROR: "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func logErrors(errs <-chan error) {
	for err := range errs {
		errorf("%v", err)
	}
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<meta charset="utf-8"><style>`)
	htmlBody.WriteString(`html,body{font-family:sans-serif;margin:2em;}img{display:block;margin-top:1em;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body>%s</body></html>", body))

	return htmlBody.String()
}
