package main

import (
	"bufio"
	"io"
)

// scanLines feeds the lines of in to the returned channel until EOF or until
// done is closed. The channel is closed when the reader goroutine exits.
func scanLines(in io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()
	return lines
}
