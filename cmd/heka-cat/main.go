/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
#
# The Initial Developer of the Original Code is the Mozilla Foundation.
# Portions created by the Initial Developer are Copyright (C) 2014-2015
# the Initial Developer. All Rights Reserved.
#
# Contributor(s):
#   Mike Trinkala (trink@mozilla.com)
# ***** END LICENSE BLOCK *****/

/*

A command-line utility for counting, viewing, filtering, and extracting
Heka-framed message streams (§6 "CLI driver").

*/
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/mozilla-services/heka/message"
)

const readChunk = 64 * 1024

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("heka-cat", flag.ContinueOnError)
	textMode := fs.Bool("t", false, "text dump (default)")
	countMode := fs.Bool("c", false, "count matching messages only")
	hekaMode := fs.Bool("h", false, "re-emit matching messages Heka-framed")
	matchExpr := fs.String("m", "TRUE", "message_matcher filter expression")
	follow := fs.Bool("f", false, "follow the file, don't exit on EOF")
	lastN := fs.Int("n", 0, "start from the last N frames instead of the beginning")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: heka-cat [-t|-c|-h] [-m match_expr] [-f] [-n last-N] FILE")
		return 1
	}

	match, err := message.CreateMatcherSpecification(*matchExpr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "match specification: %s\n", err)
		return 2
	}

	path := fs.Arg(0)
	var in *os.File
	if path == "-" {
		in = os.Stdin
	} else {
		in, err = os.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			return 3
		}
		defer in.Close()
	}

	if *lastN > 0 && path != "-" {
		if err := seekToLastNFrames(in, *lastN); err != nil {
			fmt.Fprintf(os.Stderr, "seeking to last %d frames: %s\n", *lastN, err)
			return 3
		}
	}

	mode := "txt"
	switch {
	case *countMode:
		mode = "count"
	case *hekaMode:
		mode = "heka"
	case *textMode:
		mode = "txt"
	}

	return dump(in, match, mode, *follow, os.Stdout)
}

// dump drives the resumable framer (message.FindMessage) over in,
// formatting each matching message per mode, until EOF (or forever,
// if follow is set).
func dump(in io.Reader, match *message.MatcherSpecification, mode string, follow bool, out io.Writer) int {
	ib := message.NewInputBuffer(0)
	buf := make([]byte, readChunk)
	var processed, matched int64
	var discarded int

	for {
		m, raw, found := message.FindMessage(ib, true, &discarded)
		if found {
			processed++
			if match.IsMatch(m) {
				matched++
				writeRecord(out, mode, m, raw)
			}
			continue
		}

		n, err := in.Read(buf)
		if n > 0 {
			if appendErr := ib.Append(buf[:n]); appendErr != nil {
				fmt.Fprintf(os.Stderr, "buffer append: %s\n", appendErr)
				return 5
			}
		}
		if err != nil {
			if err == io.EOF {
				if !follow {
					break
				}
				time.Sleep(500 * time.Millisecond)
				continue
			}
			fmt.Fprintf(os.Stderr, "%s\n", err)
			return 5
		}
	}

	if mode == "count" {
		fmt.Fprintf(out, "processed: %d, matched: %d\n", processed, matched)
	}
	return 0
}

func writeRecord(out io.Writer, mode string, m *message.Message, raw []byte) {
	switch mode {
	case "count":
		// tallied by the caller; nothing per-record to emit
	case "heka":
		out.Write(message.Frame(raw))
	default:
		fmt.Fprintf(out, "%s", renderText(m))
	}
}

// renderText builds the default human-readable dump via go-simplejson
// so the rendered Fields view reuses the same JSON value model the
// fields themselves would marshal through, instead of a bespoke
// %+v dump.
func renderText(m *message.Message) string {
	fieldsJSON := simplejson.New()
	for _, f := range m.Fields {
		count := f.ValueCount()
		if count == 1 {
			if v, ok := fieldValueAt(f, 0); ok {
				fieldsJSON.Set(f.Name, v)
			}
			continue
		}
		values := make([]interface{}, 0, count)
		for i := 0; i < count; i++ {
			if v, ok := fieldValueAt(f, i); ok {
				values = append(values, v)
			}
		}
		fieldsJSON.Set(f.Name, values)
	}
	fieldsBytes, _ := fieldsJSON.MarshalJSON()

	return fmt.Sprintf(
		"Timestamp: %s\n"+
			"Type: %s\n"+
			"Hostname: %s\n"+
			"Pid: %d\n"+
			"UUID: %s\n"+
			"Logger: %s\n"+
			"Payload: %s\n"+
			"EnvVersion: %s\n"+
			"Severity: %d\n"+
			"Fields: %s\n\n",
		time.Unix(0, m.Timestamp), m.Type, m.Hostname, m.Pid, m.UuidString(),
		m.Logger, m.Payload, m.EnvVersion, m.Severity, fieldsBytes)
}

func fieldValueAt(f *message.Field, i int) (interface{}, bool) {
	rv := message.ReadField(&message.Message{Fields: []*message.Field{f}}, f.Name, 0, i)
	switch rv.Kind {
	case message.ReadString:
		return rv.String, true
	case message.ReadNumeric:
		return rv.Numeric, true
	case message.ReadBool:
		return rv.Bool, true
	default:
		return nil, false
	}
}

// seekToLastNFrames is a best-effort reverse scan for the last N record
// separators (0x1E) from the file's end (§6 "-n performs a best-effort
// seek to the last N frame starts from the end of the file"). It isn't
// exact for a stream with 0x1E bytes inside payloads (no reverse
// decode is attempted), only a practical tail-seek.
func seekToLastNFrames(f *os.File, n int) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	const chunkSize = 64 * 1024
	var found []int64
	pos := size

	for pos > 0 && len(found) < n {
		readSize := int64(chunkSize)
		if readSize > pos {
			readSize = pos
		}
		pos -= readSize
		chunk := make([]byte, readSize)
		if _, err := f.ReadAt(chunk, pos); err != nil {
			return err
		}
		for i := len(chunk) - 1; i >= 0; i-- {
			if chunk[i] == message.RECORD_SEPARATOR {
				found = append(found, pos+int64(i))
				if len(found) >= n {
					break
				}
			}
		}
	}

	var seekPos int64
	if len(found) >= n {
		seekPos = found[n-1]
	} else if len(found) > 0 {
		seekPos = found[len(found)-1]
	}
	_, err = f.Seek(seekPos, io.SeekStart)
	return err
}
