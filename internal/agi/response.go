package agi

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	ferr "fastagi/internal/errors"
)

// Status codes Asterisk uses on the AGI channel.
const (
	StatusOK          = 200
	StatusInvalid     = 510
	StatusDeadChannel = 511
	StatusUsage       = 520
)

// HangupNotice is the line Asterisk writes, unprompted, when the channel
// hangs up while a FastAGI script is still connected.
const HangupNotice = "HANGUP"

// statusRe requires exactly three digits followed by end of line, a
// space, or the hyphen that marks a continued 520 usage block.
var statusRe = regexp.MustCompile(`^(\d{3})(?:([ -])(.*))?$`)

// Response is one parsed AGI status line.
//
//	200 result=1 (timeout) endpos=1234
//	    Code=200 Result="1" Annotation="timeout" Data[endpos]="1234"
//	510 Invalid or unknown command
//	    Code=510 HasResult=false Annotation="Invalid or unknown command"
type Response struct {
	Code       int
	Result     string
	HasResult  bool
	Annotation string
	Data       map[string]string
	Raw        string
}

// ParseResponse parses a single status line.  A line whose status code
// cannot be read fails with *MalformedResponseError; any well-formed
// code, including 5xx, is returned without error.
func ParseResponse(line string) (*Response, error) {
	m := statusRe.FindStringSubmatch(line)
	if m == nil {
		return nil, &ferr.MalformedResponseError{Line: line}
	}
	code, _ := strconv.Atoi(m[1]) // three digits always parse

	resp := &Response{Code: code, Raw: line}
	rest := strings.TrimSpace(m[3])

	if !strings.HasPrefix(rest, "result=") {
		resp.Annotation = rest
		return resp, nil
	}

	rest = strings.TrimPrefix(rest, "result=")
	resp.HasResult = true
	resp.Result, rest, _ = strings.Cut(rest, " ")
	rest = strings.TrimSpace(rest)

	if strings.HasPrefix(rest, "(") {
		if end := annotationEnd(rest); end > 0 {
			resp.Annotation = rest[1:end]
			rest = strings.TrimSpace(rest[end+1:])
		}
	}
	for _, field := range strings.Fields(rest) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		if resp.Data == nil {
			resp.Data = make(map[string]string)
		}
		resp.Data[k] = v
	}
	return resp, nil
}

// annotationEnd returns the index of the ')' closing the annotation that
// opens rest: the last one followed only by key=value fields.  The
// annotation itself may contain parentheses ("(f(x))").  It returns -1
// when there is no such ')'.
func annotationEnd(rest string) int {
	for end := len(rest); end > 0; {
		end = strings.LastIndexByte(rest[:end], ')')
		if end <= 0 {
			return -1
		}
		if onlyFields(rest[end+1:]) {
			return end
		}
	}
	return -1
}

func onlyFields(s string) bool {
	for _, f := range strings.Fields(s) {
		k, _, ok := strings.Cut(f, "=")
		if !ok || k == "" || strings.ContainsAny(f, "()") {
			return false
		}
	}
	return true
}

// isContinuation reports whether line opens or continues a multi-line
// usage block ("520-Invalid command syntax.  Proper usage follows:").
func isContinuation(line string) bool {
	return len(line) > 3 && line[3] == '-' && statusRe.MatchString(line)
}

// ReadResponse reads one logical response from r.  Normally that is a
// single line; a 520 usage block is consumed up to its "520 " closing
// line so the next command stays in step.  Unprompted HANGUP notices
// are passed to onHangup and skipped.
func ReadResponse(r LineReader, onHangup func()) (*Response, error) {
	var line string
	for {
		l, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(l) == HangupNotice {
			if onHangup != nil {
				onHangup()
			}
			continue
		}
		line = l
		break
	}

	if !isContinuation(line) {
		return ParseResponse(line)
	}

	code := line[:3]
	body := []string{strings.TrimSpace(line[4:])}
	for {
		l, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(l, code+" ") {
			resp, err := ParseResponse(l)
			if err != nil {
				return nil, err
			}
			resp.Annotation = strings.Join(append(body, resp.Annotation), "\n")
			return resp, nil
		}
		body = append(body, strings.TrimSpace(l))
	}
}

// OK reports whether the command was accepted (200).
func (r *Response) OK() bool { return r != nil && r.Code == StatusOK }

// ResultInt returns the numeric result value.
func (r *Response) ResultInt() (int, error) {
	if !r.HasResult {
		return 0, fmt.Errorf("response %q has no result", r.Raw)
	}
	n, err := strconv.Atoi(r.Result)
	if err != nil {
		return 0, fmt.Errorf("result %q is not numeric", r.Result)
	}
	return n, nil
}

func (r *Response) String() string {
	if r == nil {
		return "<nil>"
	}
	return r.Raw
}
