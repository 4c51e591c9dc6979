package smtp

import (
	"strings"
)

// Response is a complete SMTP reply: the status code of the terminal line
// and every raw line received, continuation lines included.
type Response struct {
	Code  int
	Lines []string
}

// String joins the raw reply lines the way they are reported in errors.
func (r Response) String() string {
	return strings.Join(r.Lines, " | ")
}

// Has reports whether any reply line advertises the given EHLO keyword.
func (r Response) Has(keyword string) bool {
	for _, line := range r.Lines {
		if len(line) < 4 {
			continue
		}
		fields := strings.Fields(line[4:])
		if len(fields) > 0 && strings.EqualFold(fields[0], keyword) {
			return true
		}
	}
	return false
}

// parseReplyLine splits a reply line into its status code and separator.
// ok is false when the line does not start with a three digit code.
func parseReplyLine(line string) (code int, sep byte, ok bool) {
	if len(line) < 3 {
		return 0, 0, false
	}
	for i := 0; i < 3; i++ {
		c := line[i]
		if c < '0' || c > '9' {
			return 0, 0, false
		}
		code = code*10 + int(c-'0')
	}
	if len(line) == 3 {
		// A bare code carries no text and ends the reply.
		return code, ' ', true
	}
	switch line[3] {
	case ' ', '-':
		return code, line[3], true
	case '\t':
		return code, ' ', true
	default:
		return 0, 0, false
	}
}

// readResponse collects lines from next until a terminal line arrives.
// Lines that do not look like reply lines are kept but never end the reply.
func readResponse(next func() (string, error)) (Response, error) {
	var resp Response
	for {
		line, err := next()
		if err != nil {
			return Response{}, err
		}
		resp.Lines = append(resp.Lines, line)

		code, sep, ok := parseReplyLine(line)
		if !ok {
			continue
		}
		resp.Code = code
		if sep == ' ' {
			return resp, nil
		}
	}
}
