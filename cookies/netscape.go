package cookies

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	netscapeHeader = "# Netscape HTTP Cookie File"
	httpOnlyPrefix = "#HttpOnly_"
)

// WriteNetscape writes the jar in the Netscape cookies.txt format understood by
// curl and wget. Session cookies get an empty expiry.
func (j *Jar) WriteNetscape(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s\n# This file is generated by train-notifier. Edit at your own risk.\n\n", netscapeHeader); err != nil {
		return err
	}

	for _, c := range j.All() {
		domain := c.Domain
		sub := "FALSE"
		if !c.HostOnly {
			domain = "." + domain
			sub = "TRUE"
		}
		if c.HTTPOnly {
			domain = httpOnlyPrefix + domain
		}
		expires := ""
		if !c.Expires.IsZero() {
			expires = strconv.FormatInt(c.Expires.Unix(), 10)
		}
		if _, err := fmt.Fprintf(bw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			domain, sub, c.Path, boolField(c.Secure), expires, c.Name, c.Value); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadNetscape loads cookies from the Netscape cookies.txt format. Malformed lines
// and cookies that have already expired are skipped and counted.
func (j *Jar) ReadNetscape(r io.Reader) (skipped int, err error) {
	now := j.now()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")

		httpOnly := false
		if strings.HasPrefix(line, httpOnlyPrefix) {
			httpOnly = true
			line = strings.TrimPrefix(line, httpOnlyPrefix)
		}
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}

		c, ok := parseLine(line)
		if !ok {
			skipped++
			continue
		}
		c.HTTPOnly = httpOnly
		if c.expired(now) {
			skipped++
			continue
		}
		j.Add(c)
	}
	if err := sc.Err(); err != nil {
		return skipped, fmt.Errorf("scan cookie file: %w", err)
	}
	return skipped, nil
}

func parseLine(line string) (Cookie, bool) {
	fields := strings.Split(line, "\t")
	switch len(fields) {
	case 7:
	case 6:
		fields = append(fields, "")
	default:
		return Cookie{}, false
	}

	domain := strings.ToLower(fields[0])
	if domain == "" || fields[5] == "" {
		return Cookie{}, false
	}
	hostOnly := !strings.HasPrefix(domain, ".") && fields[1] != "TRUE"

	c := Cookie{
		Domain:   strings.TrimPrefix(domain, "."),
		HostOnly: hostOnly,
		Path:     fields[2],
		Secure:   fields[3] == "TRUE",
		Name:     fields[5],
		Value:    fields[6],
	}
	if c.Path == "" {
		c.Path = "/"
	}

	if exp := strings.TrimSpace(fields[4]); exp != "" && exp != "0" {
		secs, err := strconv.ParseInt(exp, 10, 64)
		if err != nil {
			return Cookie{}, false
		}
		c.Expires = time.Unix(secs, 0)
	}
	return c, true
}

func boolField(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}
