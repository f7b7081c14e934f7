// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/toeirei/hostmove/internal/model"
	"gopkg.in/ini.v1"
)

func init() {
	// Keep "key=value" layout when a file is written back.
	ini.PrettyFormat = false
	ini.PrettySection = false
}

// Rewrite points the path fields of one configuration file at base. It
// returns the new content and whether anything changed; unchanged input is
// returned as is.
func Rewrite(format model.ConfigFormat, data []byte, fields []model.PathField, base string) ([]byte, bool, error) {
	switch format {
	case model.FormatJSON:
		return rewriteJSON(data, fields, base)
	case model.FormatDirective:
		out := rewriteDirective(data, fields, base)
		return out, !bytes.Equal(out, data), nil
	case model.FormatStanza:
		out := rewriteStanza(data, fields, base)
		return out, !bytes.Equal(out, data), nil
	case model.FormatINI:
		return rewriteINI(data, fields, base)
	default:
		return nil, false, fmt.Errorf("unsupported config format %q", format)
	}
}

func desired(base string, f model.PathField) string {
	return path.Join(base, f.Suffix)
}

// rewriteJSON sets string values addressed by dot separated keys. Keys that
// are absent or not strings are left alone. Only the bytes of the addressed
// values change; key order, formatting, numbers and escapes elsewhere in the
// document are kept as they are.
func rewriteJSON(data []byte, fields []model.PathField, base string) ([]byte, bool, error) {
	want := make(map[string]string, len(fields))
	for _, f := range fields {
		want[f.Key] = desired(base, f)
	}
	found, err := locateJSONStrings(data, want)
	if err != nil {
		return nil, false, fmt.Errorf("parse json: %w", err)
	}

	var edits []jsonValue
	for _, v := range found {
		if v.current != want[v.key] {
			edits = append(edits, v)
		}
	}
	if len(edits) == 0 {
		return data, false, nil
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].start > edits[j].start })

	out := append([]byte(nil), data...)
	for _, v := range edits {
		enc, err := encodeJSONString(want[v.key])
		if err != nil {
			return nil, false, err
		}
		out = append(out[:v.start], append(enc, out[v.end:]...)...)
	}
	return out, true, nil
}

// jsonValue is the byte range [start, end) of a string value in a document.
type jsonValue struct {
	key        string
	current    string
	start, end int64
}

// locateJSONStrings finds the string values whose dotted key path is in
// keys. The top level must be an object.
func locateJSONStrings(data []byte, keys map[string]string) (map[string]jsonValue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("top level value is not an object")
	}
	found := map[string]jsonValue{}
	if err := walkJSONObject(dec, data, "", keys, found); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after top level object")
	}
	return found, nil
}

// walkJSONObject consumes the members of an object whose '{' was already
// read, including the closing '}'.
func walkJSONObject(dec *json.Decoder, data []byte, prefix string, keys map[string]string, found map[string]jsonValue) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		afterKey := dec.InputOffset()

		tok, err = dec.Token()
		if err != nil {
			return err
		}
		switch v := tok.(type) {
		case json.Delim:
			if v == '{' {
				err = walkJSONObject(dec, data, key, keys, found)
			} else {
				err = skipJSON(dec)
			}
			if err != nil {
				return err
			}
		case string:
			if _, ok := keys[key]; !ok {
				continue
			}
			// Between the key and its value there is only whitespace and ':'.
			open := bytes.IndexByte(data[afterKey:], '"')
			if open < 0 {
				return fmt.Errorf("value of %q not found", key)
			}
			found[key] = jsonValue{key: key, current: v, start: afterKey + int64(open), end: dec.InputOffset()}
		}
	}
	_, err := dec.Token()
	return err
}

// skipJSON consumes the rest of an array or object whose opening delimiter
// was already read.
func skipJSON(dec *json.Decoder) error {
	for depth := 1; depth > 0; {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}

func encodeJSONString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// rewriteDirective rewrites "<key><sep><value>" lines. A blank separator
// matches any run of spaces or tabs. Comments are skipped. Keys written as
// legacy rsyslog "$Name" directives also match their RainerScript parameter.
func rewriteDirective(data []byte, fields []model.PathField, base string) []byte {
	params := make([]*regexp.Regexp, len(fields))
	for j, f := range fields {
		if strings.HasPrefix(f.Key, "$") {
			params[j] = rainerParam(f.Key)
		}
	}
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		body := strings.TrimLeft(line, " \t")
		indent := line[:len(line)-len(body)]
		if body == "" || strings.HasPrefix(body, "#") {
			continue
		}
		for j, f := range fields {
			if re := params[j]; re != nil {
				want := desired(base, f)
				lines[i] = re.ReplaceAllStringFunc(lines[i], func(m string) string {
					sub := re.FindStringSubmatch(m)
					return sub[1] + want + sub[3]
				})
				body = strings.TrimLeft(lines[i], " \t")
			}
			if !strings.HasPrefix(body, f.Key) {
				continue
			}
			rest := body[len(f.Key):]
			var gap string
			if sep := strings.TrimSpace(f.Separator); sep == "" {
				value := strings.TrimLeft(rest, " \t")
				if len(value) == len(rest) {
					continue
				}
				gap = rest[:len(rest)-len(value)]
			} else {
				trimmed := strings.TrimLeft(rest, " \t")
				if !strings.HasPrefix(trimmed, sep) {
					continue
				}
				afterSep := trimmed[len(sep):]
				value := strings.TrimLeft(afterSep, " \t")
				gap = rest[:len(rest)-len(value)]
			}
			value := strings.TrimSpace(rest[len(gap):])
			if value == desired(base, f) {
				continue
			}
			lines[i] = indent + f.Key + gap + desired(base, f)
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

// rainerParam matches the RainerScript spelling of a legacy "$Name"
// directive, as in global(workDirectory="/var/spool/rsyslog"). Parameter
// names are case insensitive.
func rainerParam(key string) *regexp.Regexp {
	name := strings.TrimPrefix(key, "$")
	return regexp.MustCompile(`(?i)(\b` + regexp.QuoteMeta(name) + `\s*=\s*")([^"]*)(")`)
}

// rewriteStanza rewrites logrotate-style "<path> [<path>...] {" headers.
// Each path ending in a field suffix is moved under base; quoted paths keep
// their quotes. Paths containing spaces are not supported.
func rewriteStanza(data []byte, fields []model.PathField, base string) []byte {
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		body := strings.TrimLeft(line, " \t")
		indent := line[:len(line)-len(body)]
		trimmed := strings.TrimSpace(body)
		if !strings.HasSuffix(trimmed, "{") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		tokens := strings.Fields(strings.TrimSuffix(trimmed, "{"))
		changed := false
		for j, tok := range tokens {
			quote := ""
			if len(tok) >= 2 && (tok[0] == '"' || tok[0] == '\'') && tok[len(tok)-1] == tok[0] {
				quote = tok[:1]
				tok = tok[1 : len(tok)-1]
			}
			for _, f := range fields {
				want := desired(base, f)
				if tok != want && strings.HasSuffix(tok, "/"+f.Suffix) {
					tokens[j] = quote + want + quote
					changed = true
				}
			}
		}
		if changed {
			lines[i] = indent + strings.Join(tokens, " ") + " {"
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

// rewriteINI rewrites keys of the default section. Comments and key order
// are kept.
func rewriteINI(data []byte, fields []model.PathField, base string) ([]byte, bool, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{
		KeyValueDelimiters:       "=",
		KeyValueDelimiterOnWrite: "=",
		IgnoreInlineComment:      true,
		PreserveSurroundedQuote:  true,
	}, data)
	if err != nil {
		return nil, false, fmt.Errorf("parse ini: %w", err)
	}
	sec := cfg.Section(ini.DefaultSection)
	changed := false
	for _, f := range fields {
		if !sec.HasKey(f.Key) {
			continue
		}
		k := sec.Key(f.Key)
		if k.String() == desired(base, f) {
			continue
		}
		k.SetValue(desired(base, f))
		changed = true
	}
	if !changed {
		return data, false, nil
	}
	var buf bytes.Buffer
	if _, err := cfg.WriteTo(&buf); err != nil {
		return nil, false, err
	}
	return appendTrailingComments(buf.Bytes(), data), true, nil
}

// appendTrailingComments restores the comment lines that follow the last key
// of orig. The ini writer attaches comments to the key below them, so a
// comment block at the end of a file is otherwise lost.
func appendTrailingComments(out, orig []byte) []byte {
	lines := strings.Split(strings.TrimRight(string(orig), "\n"), "\n")
	first := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.TrimSpace(lines[i])
		if l != "" && !strings.HasPrefix(l, "#") && !strings.HasPrefix(l, ";") {
			break
		}
		first = i
	}
	for first < len(lines) && strings.TrimSpace(lines[first]) == "" {
		first++
	}
	if first == len(lines) {
		return out
	}
	tail := strings.Join(lines[first:], "\n") + "\n"
	if bytes.HasSuffix(out, []byte(tail)) {
		return out
	}
	res := strings.TrimRight(string(out), "\n") + "\n" + tail
	return []byte(res)
}
