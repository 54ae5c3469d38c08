package watchdog

import "strings"

// ParseOutboxFile splits raw outbox file content into a headers map and a
// body string: "KEY: value" lines with uppercased keys, parsing stops at
// the first blank line (or the first line that isn't a header), and a file
// with no colon on its first line is body-only.
func ParseOutboxFile(data []byte) (headers map[string]string, body string) {
	headers = make(map[string]string)
	lines := strings.Split(string(data), "\n")

	if len(lines) == 0 || !strings.Contains(lines[0], ":") {
		return headers, string(data)
	}

	i := 0
	for ; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			i++
			break
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			break
		}
		key := strings.ToUpper(strings.TrimSpace(line[:idx]))
		headers[key] = strings.TrimSpace(line[idx+1:])
	}

	body = strings.Join(lines[i:], "\n")
	return headers, body
}
