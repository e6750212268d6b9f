package cbus

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// labelVars lists the variables a label template may reference.
var labelVars = map[string]bool{
	"name":    true,
	"address": true,
	"group":   true,
	"level":   true,
	"percent": true,
	"state":   true,
	"time":    true,
	"date":    true,
}

// LabelVariables returns the legal template variables for dev.
func LabelVariables(dev Device, st DeviceState, now time.Time) map[string]string {
	state := "off"
	if st.On {
		state = "on"
	}
	percent := st.Brightness
	if !dev.IsDimmer() {
		percent = 0
		if st.On {
			percent = 100
		}
	}
	return map[string]string{
		"name":    dev.Name,
		"address": dev.Address,
		"group":   dev.Group,
		"level":   strconv.Itoa(ToDeviceScale(percent)),
		"percent": strconv.Itoa(percent),
		"state":   state,
		"time":    now.Format("15:04"),
		"date":    now.Format("2006-01-02"),
	}
}

// RenderLabel substitutes ${var} references in tmpl. "$$" is a literal
// dollar and a "$" not followed by "{" is kept as is. Unknown variables and
// unterminated references are errors.
func RenderLabel(tmpl string, vars map[string]string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(tmpl); i++ {
		ch := tmpl[i]
		if ch != '$' || i+1 >= len(tmpl) {
			b.WriteByte(ch)
			continue
		}
		switch tmpl[i+1] {
		case '$':
			b.WriteByte('$')
			i++
		case '{':
			end := strings.IndexByte(tmpl[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: unterminated reference at offset %d", ErrLabelTemplate, i)
			}
			name := strings.TrimSpace(tmpl[i+2 : i+2+end])
			if !labelVars[name] {
				return "", fmt.Errorf("%w: unknown variable %q", ErrLabelTemplate, name)
			}
			b.WriteString(vars[name])
			i += 2 + end
		default:
			b.WriteByte(ch)
		}
	}
	return b.String(), nil
}
