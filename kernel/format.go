package kernel

const formatIndentation = 4

// Marker is a pair of brackets that FormatStr breaks across lines
type Marker struct {
	Open  rune
	Close rune
}

var DefaultMarkers = []Marker{{'(', ')'}, {'[', ']'}, {'{', '}'}}

// FormatStr pretty prints a single-line rendering of a value: every bracketed group opens a new,
// deeper indented line, and every comma inside a group ends a line. Spaces in the input are
// dropped. With includeSpace set, a space is put before each opening bracket and after each colon.
func FormatStr(value string, markers []Marker, includeSpace bool) string {
	result := make([]rune, 0, len(value)*2)
	depth := 0
	prev := ' '

	indent := func() {
		for i := 0; i < formatIndentation*depth; i++ {
			result = append(result, ' ')
		}
	}
	pop := func(count int) {
		if count > len(result) {
			count = len(result)
		}
		result = result[:len(result)-count]
	}

	for _, c := range value {
		if c == ' ' {
			continue
		}

		marker, isOpen, isMarker := findMarker(markers, c)
		if isMarker {
			if isOpen {
				depth++
				if prev != ' ' && includeSpace {
					result = append(result, ' ')
				}
				result = append(result, c, '\n')
				indent()
			} else {
				depth--
				if prev == marker.Open {
					// Empty group: take back the line break and indentation the opener added
					pop(formatIndentation*(depth+1) + 1)
				} else {
					if prev == ' ' {
						pop(1)
					}
					result = append(result, ',', '\n')
					indent()
				}
				result = append(result, c)
			}

			prev = c
			continue
		}

		if c == ',' && depth > 0 {
			if prev == ' ' {
				pop(1)
			}
			result = append(result, ',', '\n')
			indent()
			continue
		}

		if c == ':' && includeSpace {
			result = append(result, c, ' ')
			prev = ' '
		} else {
			result = append(result, c)
			prev = c
		}
	}

	return string(result)
}

func findMarker(markers []Marker, c rune) (Marker, bool, bool) {
	for _, marker := range markers {
		if c == marker.Open {
			return marker, true, true
		}
		if c == marker.Close {
			return marker, false, true
		}
	}
	return Marker{}, false, false
}
