package analyzer

import "regexp"

// queryStart matches the first data-manipulation keyword standing as a whole
// token and everything after it, newlines included.
var queryStart = regexp.MustCompile(`(?s)(?:^|[^A-Za-z0-9_$])((?:DELETE|INSERT|SELECT|UPDATE)(?:[^A-Za-z0-9_$].*)?)$`)

// ExtractQuery returns the SQL statement embedded in a log message: the text
// from the first DELETE, INSERT, SELECT or UPDATE keyword to the end of the
// message. It returns "" when the message contains no statement.
func ExtractQuery(message string) string {
	m := queryStart.FindStringSubmatchIndex(message)
	if m == nil {
		return ""
	}
	return message[m[2]:m[3]]
}
