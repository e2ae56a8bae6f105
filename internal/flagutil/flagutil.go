// Package flagutil supplies small flag.Value implementations shared by the
// driver and patchbay CLIs (cmd/vmpc, cmd/patchbay-tool).
package flagutil

import "strings"

// StringList implements flag.Value for a repeatable string flag such as
// --function NAME, collecting one entry per occurrence in order.
type StringList struct {
	Values []string
}

func (s *StringList) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(s.Values, ",")
}

func (s *StringList) Set(v string) error {
	s.Values = append(s.Values, v)
	return nil
}
