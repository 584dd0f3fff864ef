// Package format describes negotiable media encodings and ordered lists
// of them. Formats are immutable value types; negotiation works on List
// values whose ordering expresses caller preference.
package format

import (
	"fmt"
	"strings"
)

// Kind classifies a media format by the kind of data it carries.
type Kind int

const (
	// KindAudio is voice/audio media.
	KindAudio Kind = iota
	// KindVideo is video media.
	KindVideo
	// KindFax is T.38-style fax media.
	KindFax
	// KindData is generic application data.
	KindData
)

// String returns the string representation of the media kind.
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindFax:
		return "fax"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Default session identifiers. Sessions within one call are negotiated
// and patched independently.
const (
	DefaultAudioSessionID = 1
	DefaultVideoSessionID = 2
	DefaultDataSessionID  = 3
)

// DefaultSessionID returns the conventional session number for a kind.
func (k Kind) DefaultSessionID() int {
	switch k {
	case KindVideo:
		return DefaultVideoSessionID
	case KindFax, KindData:
		return DefaultDataSessionID
	default:
		return DefaultAudioSessionID
	}
}

// Option is one typed attribute of a format (bitrate, frame time, ...).
type Option struct {
	Name  string
	Value any
}

// Format describes one negotiable media encoding.
//
// A Format is identified by Name; two formats with the same name are the
// same format for negotiation purposes. Formats are constructed by codec
// and protocol collaborators, passed by value through negotiation and
// never mutated once published.
type Format struct {
	Name        string
	Kind        Kind
	ClockRate   uint32
	PayloadType uint8
	opts        []Option
}

// New constructs a format. Options keep their given order.
func New(name string, kind Kind, clockRate uint32, payloadType uint8, opts ...Option) Format {
	f := Format{
		Name:        name,
		Kind:        kind,
		ClockRate:   clockRate,
		PayloadType: payloadType,
	}
	if len(opts) > 0 {
		f.opts = append([]Option(nil), opts...)
	}
	return f
}

// IsValid reports whether the format has an identity.
func (f Format) IsValid() bool {
	return f.Name != ""
}

// Option returns the named option value.
func (f Format) Option(name string) (any, bool) {
	for _, o := range f.opts {
		if o.Name == name {
			return o.Value, true
		}
	}
	return nil, false
}

// IntOption returns the named option as an int, or def when absent or
// of another type.
func (f Format) IntOption(name string, def int) int {
	if v, ok := f.Option(name); ok {
		if i, ok := v.(int); ok {
			return i
		}
	}
	return def
}

// WithOption returns a copy of the format with the option set or replaced.
func (f Format) WithOption(name string, value any) Format {
	out := f
	out.opts = make([]Option, 0, len(f.opts)+1)
	replaced := false
	for _, o := range f.opts {
		if o.Name == name {
			out.opts = append(out.opts, Option{Name: name, Value: value})
			replaced = true
		} else {
			out.opts = append(out.opts, o)
		}
	}
	if !replaced {
		out.opts = append(out.opts, Option{Name: name, Value: value})
	}
	return out
}

// Options returns a copy of the option set.
func (f Format) Options() []Option {
	return append([]Option(nil), f.opts...)
}

// Equal reports format identity (by name).
func (f Format) Equal(other Format) bool {
	return f.Name == other.Name
}

// String returns the format name.
func (f Format) String() string {
	return f.Name
}

// List is an ordered, name-deduplicated list of formats. Order matters:
// earlier entries are preferred during negotiation.
type List []Format

// NewList builds a list from formats, dropping duplicate names.
func NewList(formats ...Format) List {
	var l List
	l.Add(formats...)
	return l
}

// HasFormat reports whether a format with the given name is present.
func (l List) HasFormat(name string) bool {
	_, ok := l.Get(name)
	return ok
}

// Get returns the format with the given name.
func (l List) Get(name string) (Format, bool) {
	for _, f := range l {
		if f.Name == name {
			return f, true
		}
	}
	return Format{}, false
}

// Add appends formats not already present, preserving order.
func (l *List) Add(formats ...Format) {
	for _, f := range formats {
		if !f.IsValid() || l.HasFormat(f.Name) {
			continue
		}
		*l = append(*l, f)
	}
}

// Remove deletes the format with the given name, if present.
func (l *List) Remove(name string) {
	for i, f := range *l {
		if f.Name == name {
			*l = append((*l)[:i], (*l)[i+1:]...)
			return
		}
	}
}

// Clone returns an independent copy of the list.
func (l List) Clone() List {
	return append(List(nil), l...)
}

// Intersect returns the members of l that are also in other, in l's
// order. The receiver's ordering is the negotiation tie-break, so it is
// never re-sorted.
func (l List) Intersect(other List) List {
	var out List
	for _, f := range l {
		if other.HasFormat(f.Name) {
			out = append(out, f)
		}
	}
	return out
}

// OfKind returns the members matching the media kind, in order.
func (l List) OfKind(k Kind) List {
	var out List
	for _, f := range l {
		if f.Kind == k {
			out = append(out, f)
		}
	}
	return out
}

// Reorder moves formats with the given names to the front of the list,
// in the order the names are given. Remaining formats keep their
// relative order. Unknown names are ignored.
func (l List) Reorder(names ...string) List {
	out := make(List, 0, len(l))
	taken := make(map[string]bool, len(names))
	for _, name := range names {
		if f, ok := l.Get(name); ok && !taken[name] {
			out = append(out, f)
			taken[name] = true
		}
	}
	for _, f := range l {
		if !taken[f.Name] {
			out = append(out, f)
		}
	}
	return out
}

// Names returns the format names in order.
func (l List) Names() []string {
	names := make([]string, len(l))
	for i, f := range l {
		names[i] = f.Name
	}
	return names
}

// String returns a comma-separated rendering of the list.
func (l List) String() string {
	return strings.Join(l.Names(), ",")
}
