package remote

import (
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/grafana/xk6-webclient/common"
)

// Breakpoint holds navigations to pages whose URL contains URL.
type Breakpoint struct {
	URL string `json:"url"`
}

// UnmarshalEasyJSON supports easyjson.Unmarshaler interface.
func (b *Breakpoint) UnmarshalEasyJSON(in *jlexer.Lexer) {
	if in.IsNull() {
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "url":
			b.URL = in.String()
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
}

// command is a message sent by the server.
type command struct {
	Command     string
	Breakpoints []Breakpoint
}

// UnmarshalEasyJSON supports easyjson.Unmarshaler interface.
func (c *command) UnmarshalEasyJSON(in *jlexer.Lexer) {
	if in.IsNull() {
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "command":
			c.Command = in.String()
		case "data":
			in.Delim('[')
			c.Breakpoints = make([]Breakpoint, 0)
			for !in.IsDelim(']') {
				var b Breakpoint
				b.UnmarshalEasyJSON(in)
				c.Breakpoints = append(c.Breakpoints, b)
				in.WantComma()
			}
			in.Delim(']')
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
}

// eventMessage is a message sent to the server.
type eventMessage struct {
	Event         string
	Window        string
	Name          string
	URL           string
	Title         string
	HistoryIndex  int
	HistoryLength int
}

func newEventMessage(ev *common.WebWindowEvent) *eventMessage {
	m := &eventMessage{
		Event:  ev.Type.String(),
		Window: ev.Window.ID(),
		Name:   ev.Window.Name(),
	}
	if ev.NewPage != nil {
		m.URL = ev.NewPage.URL().String()
		m.Title = ev.NewPage.Title()
	}
	if h := ev.Window.History(); h != nil {
		m.HistoryIndex = h.Index()
		m.HistoryLength = h.Length()
	}

	return m
}

// MarshalEasyJSON supports easyjson.Marshaler interface.
func (m *eventMessage) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawString(`{"event":`)
	out.String(m.Event)
	out.RawString(`,"window":`)
	out.String(m.Window)
	if m.Name != "" {
		out.RawString(`,"name":`)
		out.String(m.Name)
	}
	out.RawString(`,"url":`)
	out.String(m.URL)
	if m.Event == "pause" {
		out.RawByte('}')
		return
	}
	out.RawString(`,"title":`)
	out.String(m.Title)
	out.RawString(`,"historyIndex":`)
	out.Int(m.HistoryIndex)
	out.RawString(`,"historyLength":`)
	out.Int(m.HistoryLength)
	out.RawByte('}')
}
