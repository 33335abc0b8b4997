package wire

import (
	"fmt"

	"github.com/gaspardpetit/framerelay/origin"
)

// Frame is the parent-side handle to an embedded window, the analogue of an
// iframe element: the source URL the content was loaded from and the content
// window itself. The source URL's origin is the parent's trust anchor for
// the child; it is captured once and never reassigned.
type Frame struct {
	src     string
	content *Window
}

// NewFrame embeds a new content window under parent, loaded from src. The
// content window's origin derives from src and its referrer is the parent's
// origin.
func NewFrame(parent *Window, src string) (*Frame, error) {
	o, err := origin.FromURL(src)
	if err != nil {
		return nil, fmt.Errorf("wire: frame src: %w", err)
	}
	content := NewWindow(WindowConfig{
		Origin:   o,
		Referrer: originOf(parent),
		Parent:   parent,
	})
	return &Frame{src: src, content: content}, nil
}

// WrapFrame builds a frame around an existing content window, e.g. a bridge
// proxy for a remote child. src must carry the window's origin.
func WrapFrame(src string, content *Window) *Frame {
	return &Frame{src: src, content: content}
}

// Src returns the URL the frame's content was loaded from.
func (f *Frame) Src() string { return f.src }

// ContentWindow returns the embedded window.
func (f *Frame) ContentWindow() *Window { return f.content }
