package engine

import (
	"bytes"
	"context"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/convoflow/flowpg/variables"
)

// markdown renders MESSAGE content authored as markdown.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// sanitizer strips anything unsafe from rendered HTML before it reaches
// clients. UGC policy: basic formatting, links, lists, no scripts.
var sanitizer = bluemonday.UGCPolicy()

// renderMessage interpolates one message item and, for markdown content,
// renders it to sanitized HTML. The raw interpolated text is always
// preserved for clients that render their own UI.
func renderMessage(ctx context.Context, resolver *variables.Resolver, item MessageItem) Message {
	text := resolver.SubstituteString(ctx, item.Text, true)
	msg := Message{Text: text}

	if strings.EqualFold(item.Format, "markdown") {
		var buf bytes.Buffer
		if err := markdown.Convert([]byte(text), &buf); err == nil {
			msg.HTML = sanitizer.Sanitize(buf.String())
		}
	}
	return msg
}
