package provider

import "context"

// Sender delivers one rendered message to one recipient over a single
// channel. The content arrives already rendered; no templating happens here.
type Sender interface {
	Send(ctx context.Context, recipient string, content string) error
}
