package chat

import "fmt"

// FormatPreview renders the chat-list line for m. Text wins over media.
func FormatPreview(m *Message) string {
	if m.Text != nil && *m.Text != "" {
		return fmt.Sprintf("%s: %s", m.SenderName, *m.Text)
	}
	return fmt.Sprintf("%s sent an image", m.SenderName)
}
