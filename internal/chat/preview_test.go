package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_FormatPreview(t *testing.T) {
	req := require.New(t)
	body := "lunch?"

	req.Equal("Ana: lunch?", FormatPreview(&Message{SenderName: "Ana", Text: &body}))
	req.Equal("Ana sent an image", FormatPreview(&Message{SenderName: "Ana", Media: &MediaRef{Path: "p", Name: "n"}}))
}
